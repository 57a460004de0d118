package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FetchError means the feed could not be retrieved or parsed. The run
// aborts before any post is processed.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Reader struct {
	url        string
	httpClient *http.Client
	parser     *Parser
	userAgent  string
	timeout    time.Duration
}

func NewReader(url string, httpClient *http.Client, parser *Parser, userAgent string, timeout time.Duration) *Reader {
	return &Reader{
		url:        url,
		httpClient: httpClient,
		parser:     parser,
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

func (r *Reader) URL() string {
	return r.url
}

// Fetch downloads and parses the feed. Posts keep the feed's order.
func (r *Reader) Fetch(ctx context.Context) ([]Post, error) {
	data, err := r.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}

	metadata, posts, err := r.parser.Run(data)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: err}
	}

	slog.Debug("Feed fetched", "url", r.url, "title", metadata.Title, "posts", len(posts))

	return posts, nil
}

func (r *Reader) fetchFeed(ctx context.Context) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, "GET", r.url, nil)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: r.url, StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP error: %s", resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	return data, nil
}

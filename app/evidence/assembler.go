package evidence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/cfg"
	"github.com/bikegroups/calendar-sync/app/feed"
)

var supportedMediaTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

type Assembler struct {
	httpClient *http.Client
	extractor  *feed.ContentExtractor
	userAgent  string
	timeout    time.Duration
	policy     cfg.EvidencePolicy
}

func NewAssembler(httpClient *http.Client, extractor *feed.ContentExtractor, userAgent string,
	timeout time.Duration, policy cfg.EvidencePolicy) *Assembler {
	return &Assembler{
		httpClient: httpClient,
		extractor:  extractor,
		userAgent:  userAgent,
		timeout:    timeout,
		policy:     policy,
	}
}

// Assemble gathers everything the agent gets to see about a post. Failures
// only reduce the evidence.
func (a *Assembler) Assemble(ctx context.Context, post feed.Post) Evidence {
	ev := Evidence{Images: a.ResolveImages(ctx, post)}

	if a.policy.LinkText {
		text, err := a.LinkText(ctx, post)
		if err != nil {
			slog.Warn("Failed to load link text", "fingerprint", post.Fingerprint, "url", post.Link, "error", err)
		} else {
			ev.LinkText = text
		}
	}

	return ev
}

// ResolveImages loads at most max_images of the post's images in order.
func (a *Assembler) ResolveImages(ctx context.Context, post feed.Post) Images {
	result := Images{Declared: len(post.ImageURLs)}

	urls := post.ImageURLs
	if len(urls) > a.policy.MaxImages {
		urls = urls[:a.policy.MaxImages]
	}

	for _, url := range urls {
		img, err := a.fetchImage(ctx, url)
		if err != nil {
			slog.Warn("Failed to load image", "fingerprint", post.Fingerprint, "url", url, "error", err)
			result.Failed = append(result.Failed, err)
			continue
		}
		result.Loaded = append(result.Loaded, *img)
	}

	if result.Degraded() {
		slog.Warn("All images failed to load", "fingerprint", post.Fingerprint, "declared", result.Declared)
	}

	return result
}

func (a *Assembler) fetchImage(ctx context.Context, url string) (*Image, *EvidenceError) {
	data, _, err := a.get(ctx, url, int64(a.policy.MaxImageBytes))
	if err != nil {
		return nil, &EvidenceError{URL: url, Reason: "fetch failed", Err: err}
	}

	mediaType := DetectMediaType(data)
	if mediaType == "" {
		return nil, &EvidenceError{URL: url, Reason: "unsupported image format"}
	}

	return &Image{URL: url, MediaType: mediaType, Data: data}, nil
}

// DetectMediaType sniffs the payload's magic bytes and returns one of the
// supported image media types, or "" for anything else.
func DetectMediaType(data []byte) string {
	mediaType := http.DetectContentType(data)
	if supportedMediaTypes[mediaType] {
		return mediaType
	}
	return ""
}

// LinkText fetches the post's link and returns its readable text.
func (a *Assembler) LinkText(ctx context.Context, post feed.Post) (string, error) {
	if post.Link == "" {
		return "", fmt.Errorf("post has no link")
	}

	data, contentType, err := a.get(ctx, post.Link, int64(a.policy.MaxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to fetch link: %w", err)
	}

	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return "", fmt.Errorf("content type is not HTML: %s", contentType)
	}

	return a.extractor.Run(data)
}

func (a *Assembler) get(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	if limit > 0 && int64(len(data)) > limit {
		return nil, "", fmt.Errorf("response exceeds %d bytes", limit)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

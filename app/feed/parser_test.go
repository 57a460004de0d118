package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testFeed = `<?xml version="1.0"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/">
  <channel>
    <title>Cycling Merge</title>
    <link>https://example.com</link>
    <description>Merged club posts</description>
    <item>
      <title>Tuesday Night Ride</title>
      <link>https://example.com/p/1</link>
      <guid>post-1</guid>
      <pubDate>Mon, 05 May 2025 10:00:00 GMT</pubDate>
      <author>club@example.com (Bike Club)</author>
      <content:encoded><![CDATA[<p>Ride Tuesday!</p><img src="https://img.example.com/a.jpg"><img src="https://img.example.com/a.jpg"><img src="https://img.example.com/b.png">]]></content:encoded>
      <enclosure url="https://img.example.com/c.webp" length="100" type="image/webp"/>
      <enclosure url="https://example.com/audio.mp3" length="100" type="audio/mpeg"/>
    </item>
    <item>
      <title>No guid here</title>
      <link>https://example.com/p/2</link>
      <description>Just text</description>
    </item>
    <item>
      <title>Orphan</title>
      <description>Neither guid nor link</description>
    </item>
  </channel>
</rss>`

func TestParserRun(t *testing.T) {
	parser := NewParser()
	metadata, posts, err := parser.Run([]byte(testFeed))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if metadata.Title != "Cycling Merge" {
		t.Errorf("Expected title 'Cycling Merge', got: %s", metadata.Title)
	}

	if len(posts) != 2 {
		t.Fatalf("Expected 2 posts (orphan dropped), got: %d", len(posts))
	}

	first := posts[0]
	if first.GUID != "post-1" {
		t.Errorf("Expected GUID 'post-1', got: %s", first.GUID)
	}
	if first.Fingerprint != Fingerprint("post-1", "") {
		t.Errorf("Expected fingerprint from guid, got: %s", first.Fingerprint)
	}
	if first.Author != "Bike Club" {
		t.Errorf("Expected author 'Bike Club', got: %s", first.Author)
	}
	if first.PublishedAt == nil || !first.PublishedAt.Equal(time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published 2025-05-05 10:00 UTC, got: %v", first.PublishedAt)
	}

	wantImages := []string{
		"https://img.example.com/a.jpg",
		"https://img.example.com/b.png",
		"https://img.example.com/c.webp",
	}
	if len(first.ImageURLs) != len(wantImages) {
		t.Fatalf("Expected %d images, got: %v", len(wantImages), first.ImageURLs)
	}
	for i, want := range wantImages {
		if first.ImageURLs[i] != want {
			t.Errorf("Expected image %d to be %s, got: %s", i, want, first.ImageURLs[i])
		}
	}

	second := posts[1]
	if second.GUID != "https://example.com/p/2" {
		t.Errorf("Expected guid to fall back to link, got: %s", second.GUID)
	}
	if second.Content != "Just text" {
		t.Errorf("Expected content from description, got: %s", second.Content)
	}
	if second.PublishedAt != nil {
		t.Errorf("Expected no published time, got: %v", second.PublishedAt)
	}
	if len(second.ImageURLs) != 0 {
		t.Errorf("Expected no images, got: %v", second.ImageURLs)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("guid-1", "https://example.com/a")
	b := Fingerprint("guid-1", "https://example.com/edited")
	if a != b {
		t.Error("Expected fingerprint to depend on guid only")
	}

	if Fingerprint("", "https://example.com/a") != Fingerprint("https://example.com/a", "") {
		t.Error("Expected link fallback to match the same identifier as guid")
	}

	if Fingerprint("", "") != "" {
		t.Error("Expected empty fingerprint without identifier")
	}

	if len(a) != 64 {
		t.Errorf("Expected hex sha256 fingerprint, got length %d", len(a))
	}
}

func TestParserInvalidFeed(t *testing.T) {
	parser := NewParser()
	if _, _, err := parser.Run([]byte("not a feed")); err == nil {
		t.Error("Expected parse error for invalid feed")
	}
}

func TestPublishedDay(t *testing.T) {
	loc, _ := time.LoadLocation("America/Chicago")
	published := time.Date(2025, 5, 6, 3, 0, 0, 0, time.UTC) // May 5th in Chicago
	post := Post{PublishedAt: &published}

	day := post.PublishedDay(time.Now(), loc)
	if day.Day() != 5 || day.Month() != time.May {
		t.Errorf("Expected May 5, got: %v", day)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, loc)
	day = Post{}.PublishedDay(now, loc)
	if day.Day() != 1 || day.Month() != time.June {
		t.Errorf("Expected run day June 1 for undated post, got: %v", day)
	}
}

func TestReaderFetch(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeed))
	}))
	defer server.Close()

	reader := NewReader(server.URL, server.Client(), NewParser(), "test-agent/1.0", 5*time.Second)
	posts, err := reader.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(posts) != 2 {
		t.Errorf("Expected 2 posts, got: %d", len(posts))
	}
	if gotUA != "test-agent/1.0" {
		t.Errorf("Expected user agent 'test-agent/1.0', got: %s", gotUA)
	}
}

func TestReaderFetchErrors(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer notFound.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not rss</html>"))
	}))
	defer garbage.Close()

	tests := []struct {
		name       string
		url        string
		statusCode int
	}{
		{"bad status", notFound.URL, http.StatusBadGateway},
		{"malformed feed", garbage.URL, 0},
		{"unreachable", "http://127.0.0.1:1/feed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewReader(tt.url, http.DefaultClient, NewParser(), "test", 2*time.Second)
			posts, err := reader.Fetch(context.Background())

			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("Expected FetchError, got: %v", err)
			}
			if fetchErr.StatusCode != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, fetchErr.StatusCode)
			}
			if posts != nil {
				t.Errorf("Expected no posts on failure, got: %d", len(posts))
			}
		})
	}
}

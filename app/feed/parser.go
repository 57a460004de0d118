package feed

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

func (p *Parser) Run(data []byte) (*Metadata, []Post, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	metadata := &Metadata{
		Title:       feed.Title,
		Link:        feed.Link,
		Description: feed.Description,
		Language:    feed.Language,
	}

	posts := make([]Post, 0, len(feed.Items))
	for i, item := range feed.Items {
		post, ok := p.normalizeItem(item)
		if !ok {
			slog.Warn("Feed item has no guid or link, skipping", "index", i, "title", item.Title)
			continue
		}
		posts = append(posts, post)
	}

	return metadata, posts, nil
}

// Fingerprint derives the dedup key from the item's own identifier. Content
// and feed position never take part.
func Fingerprint(guid, link string) string {
	id := cmp.Or(strings.TrimSpace(guid), strings.TrimSpace(link))
	if id == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])
}

func (p *Parser) normalizeItem(item *gofeed.Item) (Post, bool) {
	fingerprint := Fingerprint(item.GUID, item.Link)
	if fingerprint == "" {
		return Post{}, false
	}

	post := Post{
		Fingerprint: fingerprint,
		GUID:        cmp.Or(strings.TrimSpace(item.GUID), strings.TrimSpace(item.Link)),
		Title:       strings.TrimSpace(item.Title),
		Link:        item.Link,
		Content:     cmp.Or(item.Content, item.Description),
		Author:      p.extractAuthor(item),
	}

	if item.PublishedParsed != nil {
		published := item.PublishedParsed.UTC()
		post.PublishedAt = &published
	} else if item.UpdatedParsed != nil {
		updated := item.UpdatedParsed.UTC()
		post.PublishedAt = &updated
	}

	post.ImageURLs = p.extractImages(post.Content, item.Enclosures)

	return post, true
}

func (p *Parser) extractImages(content string, enclosures []*gofeed.Enclosure) []string {
	var urls []string
	seen := make(map[string]bool)

	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	for _, u := range InlineImages(content) {
		add(u)
	}

	for _, enclosure := range enclosures {
		if enclosure != nil && strings.HasPrefix(strings.ToLower(enclosure.Type), "image/") {
			add(enclosure.URL)
		}
	}

	return urls
}

// InlineImages returns the <img src> values of an HTML body in document order.
func InlineImages(content string) []string {
	if content == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		slog.Debug("Failed to parse post HTML for images", "error", err)
		return nil
	}
	var urls []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		urls = append(urls, src)
	})
	return urls
}

func (p *Parser) extractAuthor(item *gofeed.Item) string {
	var authors []string

	if len(item.Authors) > 0 {
		for _, author := range item.Authors {
			if author != nil {
				if authorStr := p.formatAuthor(author.Name, author.Email); authorStr != "" {
					authors = append(authors, authorStr)
				}
			}
		}
	} else if item.Author != nil {
		if authorStr := p.formatAuthor(item.Author.Name, item.Author.Email); authorStr != "" {
			authors = append(authors, authorStr)
		}
	}

	return strings.Join(authors, ", ")
}

func (p *Parser) formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name != "" {
		return name
	}
	return email
}

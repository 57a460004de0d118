package feed

import (
	"time"
)

type Metadata struct {
	Title       string
	Link        string
	Description string
	Language    string
}

// Post is one feed item normalized for the sync pipeline.
type Post struct {
	Fingerprint string
	GUID        string
	Title       string
	Link        string
	Author      string
	PublishedAt *time.Time
	Content     string   // HTML as delivered by the feed
	ImageURLs   []string // inline images first, then image enclosures
}

// PublishedDay returns the local calendar day the post was published, or
// the day of now when the feed gave no date.
func (p Post) PublishedDay(now time.Time, loc *time.Location) time.Time {
	ref := now
	if p.PublishedAt != nil {
		ref = *p.PublishedAt
	}
	ref = ref.In(loc)
	return time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
}

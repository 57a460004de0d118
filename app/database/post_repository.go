package database

import (
	"fmt"
	"time"
)

// SQLPostRepository tracks every feed post the pipeline has observed
type SQLPostRepository struct {
	db  *DB
	now func() time.Time
}

// NewPostRepository creates a new seen-post repository
func NewPostRepository(db *DB) *SQLPostRepository {
	return &SQLPostRepository{db: db, now: time.Now}
}

// RememberPosts inserts posts not seen before and returns how many were new.
// Existing rows are left untouched so the first sighting is preserved.
func (r *SQLPostRepository) RememberPosts(posts []SeenPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO seen_posts (
			fingerprint, guid, title, author, link, published_at, image_count, first_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare seen post insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(r.now())
	inserted := 0
	for _, post := range posts {
		firstSeen := now
		if !post.FirstSeenAt.IsZero() {
			firstSeen = formatTime(post.FirstSeenAt)
		}

		res, err := stmt.Exec(post.Fingerprint, post.GUID, nullString(post.Title), nullString(post.Author),
			nullString(post.Link), formatTimePtr(post.PublishedAt), post.ImageCount, firstSeen)
		if err != nil {
			return 0, fmt.Errorf("failed to remember post %s: %w", post.Fingerprint, err)
		}

		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seen posts: %w", err)
	}

	return inserted, nil
}

// GetSeenCount returns the number of distinct posts observed
func (r *SQLPostRepository) GetSeenCount() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM seen_posts").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get seen post count: %w", err)
	}
	return count, nil
}

package evidence

import (
	"fmt"
)

type Image struct {
	URL       string
	MediaType string
	Data      []byte
}

// Images is the outcome of resolving a post's declared images.
type Images struct {
	Declared int
	Loaded   []Image
	Failed   []*EvidenceError
}

// Degraded reports that the post referenced images but none could be
// loaded. The agent must not treat this as a post without images.
func (i Images) Degraded() bool {
	return i.Declared > 0 && len(i.Loaded) == 0
}

type Evidence struct {
	Images   Images
	LinkText string
}

// EvidenceError records a single evidence item that could not be loaded.
// It never fails the post.
type EvidenceError struct {
	URL    string
	Reason string
	Err    error
}

func (e *EvidenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evidence %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("evidence %s: %s", e.URL, e.Reason)
}

func (e *EvidenceError) Unwrap() error {
	return e.Err
}

package database

import "fmt"

// ConflictError is returned when an outcome is recorded for a fingerprint
// that already has a live record.
type ConflictError struct {
	Fingerprint string
	Status      RecordStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record for %s already exists with status %s", e.Fingerprint, e.Status)
}

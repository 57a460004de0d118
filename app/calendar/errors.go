package calendar

import "fmt"

// NotFoundError means the referenced event no longer exists remotely.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("calendar event %s not found", e.ID)
}

// RemoteError is a transport or authorization failure of the calendar
// provider. No partial success may be assumed.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("calendar %s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

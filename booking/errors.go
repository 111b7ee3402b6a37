package booking

import (
	"errors"
	"fmt"
)

var (
	// ErrMeetingProvider is returned when the meeting provider fails. The
	// booking transaction is rolled back; the call is not retried.
	ErrMeetingProvider = errors.New("meeting provider failed")

	// ErrInvalidRequest is returned for malformed booking requests.
	ErrInvalidRequest = errors.New("invalid booking request")
)

// MeetingProviderError wraps the provider's own error.
type MeetingProviderError struct {
	Err error
}

func (e *MeetingProviderError) Error() string {
	return fmt.Sprintf("meeting provider failed: %v", e.Err)
}

func (e *MeetingProviderError) Unwrap() []error { return []error{ErrMeetingProvider, e.Err} }

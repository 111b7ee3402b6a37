package booking

import (
	"context"
	"time"

	"github.com/warp/mentor-booking/engine"
)

// MeetingRequest describes the session a meeting is allocated for.
type MeetingRequest struct {
	Topic           string
	Start           time.Time
	DurationMinutes int
	HostID          string
}

// MeetingProvider allocates a joinable meeting. Implementations live in
// package meeting.
type MeetingProvider interface {
	CreateMeeting(ctx context.Context, req MeetingRequest) (engine.Meeting, error)
}

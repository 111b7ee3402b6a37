package meeting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/mentor-booking/booking"
	"github.com/warp/mentor-booking/engine"
)

func sessionRequest() booking.MeetingRequest {
	return booking.MeetingRequest{
		Topic:           "Essay review",
		Start:           time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		HostID:          "mentor-1",
	}
}

func TestRoomProvider_CreateMeeting(t *testing.T) {
	p, err := NewRoomProvider("https://meet.example.com/base/")
	require.NoError(t, err)

	m1, err := p.CreateMeeting(context.Background(), sessionRequest())
	require.NoError(t, err)
	m2, err := p.CreateMeeting(context.Background(), sessionRequest())
	require.NoError(t, err)

	assert.NotEqual(t, m1.ID, m2.ID)
	assert.NotEqual(t, m1.Password, m2.Password)
	assert.Equal(t, "https://meet.example.com/base/rooms/"+m1.ID, m1.JoinURL)
	assert.Len(t, m1.Password, 16)
	assert.Equal(t, strings.ToLower(m1.Password), m1.Password)
}

func TestRoomProvider_RejectsBadInput(t *testing.T) {
	_, err := NewRoomProvider("")
	assert.ErrorIs(t, err, ErrBaseURLRequired)
	_, err = NewRoomProvider("/relative")
	assert.Error(t, err)

	p, err := NewRoomProvider("https://meet.example.com")
	require.NoError(t, err)
	req := sessionRequest()
	req.DurationMinutes = 0
	_, err = p.CreateMeeting(context.Background(), req)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.CreateMeeting(ctx, sessionRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	boom := errors.New("boom")
	var f booking.MeetingProvider = Func(func(context.Context, booking.MeetingRequest) (engine.Meeting, error) {
		return engine.Meeting{}, boom
	})
	_, err := f.CreateMeeting(context.Background(), sessionRequest())
	assert.ErrorIs(t, err, boom)
}

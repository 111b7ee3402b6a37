// Package meeting provides booking.MeetingProvider implementations.
package meeting

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/mentor-booking/booking"
	"github.com/warp/mentor-booking/engine"
)

var ErrBaseURLRequired = errors.New("meeting base url is required")

// RoomProvider allocates self-hosted rooms: a room id under a base URL
// plus a random join password. No remote call is made.
type RoomProvider struct {
	base *url.URL
}

var _ booking.MeetingProvider = (*RoomProvider)(nil)

func NewRoomProvider(baseURL string) (*RoomProvider, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse meeting base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("meeting base url %q must be absolute", baseURL)
	}
	return &RoomProvider{base: u}, nil
}

func (p *RoomProvider) CreateMeeting(ctx context.Context, req booking.MeetingRequest) (engine.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return engine.Meeting{}, err
	}
	if req.DurationMinutes <= 0 {
		return engine.Meeting{}, fmt.Errorf("invalid duration %d minutes", req.DurationMinutes)
	}
	password, err := newPassword()
	if err != nil {
		return engine.Meeting{}, err
	}
	id := uuid.NewString()
	return engine.Meeting{
		ID:       id,
		JoinURL:  p.base.JoinPath("rooms", id).String(),
		Password: password,
	}, nil
}

func newPassword() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate meeting password: %w", err)
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

// Func adapts a function to booking.MeetingProvider.
type Func func(ctx context.Context, req booking.MeetingRequest) (engine.Meeting, error)

func (f Func) CreateMeeting(ctx context.Context, req booking.MeetingRequest) (engine.Meeting, error) {
	return f(ctx, req)
}

package transport

import (
	"context"
	"errors"
	"log/slog"
)

// ErrTransportUnavailable signals that the managed provider could not be
// reached or refused the room. It triggers fallback to direct mode and is
// never fatal to a join.
var ErrTransportUnavailable = errors.New("managed transport unavailable")

type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeManaged Mode = "managed"
)

// Assignment is the transport decision for one room. It is made once at
// room creation and never changes for the room's lifetime.
type Assignment struct {
	Mode      Mode
	RoomToken string
}

// Provider is the capability surface of an external managed video backend.
type Provider interface {
	CreateManagedRoom(ctx context.Context, roomID string) (token string, err error)
	TeardownManagedRoom(ctx context.Context, roomID string) error
	Healthy(ctx context.Context) bool
}

// Selector picks direct peer signaling or a managed transport per room.
// A nil provider means managed mode is not configured at all.
type Selector struct {
	provider Provider
}

func NewSelector(provider Provider) *Selector {
	return &Selector{provider: provider}
}

// Select prefers managed mode when a provider is configured and healthy,
// and degrades to direct mode on any provider failure.
func (s *Selector) Select(ctx context.Context, roomID string) Assignment {
	if s.provider == nil {
		return Assignment{Mode: ModeDirect}
	}
	if !s.provider.Healthy(ctx) {
		slog.Warn("managed transport unhealthy; falling back to direct mode", "room_id", roomID)
		return Assignment{Mode: ModeDirect}
	}
	token, err := s.provider.CreateManagedRoom(ctx, roomID)
	if err != nil {
		slog.Warn("managed room creation failed; falling back to direct mode", "error", errors.Join(ErrTransportUnavailable, err), "room_id", roomID)
		return Assignment{Mode: ModeDirect}
	}
	return Assignment{Mode: ModeManaged, RoomToken: token}
}

// Teardown releases provider-side resources for a managed room.
func (s *Selector) Teardown(ctx context.Context, roomID string, a Assignment) {
	if s.provider == nil || a.Mode != ModeManaged {
		return
	}
	if err := s.provider.TeardownManagedRoom(ctx, roomID); err != nil {
		slog.Error("managed room teardown failed", "error", err, "room_id", roomID)
	}
}

package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/transport"
)

// Closure describes one room reclaimed by CloseRoom or the sweep, with the
// participant state captured at teardown.
type Closure struct {
	RoomID         string
	ConsultationID string
	Reason         string
	Participants   []View
}

// ExpiredParticipant is a disconnected participant whose reconnect grace
// elapsed while the room stayed open.
type ExpiredParticipant struct {
	RoomID         string
	ConsultationID string
	Participant    View
}

// SweepHandler receives the outcomes of background sweeps so the
// consultation lifecycle can reconcile durable state.
type SweepHandler interface {
	HandleRoomClosed(c Closure)
	HandleParticipantExpired(e ExpiredParticipant)
}

// Registry is the authoritative map of live rooms. Its mutex guards only
// the index maps; every room carries its own lock and delivery queue, so
// traffic in different rooms never contends.
type Registry struct {
	cfg *config.Config
	now func() time.Time

	mu             sync.RWMutex
	rooms          map[string]*Room
	byConsultation map[string]string

	handler SweepHandler
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:            cfg,
		now:            time.Now,
		rooms:          make(map[string]*Room),
		byConsultation: make(map[string]string),
	}
}

// SetSweepHandler wires the lifecycle reconciler. Must be called before Run.
func (r *Registry) SetSweepHandler(h SweepHandler) {
	r.handler = h
}

// CreateRoom registers a live room under the consultation's pre-assigned
// room id. Two live rooms for one consultation, or two consultations
// claiming one room id, are both rejected.
func (r *Registry) CreateRoom(roomID, consultationID string, assignment transport.Assignment) (*Room, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConsultation[consultationID]; exists {
		return nil, ErrAlreadyExists
	}
	if _, exists := r.rooms[roomID]; exists {
		return nil, ErrAlreadyExists
	}
	rm := newRoom(roomID, consultationID, assignment, now)
	r.rooms[rm.ID] = rm
	r.byConsultation[consultationID] = rm.ID
	slog.Info("room created", "room_id", rm.ID, "consultation_id", consultationID, "transport_mode", assignment.Mode)
	return rm, nil
}

func (r *Registry) Get(roomID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

func (r *Registry) ByConsultation(consultationID string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConsultation[consultationID]
	if !ok {
		return nil, false
	}
	rm, ok := r.rooms[id]
	return rm, ok
}

func (r *Registry) Join(roomID, userID string, role Role, sink Sink) (View, error) {
	rm, err := r.Get(roomID)
	if err != nil {
		return View{}, err
	}
	v, err := rm.join(userID, role, sink, r.cfg.ReconnectGracePeriod(), r.now())
	if err != nil {
		return View{}, err
	}
	slog.Info("participant joined", "room_id", roomID, "user_id", userID, "role", role, "reconnects", v.Reconnects)
	return v, nil
}

func (r *Registry) Leave(roomID, userID string) (View, error) {
	rm, err := r.Get(roomID)
	if err != nil {
		return View{}, err
	}
	v, err := rm.leave(userID, r.now())
	if err != nil {
		return View{}, err
	}
	slog.Info("participant left", "room_id", roomID, "user_id", userID)
	return v, nil
}

func (r *Registry) RecordDisconnection(roomID, userID, reason string) error {
	rm, err := r.Get(roomID)
	if err != nil {
		return err
	}
	if err := rm.recordDisconnection(userID, reason, r.now()); err != nil {
		return err
	}
	slog.Info("participant disconnected", "room_id", roomID, "user_id", userID, "reason", reason)
	return nil
}

func (r *Registry) UpdateMediaState(roomID, userID string, state MediaState, quality string) error {
	rm, err := r.Get(roomID)
	if err != nil {
		return err
	}
	return rm.updateMediaState(userID, state, quality, r.now())
}

// Relay forwards payload within a room, preserving per-room order. An
// empty toUserID broadcasts to every other joined participant.
func (r *Registry) Relay(roomID, fromUserID, toUserID string, payload []byte) (int, int64, error) {
	rm, err := r.Get(roomID)
	if err != nil {
		return 0, 0, err
	}
	return rm.relay(fromUserID, toUserID, payload, r.now())
}

func (r *Registry) ListParticipants(roomID string) ([]View, error) {
	rm, err := r.Get(roomID)
	if err != nil {
		return nil, err
	}
	return rm.listParticipants(), nil
}

func (r *Registry) Summary(roomID, userID string) (Summary, error) {
	rm, err := r.Get(roomID)
	if err != nil {
		return Summary{}, err
	}
	return rm.summary(userID, r.now())
}

// CloseRoom is idempotent: closing an unknown or already-closed room is a
// no-op. Remaining participants get a room-closed notice before teardown,
// and their final state is returned for persistence.
func (r *Registry) CloseRoom(roomID, reason string) []View {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
		delete(r.byConsultation, rm.ConsultationID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	views := rm.listParticipants()
	rm.close(reason)
	slog.Info("room closed", "room_id", roomID, "consultation_id", rm.ConsultationID, "reason", reason)
	return views
}

// Sweep reclaims rooms empty past the grace window or idle past the idle
// timeout, and frees slots of participants whose reconnect grace elapsed.
func (r *Registry) Sweep(now time.Time) ([]Closure, []ExpiredParticipant) {
	r.mu.RLock()
	snapshot := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		snapshot = append(snapshot, rm)
	}
	r.mu.RUnlock()

	var closures []Closure
	var expired []ExpiredParticipant
	for _, rm := range snapshot {
		reason, freed := rm.sweepState(now, r.cfg.RoomGracePeriod(), r.cfg.RoomIdleTimeout(), r.cfg.ReconnectGracePeriod())
		for _, v := range freed {
			expired = append(expired, ExpiredParticipant{RoomID: rm.ID, ConsultationID: rm.ConsultationID, Participant: v})
		}
		if reason == "" {
			continue
		}
		participants := r.CloseRoom(rm.ID, reason)
		closures = append(closures, Closure{
			RoomID:         rm.ID,
			ConsultationID: rm.ConsultationID,
			Reason:         reason,
			Participants:   participants,
		})
	}
	return closures, expired
}

// Run drives the background sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval())
	defer ticker.Stop()
	slog.Info("room sweep started", "interval", r.cfg.SweepInterval().String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("room sweep stopped")
			return
		case <-ticker.C:
			closures, expired := r.Sweep(r.now())
			if r.handler == nil {
				continue
			}
			for _, e := range expired {
				r.handler.HandleParticipantExpired(e)
			}
			for _, c := range closures {
				r.handler.HandleRoomClosed(c)
			}
		}
	}
}

package room

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mediconnect/teleconsult/internal/transport"
)

// deliveryQueueCap bounds the per-room queue. Overflow drops the frame
// rather than blocking the relay; delivery is at-most-once.
const deliveryQueueCap = 256

type delivery struct {
	sinks   []Sink
	payload []byte
}

// Room binds one consultation to its live set of participant connections.
// All traffic for a room flows through one buffered queue consumed by one
// goroutine, so deliveries within a room are totally ordered while separate
// rooms proceed in parallel.
type Room struct {
	ID             string
	ConsultationID string
	Transport      transport.Assignment
	CreatedAt      time.Time

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
	seq          int64
	deliveries   chan delivery
	closed       bool
	closeReason  string
	lastActivity time.Time
	emptySince   time.Time
}

func newRoom(id, consultationID string, assignment transport.Assignment, now time.Time) *Room {
	r := &Room{
		ID:             id,
		ConsultationID: consultationID,
		Transport:      assignment,
		CreatedAt:      now,
		participants:   make(map[string]*Participant),
		deliveries:     make(chan delivery, deliveryQueueCap),
		lastActivity:   now,
		emptySince:     now,
	}
	go r.deliverLoop()
	return r
}

func (r *Room) deliverLoop() {
	for d := range r.deliveries {
		for _, s := range d.sinks {
			if err := s.Deliver(d.payload); err != nil {
				slog.Warn("delivery failed", "error", err, "room_id", r.ID)
			}
		}
	}
	// Queue closed and drained: the room-closed notice is out, tear down.
	r.mu.Lock()
	reason := r.closeReason
	now := time.Now()
	sinks := make([]Sink, 0, len(r.participants))
	for _, p := range r.participants {
		if p.sink != nil {
			sinks = append(sinks, p.sink)
			p.sink = nil
		}
		if p.active() {
			p.Status = ParticipantLeft
			t := now
			p.LeftAt = &t
		}
	}
	r.mu.Unlock()
	for _, s := range sinks {
		s.Close(reason)
	}
}

// enqueueLocked appends a delivery to the room's ordered queue. Caller
// holds r.mu. A full queue drops the frame.
func (r *Room) enqueueLocked(d delivery) bool {
	if r.closed || len(d.sinks) == 0 {
		return false
	}
	select {
	case r.deliveries <- d:
		return true
	default:
		slog.Warn("delivery queue full; dropping frame", "room_id", r.ID, "recipients", len(d.sinks))
		return false
	}
}

func (r *Room) join(userID string, role Role, sink Sink, reconnectGrace time.Duration, now time.Time) (View, error) {
	var replaced Sink

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return View{}, ErrRoomClosed
	}

	p, ok := r.participants[userID]
	switch {
	case ok && p.Status == ParticipantJoined:
		// One active connection per participant: the newer socket wins.
		replaced = p.sink
		p.sink = sink
	case ok && p.Status == ParticipantDisconnected && now.Sub(p.disconnectedAt) <= reconnectGrace:
		// Reconnect within grace resumes the same logical participant.
		p.Status = ParticipantJoined
		p.sink = sink
		p.reconnects++
	default:
		if err := r.doctorConflictLocked(userID, role); err != nil {
			r.mu.Unlock()
			return View{}, err
		}
		fresh := &Participant{
			UserID:   userID,
			Role:     role,
			Status:   ParticipantJoined,
			JoinedAt: now,
			sink:     sink,
		}
		if !ok {
			r.order = append(r.order, userID)
		}
		r.participants[userID] = fresh
		p = fresh
	}

	p.TransportKind = string(r.Transport.Mode)
	r.lastActivity = now
	r.emptySince = time.Time{}
	v := p.view()
	r.mu.Unlock()

	if replaced != nil && replaced != sink {
		replaced.Close("session replaced")
	}
	return v, nil
}

// doctorConflictLocked rejects a second active doctor. Caller holds r.mu.
func (r *Room) doctorConflictLocked(userID string, role Role) error {
	if role != RoleDoctor {
		return nil
	}
	for id, other := range r.participants {
		if id != userID && other.Role == RoleDoctor && other.active() {
			return ErrRoleConflict
		}
	}
	return nil
}

func (r *Room) leave(userID string, now time.Time) (View, error) {
	r.mu.Lock()
	p, ok := r.participants[userID]
	if !ok || !p.active() {
		r.mu.Unlock()
		return View{}, ErrNotJoined
	}
	p.Status = ParticipantLeft
	t := now
	p.LeftAt = &t
	closing := p.sink
	p.sink = nil
	r.lastActivity = now
	r.markEmptyLocked(now)
	v := p.view()
	r.mu.Unlock()

	if closing != nil {
		closing.Close("left room")
	}
	return v, nil
}

func (r *Room) recordDisconnection(userID, reason string, now time.Time) error {
	r.mu.Lock()
	p, ok := r.participants[userID]
	if !ok || p.Status != ParticipantJoined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	p.Status = ParticipantDisconnected
	p.disconnectedAt = now
	p.Disconnections = append(p.Disconnections, DisconnectEvent{At: now, Reason: reason})
	closing := p.sink
	p.sink = nil
	r.lastActivity = now
	r.markEmptyLocked(now)
	r.mu.Unlock()

	if closing != nil {
		closing.Close("disconnected")
	}
	return nil
}

func (r *Room) updateMediaState(userID string, state MediaState, quality string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok || p.Status != ParticipantJoined {
		return ErrNotJoined
	}
	p.Media = state
	if quality != "" {
		p.LastQuality = quality
	}
	r.lastActivity = now
	return nil
}

// relay enqueues payload for the target (or every other joined participant
// when toUserID is empty). It returns the recipient count and the room's
// arrival sequence assigned to this frame.
func (r *Room) relay(fromUserID, toUserID string, payload []byte, now time.Time) (int, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, 0, ErrRoomClosed
	}
	sender, ok := r.participants[fromUserID]
	if !ok || sender.Status != ParticipantJoined {
		return 0, 0, ErrNotJoined
	}

	var sinks []Sink
	if toUserID != "" {
		target, ok := r.participants[toUserID]
		if !ok || target.Status != ParticipantJoined || target.sink == nil {
			return 0, 0, ErrRecipientUnavailable
		}
		sinks = []Sink{target.sink}
	} else {
		for _, id := range r.order {
			p := r.participants[id]
			if p == nil || id == fromUserID || p.Status != ParticipantJoined || p.sink == nil {
				continue
			}
			sinks = append(sinks, p.sink)
		}
	}

	r.seq++
	r.lastActivity = now
	if !r.enqueueLocked(delivery{sinks: sinks, payload: payload}) {
		return 0, r.seq, nil
	}
	return len(sinks), r.seq, nil
}

func (r *Room) listParticipants() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]View, 0, len(r.order))
	for _, id := range r.order {
		if p := r.participants[id]; p != nil {
			views = append(views, p.view())
		}
	}
	return views
}

func (r *Room) summary(userID string, now time.Time) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return Summary{}, ErrNotJoined
	}
	return p.summary(now), nil
}

func (r *Room) joinedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.participants {
		if p.Status == ParticipantJoined {
			n++
		}
	}
	return n
}

// markEmptyLocked starts the empty-room grace clock when the last active
// participant goes away. Caller holds r.mu.
func (r *Room) markEmptyLocked(now time.Time) {
	for _, p := range r.participants {
		if p.active() {
			return
		}
	}
	if r.emptySince.IsZero() {
		r.emptySince = now
	}
}

// close is idempotent. The room-closed notice rides the queue behind any
// pending deliveries, then the delivery goroutine tears the sinks down.
func (r *Room) close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	body, _ := json.Marshal(map[string]string{"reason": reason})
	notice := Envelope{Type: EnvelopeRoomClosed, RoomID: r.ID, Payload: body}
	sinks := make([]Sink, 0, len(r.participants))
	for _, p := range r.participants {
		if p.Status == ParticipantJoined && p.sink != nil {
			sinks = append(sinks, p.sink)
		}
	}
	r.enqueueLocked(delivery{sinks: sinks, payload: notice.Encode()})
	r.closed = true
	r.closeReason = reason
	close(r.deliveries)
	r.mu.Unlock()
}

// sweepState expires disconnected participants whose reconnect grace has
// elapsed and reports whether the room itself should be reclaimed.
func (r *Room) sweepState(now time.Time, gracePeriod, idleTimeout, reconnectGrace time.Duration) (closeReason string, expired []View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil
	}
	for _, p := range r.participants {
		if p.Status == ParticipantDisconnected && now.Sub(p.disconnectedAt) > reconnectGrace {
			p.Status = ParticipantLeft
			t := now
			p.LeftAt = &t
			expired = append(expired, p.view())
		}
	}
	r.markEmptyLocked(now)
	switch {
	case !r.emptySince.IsZero() && now.Sub(r.emptySince) > gracePeriod:
		closeReason = "empty past grace period"
	case now.Sub(r.lastActivity) > idleTimeout:
		closeReason = "idle timeout"
	}
	return closeReason, expired
}

package consultation

import (
	"errors"
	"sync"
	"time"

	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
)

var (
	ErrInvalidTransition = errors.New("invalid consultation status transition")
	ErrNotAllowed        = errors.New("operation restricted to the doctor or an admin")
	ErrReasonRequired    = errors.New("cancellation requires a reason")
)

// Actor identifies who is requesting a transition.
type Actor struct {
	UserID string
	Role   room.Role
}

func (a Actor) canControl() bool {
	return a.Role == room.RoleDoctor || a.Role == room.RoleAdmin
}

// Machine owns consultation status transitions. Every check-and-set runs
// under a per-consultation lock so two concurrent requests (a doctor's
// duplicated join, two end calls) cannot double-apply.
type Machine struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine() *Machine {
	return &Machine{locks: make(map[string]*sync.Mutex)}
}

// Guard acquires the transition lock for a consultation and returns the
// release func.
func (m *Machine) Guard(consultationID string) func() {
	m.mu.Lock()
	l, ok := m.locks[consultationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[consultationID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Forget drops the lock entry once a consultation is terminal.
func (m *Machine) Forget(consultationID string) {
	m.mu.Lock()
	delete(m.locks, consultationID)
	m.mu.Unlock()
}

// MarkWaiting moves scheduled to waiting when a non-doctor participant
// arrives first. Already waiting or in progress is a no-op.
func (m *Machine) MarkWaiting(c *repository.Consultation, now time.Time) (bool, error) {
	switch c.Status {
	case repository.StatusScheduled:
		c.Status = repository.StatusWaiting
		c.Version++
		c.UpdatedAt = now
		return true, nil
	case repository.StatusWaiting, repository.StatusInProgress:
		return false, nil
	}
	return false, ErrInvalidTransition
}

// Start moves scheduled or waiting to in progress when the doctor joins.
// A duplicate start is idempotent: it reports no change and no error.
func (m *Machine) Start(c *repository.Consultation, actor Actor, now time.Time) (bool, error) {
	if !actor.canControl() {
		return false, ErrNotAllowed
	}
	switch c.Status {
	case repository.StatusScheduled, repository.StatusWaiting:
		c.Status = repository.StatusInProgress
		t := now
		c.ActualStartAt = &t
		c.Version++
		c.UpdatedAt = now
		return true, nil
	case repository.StatusInProgress:
		return false, nil
	}
	return false, ErrInvalidTransition
}

// Complete ends an in-progress consultation and derives its duration.
func (m *Machine) Complete(c *repository.Consultation, actor Actor, now time.Time) error {
	if !actor.canControl() {
		return ErrNotAllowed
	}
	if c.Status != repository.StatusInProgress || c.ActualStartAt == nil {
		return ErrInvalidTransition
	}
	t := now
	c.ActualEndAt = &t
	c.DurationMinutes = int(t.Sub(*c.ActualStartAt) / time.Minute)
	if c.DurationMinutes < 0 {
		c.DurationMinutes = 0
	}
	c.Status = repository.StatusCompleted
	c.Version++
	c.UpdatedAt = now
	return nil
}

// Cancel is reachable from any pre-completion state and succeeds exactly
// once; a second attempt finds a terminal status and is rejected.
func (m *Machine) Cancel(c *repository.Consultation, actor Actor, reason string, now time.Time) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if c.Status.Terminal() {
		return ErrInvalidTransition
	}
	c.Status = repository.StatusCancelled
	c.CancelReason = reason
	c.CancelledBy = actor.UserID
	if c.ActualStartAt != nil {
		t := now
		c.ActualEndAt = &t
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

// MarkNoShow applies only to consultations still scheduled after the
// no-show window; any join would already have moved them off scheduled.
func (m *Machine) MarkNoShow(c *repository.Consultation, now time.Time) error {
	if c.Status != repository.StatusScheduled {
		return ErrInvalidTransition
	}
	c.Status = repository.StatusNoShow
	c.Version++
	c.UpdatedAt = now
	return nil
}

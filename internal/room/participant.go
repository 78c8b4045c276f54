package room

import "time"

type Role string

const (
	RoleDoctor   Role = "doctor"
	RolePatient  Role = "patient"
	RoleNurse    Role = "nurse"
	RoleObserver Role = "observer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleNurse, RoleObserver, RoleAdmin:
		return true
	}
	return false
}

type ParticipantStatus string

const (
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantJoined       ParticipantStatus = "joined"
	ParticipantLeft         ParticipantStatus = "left"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// MediaState mirrors the client's current media flags. It is only
// meaningful while the participant is joined.
type MediaState struct {
	AudioEnabled       bool `json:"audioEnabled"`
	AudioMuted         bool `json:"audioMuted"`
	VideoEnabled       bool `json:"videoEnabled"`
	VideoMuted         bool `json:"videoMuted"`
	ScreenShareEnabled bool `json:"screenShareEnabled"`
}

type DisconnectEvent struct {
	At     time.Time
	Reason string
}

// Sink is the outbound half of one participant connection. Implementations
// must not block: a slow consumer is the sink's problem, not the relay's.
type Sink interface {
	Deliver(payload []byte) error
	Close(reason string)
}

// Participant is one person's live presence in a room. A disconnected
// participant keeps its slot until the reconnect grace window elapses, so a
// returning client resumes the same logical participant.
type Participant struct {
	UserID         string
	Role           Role
	Status         ParticipantStatus
	JoinedAt       time.Time
	LeftAt         *time.Time
	Media          MediaState
	TransportKind  string
	LastQuality    string
	Disconnections []DisconnectEvent

	sink           Sink
	disconnectedAt time.Time
	reconnects     int
}

func (p *Participant) active() bool {
	return p.Status == ParticipantJoined || p.Status == ParticipantDisconnected
}

// View is a read-only copy of participant state, safe to hold outside the
// room lock.
type View struct {
	UserID         string            `json:"userId"`
	Role           Role              `json:"role"`
	Status         ParticipantStatus `json:"status"`
	JoinedAt       time.Time         `json:"joinedAt"`
	LeftAt         *time.Time        `json:"leftAt,omitempty"`
	Media          MediaState        `json:"media"`
	TransportKind  string            `json:"transportKind,omitempty"`
	Quality        string            `json:"quality,omitempty"`
	Reconnects     int               `json:"reconnects"`
	Disconnections []DisconnectEvent `json:"-"`
}

func (p *Participant) view() View {
	v := View{
		UserID:        p.UserID,
		Role:          p.Role,
		Status:        p.Status,
		JoinedAt:      p.JoinedAt,
		Media:         p.Media,
		TransportKind: p.TransportKind,
		Quality:       p.LastQuality,
		Reconnects:    p.reconnects,
	}
	if p.LeftAt != nil {
		t := *p.LeftAt
		v.LeftAt = &t
	}
	v.Disconnections = append(v.Disconnections, p.Disconnections...)
	return v
}

// Summary is computed on demand from the raw timestamps rather than kept
// incrementally, so it cannot drift.
type Summary struct {
	UserID          string     `json:"userId"`
	Role            Role       `json:"role"`
	JoinedAt        time.Time  `json:"joinedAt"`
	LeftAt          *time.Time `json:"leftAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	Reconnects      int        `json:"reconnects"`
}

func (p *Participant) summary(now time.Time) Summary {
	s := Summary{
		UserID:     p.UserID,
		Role:       p.Role,
		JoinedAt:   p.JoinedAt,
		Reconnects: p.reconnects,
	}
	end := now
	if p.LeftAt != nil {
		t := *p.LeftAt
		s.LeftAt = &t
		end = t
	}
	if end.After(p.JoinedAt) {
		s.DurationSeconds = int64(end.Sub(p.JoinedAt) / time.Second)
	}
	return s
}

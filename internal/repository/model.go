package repository

import "time"

type ConsultationStatus string

const (
	StatusScheduled  ConsultationStatus = "scheduled"
	StatusWaiting    ConsultationStatus = "waiting"
	StatusInProgress ConsultationStatus = "in_progress"
	StatusCompleted  ConsultationStatus = "completed"
	StatusCancelled  ConsultationStatus = "cancelled"
	StatusNoShow     ConsultationStatus = "no_show"
)

// Terminal reports whether no further status transition is possible.
func (s ConsultationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type ConsultationType string

const (
	TypeVideo ConsultationType = "video"
	TypeAudio ConsultationType = "audio"
	TypeChat  ConsultationType = "chat"
)

type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// Consultation is the durable record of one scheduled-or-active session
// between exactly one doctor and one patient. Rows are never deleted;
// abandonment is expressed through the cancelled status.
type Consultation struct {
	ID                 string
	ConsultationNumber string
	PatientID          string
	DoctorID           string
	AppointmentID      string
	Type               ConsultationType
	Status             ConsultationStatus
	Priority           Priority
	ScheduledAt        time.Time
	ActualStartAt      *time.Time
	ActualEndAt        *time.Time
	DurationMinutes    int
	RoomID             string
	ManagedRoomRef     string
	Diagnosis          string
	TreatmentPlan      string
	Prescriptions      []string
	Vitals             map[string]string
	Notes              string
	CancelReason       string
	CancelledBy        string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeFile      MessageType = "file"
	MessageTypeImage     MessageType = "image"
	MessageTypeSystem    MessageType = "system"
	MessageTypeSignaling MessageType = "signaling"
)

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is a persisted chat message. Signaling payloads are relay-only
// and never reach this table.
type Message struct {
	ID             string
	ConsultationID string
	SenderID       string
	SenderRole     string
	Type           MessageType
	Content        string
	DeliveryStatus DeliveryStatus
	ReplyToID      string
	Sequence       int64
	CreatedAt      time.Time
}

// ParticipantSummary is the durable trace of one person's presence in a
// consultation, written when they leave or the room closes.
type ParticipantSummary struct {
	ConsultationID  string
	UserID          string
	Role            string
	JoinedAt        time.Time
	LeftAt          *time.Time
	DurationSeconds int64
	Reconnects      int
	LeaveReason     string
}

package repository

import (
	"context"
	"errors"
	"time"
)

// ErrPersistenceDegraded signals that a write could not be confirmed durable
// right now and has been queued for retry. Callers treat it as a warning,
// never as a reason to block or abort a live session.
var ErrPersistenceDegraded = errors.New("persistence degraded: write queued for retry")

type UpdateStatusInput struct {
	ConsultationID  string
	Status          ConsultationStatus
	ActualStartAt   *time.Time
	ActualEndAt     *time.Time
	DurationMinutes int
	ManagedRoomRef  string
	CancelReason    string
	CancelledBy     string
	Version         int
}

type UpdateClinicalInput struct {
	ConsultationID string
	Diagnosis      string
	TreatmentPlan  string
	Prescriptions  []string
	Vitals         map[string]string
	Notes          string
}

type AppendMessageInput struct {
	MessageID      string
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

type SaveParticipantSummaryInput struct {
	ConsultationID  string
	UserID          string
	Role            string
	JoinedAt        time.Time
	LeftAt          time.Time
	DurationSeconds int64
	Reconnects      int
	LeaveReason     string
}

type ListConsultationsFilter struct {
	PatientID string
	DoctorID  string
	Status    ConsultationStatus
	Page      int
	PageSize  int
}

type ConsultationRepository interface {
	// SaveConsultation upserts by consultation id and is safe to retry.
	SaveConsultation(ctx context.Context, c *Consultation) error
	UpdateConsultationStatus(ctx context.Context, input UpdateStatusInput) error
	UpdateClinicalFields(ctx context.Context, input UpdateClinicalInput) error
	GetConsultation(ctx context.Context, id string) (*Consultation, error)
	GetConsultationByRoomID(ctx context.Context, roomID string) (*Consultation, error)
	ListConsultations(ctx context.Context, filter ListConsultationsFilter) ([]Consultation, error)
	ListScheduledBefore(ctx context.Context, cutoff time.Time) ([]Consultation, error)
}

type MessageRepository interface {
	// AppendMessage is idempotent by message id.
	AppendMessage(ctx context.Context, input AppendMessageInput) error
	ListMessages(ctx context.Context, consultationID string, limit int) ([]Message, error)
}

type ParticipantRepository interface {
	// SaveParticipantSummary upserts by (consultation id, user id).
	SaveParticipantSummary(ctx context.Context, input SaveParticipantSummaryInput) error
	ListParticipantSummaries(ctx context.Context, consultationID string) ([]ParticipantSummary, error)
}

type Repository interface {
	ConsultationRepository
	MessageRepository
	ParticipantRepository
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mediconnect/teleconsult/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

const consultationColumns = `id, consultation_number, patient_id, doctor_id, appointment_id, type, status,
	priority, scheduled_at, actual_start_at, actual_end_at, duration_minutes, room_id, managed_room_ref,
	diagnosis, treatment_plan, prescriptions, vitals, notes, cancel_reason, cancelled_by, version, created_at, updated_at`

func (r *PostgresRepository) SaveConsultation(ctx context.Context, c *repository.Consultation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consultations (id, consultation_number, patient_id, doctor_id, appointment_id, type,
			status, priority, scheduled_at, actual_start_at, actual_end_at, duration_minutes, room_id,
			managed_room_ref, diagnosis, treatment_plan, prescriptions, vitals, notes, cancel_reason,
			cancelled_by, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			actual_start_at = EXCLUDED.actual_start_at,
			actual_end_at = EXCLUDED.actual_end_at,
			duration_minutes = EXCLUDED.duration_minutes,
			managed_room_ref = EXCLUDED.managed_room_ref,
			cancel_reason = EXCLUDED.cancel_reason,
			cancelled_by = EXCLUDED.cancelled_by,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.ConsultationNumber, c.PatientID, c.DoctorID, c.AppointmentID, c.Type,
		c.Status, c.Priority, c.ScheduledAt, c.ActualStartAt, c.ActualEndAt, c.DurationMinutes, c.RoomID,
		c.ManagedRoomRef, c.Diagnosis, c.TreatmentPlan, c.Prescriptions, vitalsOrEmpty(c.Vitals), c.Notes,
		c.CancelReason, c.CancelledBy, c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

// vitalsOrEmpty keeps the jsonb column non-null for rows without vitals.
func vitalsOrEmpty(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func (r *PostgresRepository) UpdateConsultationStatus(ctx context.Context, input repository.UpdateStatusInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE consultations SET
			status = $2,
			actual_start_at = $3,
			actual_end_at = $4,
			duration_minutes = $5,
			managed_room_ref = $6,
			cancel_reason = $7,
			cancelled_by = $8,
			version = $9,
			updated_at = NOW()
		 WHERE id = $1 AND version <= $9`,
		input.ConsultationID, input.Status, input.ActualStartAt, input.ActualEndAt,
		input.DurationMinutes, input.ManagedRoomRef, input.CancelReason, input.CancelledBy, input.Version)
	return err
}

func (r *PostgresRepository) UpdateClinicalFields(ctx context.Context, input repository.UpdateClinicalInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE consultations SET
			diagnosis = $2,
			treatment_plan = $3,
			prescriptions = $4,
			vitals = $5,
			notes = $6,
			updated_at = NOW()
		 WHERE id = $1`,
		input.ConsultationID, input.Diagnosis, input.TreatmentPlan, input.Prescriptions,
		vitalsOrEmpty(input.Vitals), input.Notes)
	return err
}

func (r *PostgresRepository) GetConsultation(ctx context.Context, id string) (*repository.Consultation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id)
	return scanConsultation(row)
}

func (r *PostgresRepository) GetConsultationByRoomID(ctx context.Context, roomID string) (*repository.Consultation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM consultations WHERE room_id = $1`, roomID)
	return scanConsultation(row)
}

func scanConsultation(row pgx.Row) (*repository.Consultation, error) {
	var c repository.Consultation
	err := row.Scan(&c.ID, &c.ConsultationNumber, &c.PatientID, &c.DoctorID, &c.AppointmentID, &c.Type,
		&c.Status, &c.Priority, &c.ScheduledAt, &c.ActualStartAt, &c.ActualEndAt, &c.DurationMinutes,
		&c.RoomID, &c.ManagedRoomRef, &c.Diagnosis, &c.TreatmentPlan, &c.Prescriptions, &c.Vitals,
		&c.Notes, &c.CancelReason, &c.CancelledBy, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) ListConsultations(ctx context.Context, filter repository.ListConsultationsFilter) ([]repository.Consultation, error) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.DoctorID != "" {
		add("doctor_id = $%d", filter.DoctorID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	query := `SELECT ` + consultationColumns + ` FROM consultations`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY scheduled_at DESC`

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, pageSize)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, (page-1)*pageSize)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) ListScheduledBefore(ctx context.Context, cutoff time.Time) ([]repository.Consultation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+consultationColumns+` FROM consultations
		 WHERE status = 'scheduled' AND scheduled_at < $1
		 ORDER BY scheduled_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, input repository.AppendMessageInput) error {
	status := input.DeliveryStatus
	if status == "" {
		status = repository.DeliverySent
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consultation_messages (id, consultation_id, sender_id, sender_role, type, content,
			delivery_status, reply_to_id, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		input.MessageID, input.ConsultationID, input.SenderID, input.SenderRole, input.Type, input.Content,
		status, input.ReplyToID, input.Sequence, input.CreatedAt)
	return err
}

func (r *PostgresRepository) ListMessages(ctx context.Context, consultationID string, limit int) ([]repository.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, consultation_id, sender_id, sender_role, type, content, delivery_status, reply_to_id, sequence, created_at
		 FROM consultation_messages WHERE consultation_id = $1
		 ORDER BY sequence ASC, created_at ASC
		 LIMIT $2`, consultationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Message
	for rows.Next() {
		var m repository.Message
		if err := rows.Scan(&m.ID, &m.ConsultationID, &m.SenderID, &m.SenderRole, &m.Type, &m.Content,
			&m.DeliveryStatus, &m.ReplyToID, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) SaveParticipantSummary(ctx context.Context, input repository.SaveParticipantSummaryInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participant_summaries (consultation_id, user_id, role, joined_at, left_at,
			duration_seconds, reconnects, leave_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (consultation_id, user_id) DO UPDATE SET
			left_at = EXCLUDED.left_at,
			duration_seconds = EXCLUDED.duration_seconds,
			reconnects = EXCLUDED.reconnects,
			leave_reason = EXCLUDED.leave_reason`,
		input.ConsultationID, input.UserID, input.Role, input.JoinedAt, input.LeftAt,
		input.DurationSeconds, input.Reconnects, input.LeaveReason)
	return err
}

func (r *PostgresRepository) ListParticipantSummaries(ctx context.Context, consultationID string) ([]repository.ParticipantSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT consultation_id, user_id, role, joined_at, left_at, duration_seconds, reconnects, leave_reason
		 FROM participant_summaries WHERE consultation_id = $1
		 ORDER BY joined_at ASC`, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.ParticipantSummary
	for rows.Next() {
		var p repository.ParticipantSummary
		if err := rows.Scan(&p.ConsultationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt,
			&p.DurationSeconds, &p.Reconnects, &p.LeaveReason); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE consultation_status AS ENUM ('scheduled', 'waiting', 'in_progress', 'completed', 'cancelled', 'no_show'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS consultations (
		id UUID PRIMARY KEY,
		consultation_number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		doctor_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status consultation_status NOT NULL DEFAULT 'scheduled',
		priority TEXT NOT NULL DEFAULT 'routine',
		scheduled_at TIMESTAMPTZ NOT NULL,
		actual_start_at TIMESTAMPTZ,
		actual_end_at TIMESTAMPTZ,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		room_id TEXT NOT NULL UNIQUE,
		managed_room_ref TEXT NOT NULL DEFAULT '',
		diagnosis TEXT NOT NULL DEFAULT '',
		treatment_plan TEXT NOT NULL DEFAULT '',
		prescriptions TEXT[] NOT NULL DEFAULT '{}',
		vitals JSONB NOT NULL DEFAULT '{}',
		notes TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_patient ON consultations (patient_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_doctor ON consultations (doctor_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_scheduled ON consultations (scheduled_at) WHERE status = 'scheduled'`,
	`CREATE TABLE IF NOT EXISTS consultation_messages (
		id UUID PRIMARY KEY,
		consultation_id UUID NOT NULL REFERENCES consultations(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		delivery_status TEXT NOT NULL DEFAULT 'sent',
		reply_to_id TEXT NOT NULL DEFAULT '',
		sequence BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consultation_messages_order ON consultation_messages (consultation_id, sequence, created_at)`,
	`CREATE TABLE IF NOT EXISTS participant_summaries (
		consultation_id UUID NOT NULL REFERENCES consultations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		reconnects INTEGER NOT NULL DEFAULT 0,
		leave_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (consultation_id, user_id)
	)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediconnect/teleconsult/internal/repository"
)

const (
	retryQueueCap    = 1024
	retryMaxAttempts = 10
	retryInterval    = 2 * time.Second
	retryOpTimeout   = 5 * time.Second
)

type writeOp struct {
	kind     string
	attempt  func(ctx context.Context) error
	attempts int
}

// BufferedRepository decorates a Repository so a storage outage never
// blocks a live session. Writes are attempted synchronously; on failure
// the operation is queued for background retry and the caller gets
// ErrPersistenceDegraded as a warning. All queued writes are idempotent
// by id, so replays are harmless.
type BufferedRepository struct {
	inner repository.Repository
	queue chan writeOp
	done  chan struct{}
	once  sync.Once
}

func NewBufferedRepository(inner repository.Repository) *BufferedRepository {
	b := &BufferedRepository{
		inner: inner,
		queue: make(chan writeOp, retryQueueCap),
		done:  make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Close stops the retry worker. Queued writes that have not flushed yet
// are abandoned; the next process start reconciles from durable state.
func (b *BufferedRepository) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *BufferedRepository) write(ctx context.Context, kind string, attempt func(ctx context.Context) error) error {
	err := attempt(ctx)
	if err == nil {
		return nil
	}
	slog.Warn("write failed; queuing for retry", "op", kind, "error", err)
	select {
	case b.queue <- writeOp{kind: kind, attempt: attempt}:
	default:
		slog.Error("retry queue full; dropping write", "op", kind)
	}
	return fmt.Errorf("%s: %w", kind, repository.ErrPersistenceDegraded)
}

func (b *BufferedRepository) flushLoop() {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

// drainOnce replays queued writes in arrival order. A write that fails
// again goes to the back of the queue until its attempts run out.
func (b *BufferedRepository) drainOnce() {
	n := len(b.queue)
	for i := 0; i < n; i++ {
		var op writeOp
		select {
		case op = <-b.queue:
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), retryOpTimeout)
		err := op.attempt(ctx)
		cancel()
		if err == nil {
			slog.Info("queued write flushed", "op", op.kind, "attempts", op.attempts+1)
			continue
		}
		op.attempts++
		if op.attempts >= retryMaxAttempts {
			slog.Error("queued write dropped after max attempts", "op", op.kind, "error", err)
			continue
		}
		select {
		case b.queue <- op:
		default:
			slog.Error("retry queue full; dropping write", "op", op.kind)
		}
	}
}

func (b *BufferedRepository) SaveConsultation(ctx context.Context, c *repository.Consultation) error {
	snapshot := *c
	return b.write(ctx, "save consultation", func(ctx context.Context) error {
		return b.inner.SaveConsultation(ctx, &snapshot)
	})
}

func (b *BufferedRepository) UpdateConsultationStatus(ctx context.Context, input repository.UpdateStatusInput) error {
	return b.write(ctx, "update consultation status", func(ctx context.Context) error {
		return b.inner.UpdateConsultationStatus(ctx, input)
	})
}

func (b *BufferedRepository) UpdateClinicalFields(ctx context.Context, input repository.UpdateClinicalInput) error {
	return b.write(ctx, "update clinical fields", func(ctx context.Context) error {
		return b.inner.UpdateClinicalFields(ctx, input)
	})
}

func (b *BufferedRepository) AppendMessage(ctx context.Context, input repository.AppendMessageInput) error {
	return b.write(ctx, "append message", func(ctx context.Context) error {
		return b.inner.AppendMessage(ctx, input)
	})
}

func (b *BufferedRepository) SaveParticipantSummary(ctx context.Context, input repository.SaveParticipantSummaryInput) error {
	return b.write(ctx, "save participant summary", func(ctx context.Context) error {
		return b.inner.SaveParticipantSummary(ctx, input)
	})
}

func (b *BufferedRepository) GetConsultation(ctx context.Context, id string) (*repository.Consultation, error) {
	return b.inner.GetConsultation(ctx, id)
}

func (b *BufferedRepository) GetConsultationByRoomID(ctx context.Context, roomID string) (*repository.Consultation, error) {
	return b.inner.GetConsultationByRoomID(ctx, roomID)
}

func (b *BufferedRepository) ListConsultations(ctx context.Context, filter repository.ListConsultationsFilter) ([]repository.Consultation, error) {
	return b.inner.ListConsultations(ctx, filter)
}

func (b *BufferedRepository) ListScheduledBefore(ctx context.Context, cutoff time.Time) ([]repository.Consultation, error) {
	return b.inner.ListScheduledBefore(ctx, cutoff)
}

func (b *BufferedRepository) ListMessages(ctx context.Context, consultationID string, limit int) ([]repository.Message, error) {
	return b.inner.ListMessages(ctx, consultationID, limit)
}

func (b *BufferedRepository) ListParticipantSummaries(ctx context.Context, consultationID string) ([]repository.ParticipantSummary, error) {
	return b.inner.ListParticipantSummaries(ctx, consultationID)
}

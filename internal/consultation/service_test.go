package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
	"github.com/mediconnect/teleconsult/internal/transport"
)

type mockRepository struct {
	mu            sync.Mutex
	consultations map[string]*repository.Consultation
	statusCalls   []repository.UpdateStatusInput
	clinicalCalls []repository.UpdateClinicalInput
	messages      []repository.AppendMessageInput
	summaries     map[string]repository.SaveParticipantSummaryInput
	scheduled     []repository.Consultation
	failStatus    bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		consultations: make(map[string]*repository.Consultation),
		summaries:     make(map[string]repository.SaveParticipantSummaryInput),
	}
}

func (m *mockRepository) SaveConsultation(_ context.Context, c *repository.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *c
	m.consultations[c.ID] = &snapshot
	return nil
}

func (m *mockRepository) UpdateConsultationStatus(_ context.Context, input repository.UpdateStatusInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStatus {
		return fmt.Errorf("database unavailable")
	}
	m.statusCalls = append(m.statusCalls, input)
	if c, ok := m.consultations[input.ConsultationID]; ok {
		c.Status = input.Status
		c.ActualStartAt = input.ActualStartAt
		c.ActualEndAt = input.ActualEndAt
		c.DurationMinutes = input.DurationMinutes
		c.CancelReason = input.CancelReason
		c.CancelledBy = input.CancelledBy
		c.Version = input.Version
	}
	return nil
}

func (m *mockRepository) UpdateClinicalFields(_ context.Context, input repository.UpdateClinicalInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinicalCalls = append(m.clinicalCalls, input)
	if c, ok := m.consultations[input.ConsultationID]; ok {
		c.Diagnosis = input.Diagnosis
		c.TreatmentPlan = input.TreatmentPlan
		c.Prescriptions = append([]string(nil), input.Prescriptions...)
		c.Vitals = input.Vitals
		c.Notes = input.Notes
	}
	return nil
}

func (m *mockRepository) GetConsultation(_ context.Context, id string) (*repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consultations[id]
	if !ok {
		return nil, nil
	}
	snapshot := *c
	return &snapshot, nil
}

func (m *mockRepository) GetConsultationByRoomID(_ context.Context, roomID string) (*repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consultations {
		if c.RoomID == roomID {
			snapshot := *c
			return &snapshot, nil
		}
	}
	return nil, nil
}

func (m *mockRepository) ListConsultations(_ context.Context, _ repository.ListConsultationsFilter) ([]repository.Consultation, error) {
	return nil, nil
}

func (m *mockRepository) ListScheduledBefore(_ context.Context, _ time.Time) ([]repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.Consultation(nil), m.scheduled...), nil
}

func (m *mockRepository) AppendMessage(_ context.Context, input repository.AppendMessageInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, input)
	return nil
}

func (m *mockRepository) ListMessages(_ context.Context, _ string, _ int) ([]repository.Message, error) {
	return nil, nil
}

func (m *mockRepository) SaveParticipantSummary(_ context.Context, input repository.SaveParticipantSummaryInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[input.ConsultationID+":"+input.UserID] = input
	return nil
}

func (m *mockRepository) ListParticipantSummaries(_ context.Context, _ string) ([]repository.ParticipantSummary, error) {
	return nil, nil
}

type nopSink struct{}

func (nopSink) Deliver(_ []byte) error { return nil }
func (nopSink) Close(_ string)         {}

type captureSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *captureSink) Deliver(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), p...))
	return nil
}

func (s *captureSink) Close(_ string) {}

func (s *captureSink) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

// waitFor polls until n frames arrived; delivery runs on the room's own
// goroutine.
func (s *captureSink) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(s.received()))
	return nil
}

type fakeProvider struct {
	healthy   bool
	createErr error
	tornDown  []string
}

func (p *fakeProvider) CreateManagedRoom(_ context.Context, roomID string) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	return "token-" + roomID, nil
}

func (p *fakeProvider) TeardownManagedRoom(_ context.Context, roomID string) error {
	p.tornDown = append(p.tornDown, roomID)
	return nil
}

func (p *fakeProvider) Healthy(_ context.Context) bool { return p.healthy }

func serviceConfig() *config.Config {
	return &config.Config{
		Env:                     "development",
		HTTPListenAddr:          ":0",
		DatabaseURL:             "postgres://test",
		RoomGracePeriodSec:      120,
		ReconnectGracePeriodSec: 45,
		RoomIdleTimeoutMin:      30,
		NoShowAfterMin:          15,
		SweepIntervalSec:        30,
		VideoTokenTTLMin:        120,
	}
}

func newTestService(repo repository.Repository, provider transport.Provider) *Service {
	cfg := serviceConfig()
	registry := room.NewRegistry(cfg)
	return NewService(cfg, repo, registry, transport.NewSelector(provider))
}

func mustCreateConsultation(t *testing.T, svc *Service) *repository.Consultation {
	t.Helper()
	c, err := svc.Create(context.Background(), CreateInput{
		PatientID:   "pat-1",
		DoctorID:    "doc-1",
		Type:        repository.TypeVideo,
		ScheduledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	return c
}

func TestCreate_AssignsNumberAndRoom(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	c := mustCreateConsultation(t, svc)
	if c.Status != repository.StatusScheduled {
		t.Fatalf("unexpected status %s", c.Status)
	}
	if c.RoomID == "" {
		t.Fatal("room id must be assigned at creation")
	}
	if !strings.HasPrefix(c.ConsultationNumber, "MCP-") {
		t.Fatalf("unexpected consultation number %s", c.ConsultationNumber)
	}
	// MCP- + date + dash + 12 uuid hex chars.
	if len(c.ConsultationNumber) != len("MCP-20060102-")+12 {
		t.Fatalf("unexpected consultation number length %q", c.ConsultationNumber)
	}
	other := mustCreateConsultation(t, svc)
	if other.ConsultationNumber == c.ConsultationNumber {
		t.Fatalf("consultation numbers must be unique, got %s twice", c.ConsultationNumber)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	if _, err := svc.Create(context.Background(), CreateInput{PatientID: "pat-1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateInput{PatientID: "p", DoctorID: "d", Type: "hologram"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad type, got %v", err)
	}
}

func TestScenario_FullLifecycle(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	// Patient alone puts the consultation in the waiting room.
	res, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, nopSink{})
	if err != nil {
		t.Fatalf("patient join: %v", err)
	}
	if res.Consultation.Status != repository.StatusWaiting {
		t.Fatalf("expected waiting after patient join, got %s", res.Consultation.Status)
	}
	if res.Transport.Mode != transport.ModeDirect {
		t.Fatalf("expected direct transport without provider, got %s", res.Transport.Mode)
	}

	// The doctor's join starts the clock.
	res, err = svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{})
	if err != nil {
		t.Fatalf("doctor join: %v", err)
	}
	if res.Consultation.Status != repository.StatusInProgress || res.Consultation.ActualStartAt == nil {
		t.Fatalf("expected in_progress with start time, got %+v", res.Consultation)
	}

	ended, err := svc.End(ctx, c.ID, Actor{UserID: "doc-1", Role: room.RoleDoctor})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != repository.StatusCompleted {
		t.Fatalf("expected completed, got %s", ended.Status)
	}
	if ended.DurationMinutes < 0 {
		t.Fatalf("negative duration %d", ended.DurationMinutes)
	}
	if _, live := svc.registry.ByConsultation(c.ID); live {
		t.Fatal("room must be torn down after end")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.summaries) != 2 {
		t.Fatalf("expected 2 participant summaries, got %d", len(repo.summaries))
	}
	final := repo.statusCalls[len(repo.statusCalls)-1]
	if final.Status != repository.StatusCompleted {
		t.Fatalf("final durable status %s", final.Status)
	}
}

func TestJoin_SecondDoctorConflict(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("doctor join: %v", err)
	}
	if _, err := svc.Join(ctx, c.RoomID, "doc-2", room.RoleDoctor, nopSink{}); !errors.Is(err, room.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
}

func TestJoin_DuplicateDoctorJoinIdempotent(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	first, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	startedAt := *first.Consultation.ActualStartAt

	second, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !second.Consultation.ActualStartAt.Equal(startedAt) {
		t.Fatal("duplicate doctor join moved the start time")
	}
	if second.Consultation.Status != repository.StatusInProgress {
		t.Fatalf("unexpected status %s", second.Consultation.Status)
	}
}

func TestJoin_AfterCancelRejected(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Cancel(ctx, c.ID, Actor{UserID: "pat-1", Role: room.RolePatient}, "patient request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, nopSink{}); !errors.Is(err, room.ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestCancel_SecondAttemptInvalid(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)
	actor := Actor{UserID: "doc-1", Role: room.RoleDoctor}

	if _, err := svc.Cancel(ctx, c.ID, actor, "schedule conflict"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Cancel(ctx, c.ID, actor, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEnd_PersistenceDegradedStillAdvances(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	repo.mu.Lock()
	repo.failStatus = true
	repo.mu.Unlock()

	ended, err := svc.End(ctx, c.ID, Actor{UserID: "doc-1", Role: room.RoleDoctor})
	if !errors.Is(err, repository.ErrPersistenceDegraded) {
		t.Fatalf("expected ErrPersistenceDegraded warning, got %v", err)
	}
	if ended == nil || ended.Status != repository.StatusCompleted {
		t.Fatal("in-memory state must advance despite persistence failure")
	}
}

func TestSendChat_QueuedForAbsentRecipient(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	env := room.Envelope{
		Type:       room.EnvelopeChatMessage,
		RoomID:     c.RoomID,
		FromUserID: "pat-1",
		ToUserID:   "doc-1",
		Payload:    []byte(`{"content":"are you there?"}`),
	}
	_, err := svc.SendChat(ctx, env, room.RolePatient)
	if !errors.Is(err, room.ErrRecipientUnavailable) {
		t.Fatalf("expected ErrRecipientUnavailable, got %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.messages) != 1 {
		t.Fatalf("chat must still be queued durably, got %d messages", len(repo.messages))
	}
	if repo.messages[0].DeliveryStatus != repository.DeliverySent {
		t.Fatalf("expected sent status, got %s", repo.messages[0].DeliveryStatus)
	}
	if repo.messages[0].Content != "are you there?" {
		t.Fatalf("unexpected content %q", repo.messages[0].Content)
	}
}

func TestRelaySignal_NeverPersisted(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	env := room.Envelope{
		Type:       room.EnvelopeSignalingOffer,
		RoomID:     c.RoomID,
		FromUserID: "doc-1",
		ToUserID:   "pat-1",
		Payload:    []byte(`{"sdp":"v=0"}`),
	}
	if _, err := svc.RelaySignal(env); err != nil {
		t.Fatalf("relay signal: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.messages) != 0 {
		t.Fatalf("signaling must not be persisted, got %d messages", len(repo.messages))
	}
}

func TestManagedTransport_SelectedOnceAndTornDown(t *testing.T) {
	repo := newMockRepository()
	provider := &fakeProvider{healthy: true}
	svc := newTestService(repo, provider)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	res, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Transport.Mode != transport.ModeManaged {
		t.Fatalf("expected managed mode, got %s", res.Transport.Mode)
	}
	if res.Transport.RoomToken != "token-"+c.RoomID {
		t.Fatalf("unexpected room token %q", res.Transport.RoomToken)
	}
	if res.Consultation.ManagedRoomRef == "" {
		t.Fatal("managed room reference must be recorded")
	}

	if _, err := svc.End(ctx, c.ID, Actor{UserID: "doc-1", Role: room.RoleDoctor}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(provider.tornDown) != 1 || provider.tornDown[0] != c.RoomID {
		t.Fatalf("expected managed room teardown, got %v", provider.tornDown)
	}
}

func TestManagedTransport_DegradesToDirect(t *testing.T) {
	provider := &fakeProvider{healthy: true, createErr: fmt.Errorf("quota exceeded")}
	svc := newTestService(newMockRepository(), provider)
	c := mustCreateConsultation(t, svc)

	res, err := svc.Join(context.Background(), c.RoomID, "doc-1", room.RoleDoctor, nopSink{})
	if err != nil {
		t.Fatalf("join must survive provider failure: %v", err)
	}
	if res.Transport.Mode != transport.ModeDirect {
		t.Fatalf("expected direct fallback, got %s", res.Transport.Mode)
	}
}

func TestHandleRoomClosed_CancelsAbandonedConsultation(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	if _, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	svc.registry.CloseRoom(c.RoomID, "empty past grace period")
	svc.HandleRoomClosed(room.Closure{
		RoomID:         c.RoomID,
		ConsultationID: c.ID,
		Reason:         "empty past grace period",
	})

	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != repository.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if !strings.HasPrefix(got.CancelReason, "room abandoned:") {
		t.Fatalf("unexpected reason %q", got.CancelReason)
	}
	if got.CancelledBy != "system" {
		t.Fatalf("unexpected canceller %q", got.CancelledBy)
	}
}

func TestSweepNoShows(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	repo.mu.Lock()
	repo.scheduled = []repository.Consultation{*repo.consultations[c.ID]}
	repo.mu.Unlock()

	svc.sweepNoShows(ctx)

	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != repository.StatusNoShow {
		t.Fatalf("expected no_show, got %s", got.Status)
	}

	// A consultation someone joined never becomes a no-show.
	c2 := mustCreateConsultation(t, svc)
	if _, err := svc.Join(ctx, c2.RoomID, "pat-1", room.RolePatient, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	repo.mu.Lock()
	repo.scheduled = []repository.Consultation{*repo.consultations[c2.ID]}
	repo.mu.Unlock()
	svc.sweepNoShows(ctx)
	got2, _ := svc.Get(ctx, c2.ID)
	if got2.Status != repository.StatusWaiting {
		t.Fatalf("expected waiting to survive sweep, got %s", got2.Status)
	}
}

func TestUpdateClinical_OnlyAfterCompletion(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)
	doctor := Actor{UserID: "doc-1", Role: room.RoleDoctor}

	if _, err := svc.UpdateClinical(ctx, c.ID, doctor, ClinicalInput{Diagnosis: "flu"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before completion, got %v", err)
	}

	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.End(ctx, c.ID, doctor); err != nil {
		t.Fatalf("end: %v", err)
	}

	updated, err := svc.UpdateClinical(ctx, c.ID, doctor, ClinicalInput{
		Diagnosis: "influenza A",
		Vitals:    map[string]string{"temperature": "38.2", "heart_rate": "88"},
		Notes:     "rest and fluids",
	})
	if err != nil {
		t.Fatalf("clinical update: %v", err)
	}
	if updated.Diagnosis != "influenza A" {
		t.Fatalf("unexpected diagnosis %q", updated.Diagnosis)
	}
	if updated.Vitals["temperature"] != "38.2" {
		t.Fatalf("unexpected vitals %v", updated.Vitals)
	}
	if _, err := svc.UpdateClinical(ctx, c.ID, doctor, ClinicalInput{Vitals: map[string]string{"temperature": "36.6"}}); !errors.Is(err, ErrClinicalLocked) {
		t.Fatalf("expected ErrClinicalLocked for vitals rewrite, got %v", err)
	}

	// Diagnosis is write-once; notes append.
	if _, err := svc.UpdateClinical(ctx, c.ID, doctor, ClinicalInput{Diagnosis: "something else"}); !errors.Is(err, ErrClinicalLocked) {
		t.Fatalf("expected ErrClinicalLocked, got %v", err)
	}
	updated, err = svc.UpdateClinical(ctx, c.ID, doctor, ClinicalInput{Notes: "follow up in a week"})
	if err != nil {
		t.Fatalf("notes append: %v", err)
	}
	if updated.Notes != "rest and fluids\nfollow up in a week" {
		t.Fatalf("unexpected notes %q", updated.Notes)
	}

	if _, err := svc.UpdateClinical(ctx, c.ID, Actor{UserID: "pat-1", Role: room.RolePatient}, ClinicalInput{Notes: "hi"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed for patient, got %v", err)
	}
}

// Two connections racing to join an uncached consultation must converge on
// one in-memory record, so the doctor's start transition is applied exactly
// once. The second service stands in for a process that has not seen the
// consultation yet.
func TestJoin_ConcurrentDoctorJoinsUncached(t *testing.T) {
	repo := newMockRepository()
	created := mustCreateConsultation(t, newTestService(repo, nil))

	svc := newTestService(repo, nil)
	ctx := context.Background()
	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Join(ctx, created.RoomID, "doc-1", room.RoleDoctor, nopSink{})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	var starts int
	for _, call := range repo.statusCalls {
		if call.Status == repository.StatusInProgress {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("expected exactly one start transition, got %d", starts)
	}
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	before, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if before.Status != repository.StatusScheduled {
		t.Fatalf("earlier read mutated by later transition, got %s", before.Status)
	}
	after, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != repository.StatusInProgress {
		t.Fatalf("fresh read expected in_progress, got %s", after.Status)
	}
}

func TestSendChat_RejectsInvalidPayloadBeforeRelay(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	c := mustCreateConsultation(t, svc)

	peer := &captureSink{}
	if _, err := svc.Join(ctx, c.RoomID, "doc-1", room.RoleDoctor, nopSink{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.Join(ctx, c.RoomID, "pat-1", room.RolePatient, peer); err != nil {
		t.Fatalf("join: %v", err)
	}

	bad := room.Envelope{
		Type:       room.EnvelopeChatMessage,
		RoomID:     c.RoomID,
		FromUserID: "doc-1",
		Payload:    []byte(`{}`),
	}
	if _, err := svc.SendChat(ctx, bad, room.RoleDoctor); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	good := bad
	good.Payload = []byte(`{"content":"hello"}`)
	if _, err := svc.SendChat(ctx, good, room.RoleDoctor); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	frames := peer.waitFor(t, 1)
	if len(frames) != 1 {
		t.Fatalf("rejected frame must not reach the peer, got %d frames", len(frames))
	}
	if !strings.Contains(string(frames[0]), "hello") {
		t.Fatalf("unexpected frame %s", frames[0])
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.messages) != 1 {
		t.Fatalf("rejected chat must not be persisted, got %d messages", len(repo.messages))
	}
}

func TestJoin_SurfacesDegradedPersistence(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	c := mustCreateConsultation(t, svc)

	repo.mu.Lock()
	repo.failStatus = true
	repo.mu.Unlock()

	res, err := svc.Join(context.Background(), c.RoomID, "pat-1", room.RolePatient, nopSink{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !errors.Is(res.Warning, repository.ErrPersistenceDegraded) {
		t.Fatalf("expected degraded warning, got %v", res.Warning)
	}
	if res.Consultation.Status != repository.StatusWaiting {
		t.Fatalf("in-memory state must advance, got %s", res.Consultation.Status)
	}
}

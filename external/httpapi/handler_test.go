package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/consultation"
	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
	"github.com/mediconnect/teleconsult/internal/transport"
)

// memRepo is an in-memory Repository for exercising the HTTP surface.
type memRepo struct {
	mu            sync.Mutex
	consultations map[string]repository.Consultation
	messages      []repository.Message
}

func newMemRepo() *memRepo {
	return &memRepo{consultations: make(map[string]repository.Consultation)}
}

func (m *memRepo) SaveConsultation(_ context.Context, c *repository.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consultations[c.ID] = *c
	return nil
}

func (m *memRepo) UpdateConsultationStatus(_ context.Context, input repository.UpdateStatusInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consultations[input.ConsultationID]
	if !ok {
		return nil
	}
	c.Status = input.Status
	c.CancelReason = input.CancelReason
	c.Version = input.Version
	m.consultations[input.ConsultationID] = c
	return nil
}

func (m *memRepo) UpdateClinicalFields(_ context.Context, _ repository.UpdateClinicalInput) error {
	return nil
}

func (m *memRepo) GetConsultation(_ context.Context, id string) (*repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consultations[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memRepo) GetConsultationByRoomID(_ context.Context, roomID string) (*repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consultations {
		if c.RoomID == roomID {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memRepo) ListConsultations(_ context.Context, _ repository.ListConsultationsFilter) ([]repository.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repository.Consultation, 0, len(m.consultations))
	for _, c := range m.consultations {
		out = append(out, c)
	}
	return out, nil
}

func (m *memRepo) ListScheduledBefore(_ context.Context, _ time.Time) ([]repository.Consultation, error) {
	return nil, nil
}

func (m *memRepo) AppendMessage(_ context.Context, input repository.AppendMessageInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, repository.Message{
		ID:             input.MessageID,
		ConsultationID: input.ConsultationID,
		SenderID:       input.SenderID,
		SenderRole:     input.SenderRole,
		Type:           input.Type,
		Content:        input.Content,
		DeliveryStatus: input.DeliveryStatus,
		CreatedAt:      input.CreatedAt,
	})
	return nil
}

func (m *memRepo) ListMessages(_ context.Context, consultationID string, _ int) ([]repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Message
	for _, msg := range m.messages {
		if msg.ConsultationID == consultationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memRepo) SaveParticipantSummary(_ context.Context, _ repository.SaveParticipantSummaryInput) error {
	return nil
}

func (m *memRepo) ListParticipantSummaries(_ context.Context, _ string) ([]repository.ParticipantSummary, error) {
	return nil, nil
}

func newTestRouter() http.Handler {
	cfg := &config.Config{
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
	registry := room.NewRegistry(cfg)
	svc := consultation.NewService(cfg, newMemRepo(), registry, transport.NewSelector(nil))
	return NewHandler(svc).NewRouter()
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doctorHeaders() map[string]string {
	return map[string]string{"X-User-ID": "doc-1", "X-User-Role": "doctor"}
}

func createConsultation(t *testing.T, router http.Handler) consultationDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/consultations", `{"patientId":"pat-1","doctorId":"doc-1","type":"video"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var dto consultationDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return dto
}

func TestHealthz(t *testing.T) {
	rec := doJSON(t, newTestRouter(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestCreateAndGetConsultation(t *testing.T) {
	router := newTestRouter()
	dto := createConsultation(t, router)
	if dto.Status != "scheduled" || dto.RoomID == "" {
		t.Fatalf("unexpected create response %+v", dto)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/consultations/"+dto.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/consultations/room/"+dto.RoomID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by room returned %d", rec.Code)
	}
}

func TestGetUnknownConsultation(t *testing.T) {
	rec := doJSON(t, newTestRouter(), http.MethodGet, "/api/consultations/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "ConsultationNotFound" {
		t.Fatalf("unexpected error code %q", body.Error.Code)
	}
}

func TestCreate_MissingFields(t *testing.T) {
	rec := doJSON(t, newTestRouter(), http.MethodPost, "/api/consultations", `{"patientId":"pat-1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStart_PatientForbidden(t *testing.T) {
	router := newTestRouter()
	dto := createConsultation(t, router)
	rec := doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/start", "", map[string]string{
		"X-User-ID": "pat-1", "X-User-Role": "patient",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelFlow(t *testing.T) {
	router := newTestRouter()
	dto := createConsultation(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/cancel", `{}`, doctorHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cancel without reason: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/cancel", `{"reason":"patient request"}`, doctorHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled consultationDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.CancelReason != "patient request" {
		t.Fatalf("unexpected cancel response %+v", cancelled)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/cancel", `{"reason":"again"}`, doctorHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestStartEndFlow(t *testing.T) {
	router := newTestRouter()
	dto := createConsultation(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/start", "", doctorHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/end", "", doctorHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ended consultationDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &ended); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if ended.Status != "completed" {
		t.Fatalf("expected completed, got %s", ended.Status)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	router := newTestRouter()
	dto := createConsultation(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/consultations/"+dto.ID+"/messages", `{"content":"hello"}`, doctorHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("send message: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/consultations/"+dto.ID+"/messages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages: expected 200, got %d", rec.Code)
	}
	var msgs []messageDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

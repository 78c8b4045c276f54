package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mediconnect/teleconsult/internal/consultation"
	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
)

type Handler struct {
	svc *consultation.Service
}

func NewHandler(svc *consultation.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/ws", h.ServeWS)

	r.Route("/api/consultations", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/room/{roomID}", h.handleGetByRoom)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/start", h.handleStart)
			r.Post("/end", h.handleEnd)
			r.Post("/cancel", h.handleCancel)
			r.Patch("/clinical", h.handleClinical)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
			r.Get("/participants", h.handleParticipants)
		})
	})

	return r
}

type consultationDTO struct {
	ID                 string            `json:"id"`
	ConsultationNumber string            `json:"consultationNumber"`
	PatientID          string            `json:"patientId"`
	DoctorID           string            `json:"doctorId"`
	AppointmentID      string            `json:"appointmentId,omitempty"`
	Type               string            `json:"type"`
	Status             string            `json:"status"`
	Priority           string            `json:"priority"`
	ScheduledAt        time.Time         `json:"scheduledAt"`
	ActualStartAt      *time.Time        `json:"actualStartAt,omitempty"`
	ActualEndAt        *time.Time        `json:"actualEndAt,omitempty"`
	DurationMinutes    int               `json:"durationMinutes"`
	RoomID             string            `json:"roomId"`
	ManagedRoomRef     string            `json:"managedRoomRef,omitempty"`
	Diagnosis          string            `json:"diagnosis,omitempty"`
	TreatmentPlan      string            `json:"treatmentPlan,omitempty"`
	Prescriptions      []string          `json:"prescriptions,omitempty"`
	Vitals             map[string]string `json:"vitals,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	CancelReason       string            `json:"cancelReason,omitempty"`
	CancelledBy        string            `json:"cancelledBy,omitempty"`
	Warning            string            `json:"warning,omitempty"`
}

func toDTO(c *repository.Consultation) consultationDTO {
	return consultationDTO{
		ID:                 c.ID,
		ConsultationNumber: c.ConsultationNumber,
		PatientID:          c.PatientID,
		DoctorID:           c.DoctorID,
		AppointmentID:      c.AppointmentID,
		Type:               string(c.Type),
		Status:             string(c.Status),
		Priority:           string(c.Priority),
		ScheduledAt:        c.ScheduledAt,
		ActualStartAt:      c.ActualStartAt,
		ActualEndAt:        c.ActualEndAt,
		DurationMinutes:    c.DurationMinutes,
		RoomID:             c.RoomID,
		ManagedRoomRef:     c.ManagedRoomRef,
		Diagnosis:          c.Diagnosis,
		TreatmentPlan:      c.TreatmentPlan,
		Prescriptions:      c.Prescriptions,
		Vitals:             c.Vitals,
		Notes:              c.Notes,
		CancelReason:       c.CancelReason,
		CancelledBy:        c.CancelledBy,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	PatientID     string    `json:"patientId"`
	DoctorID      string    `json:"doctorId"`
	AppointmentID string    `json:"appointmentId"`
	Type          string    `json:"type"`
	Priority      string    `json:"priority"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(consultation.ErrValidation, err))
		return
	}
	c, err := h.svc.Create(r.Context(), consultation.CreateInput{
		PatientID:     req.PatientID,
		DoctorID:      req.DoctorID,
		AppointmentID: req.AppointmentID,
		Type:          repository.ConsultationType(req.Type),
		Priority:      repository.Priority(req.Priority),
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(c))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	list, err := h.svc.List(r.Context(), repository.ListConsultationsFilter{
		PatientID: q.Get("patientId"),
		DoctorID:  q.Get("doctorId"),
		Status:    repository.ConsultationStatus(q.Get("status")),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]consultationDTO, 0, len(list))
	for i := range list {
		dtos = append(dtos, toDTO(&list[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(c))
}

func (h *Handler) handleGetByRoom(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetByRoomID(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(c))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Start(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	h.writeTransition(w, c, err)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.End(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	h.writeTransition(w, c, err)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	c, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	h.writeTransition(w, c, err)
}

const degradedWarning = "persistence degraded; transition queued for durable write"

// writeTransition maps a degraded-persistence outcome to success with a
// warning: the in-memory transition already happened and will reconcile.
func (h *Handler) writeTransition(w http.ResponseWriter, c *repository.Consultation, err error) {
	if err != nil && !errors.Is(err, repository.ErrPersistenceDegraded) {
		writeError(w, err)
		return
	}
	dto := toDTO(c)
	if err != nil {
		dto.Warning = degradedWarning
	}
	writeJSON(w, http.StatusOK, dto)
}

type clinicalRequest struct {
	Diagnosis     string            `json:"diagnosis"`
	TreatmentPlan string            `json:"treatmentPlan"`
	Prescriptions []string          `json:"prescriptions"`
	Vitals        map[string]string `json:"vitals"`
	Notes         string            `json:"notes"`
}

func (h *Handler) handleClinical(w http.ResponseWriter, r *http.Request) {
	var req clinicalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(consultation.ErrValidation, err))
		return
	}
	c, err := h.svc.UpdateClinical(r.Context(), chi.URLParam(r, "id"), actorFrom(r), consultation.ClinicalInput{
		Diagnosis:     req.Diagnosis,
		TreatmentPlan: req.TreatmentPlan,
		Prescriptions: req.Prescriptions,
		Vitals:        req.Vitals,
		Notes:         req.Notes,
	})
	h.writeTransition(w, c, err)
}

type messageDTO struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     string    `json:"senderRole"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	DeliveryStatus string    `json:"deliveryStatus"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toMessageDTO(m *repository.Message) messageDTO {
	return messageDTO{
		ID:             m.ID,
		ConsultationID: m.ConsultationID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Type:           string(m.Type),
		Content:        m.Content,
		DeliveryStatus: string(m.DeliveryStatus),
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	}
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]messageDTO, 0, len(msgs))
	for i := range msgs {
		dtos = append(dtos, toMessageDTO(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(consultation.ErrValidation, err))
		return
	}
	actor := actorFrom(r)
	msg, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "id"), actor.UserID, string(actor.Role), req.Content, req.ReplyToID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageDTO(msg))
}

func (h *Handler) handleParticipants(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.Participants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// actorFrom trusts the gateway-authenticated identity headers. Session
// authentication itself lives outside this service.
func actorFrom(r *http.Request) consultation.Actor {
	return consultation.Actor{
		UserID: r.Header.Get("X-User-ID"),
		Role:   room.Role(r.Header.Get("X-User-Role")),
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, consultation.ErrConsultationNotFound):
		return "ConsultationNotFound"
	case errors.Is(err, room.ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, room.ErrRoomClosed):
		return "RoomClosed"
	case errors.Is(err, room.ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, room.ErrRoleConflict):
		return "RoleConflict"
	case errors.Is(err, room.ErrNotJoined):
		return "NotJoined"
	case errors.Is(err, room.ErrRecipientUnavailable):
		return "RecipientUnavailable"
	case errors.Is(err, consultation.ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, consultation.ErrNotAllowed):
		return "NotAllowed"
	case errors.Is(err, consultation.ErrClinicalLocked):
		return "ClinicalLocked"
	case errors.Is(err, consultation.ErrReasonRequired), errors.Is(err, consultation.ErrValidation):
		return "ValidationFailed"
	case errors.Is(err, repository.ErrPersistenceDegraded):
		return "PersistenceDegraded"
	default:
		return "Internal"
	}
}

func statusFor(code string) int {
	switch code {
	case "ConsultationNotFound", "RoomNotFound":
		return http.StatusNotFound
	case "RoomClosed", "AlreadyExists", "RoleConflict", "NotJoined", "RecipientUnavailable", "InvalidTransition", "ClinicalLocked":
		return http.StatusConflict
	case "NotAllowed":
		return http.StatusForbidden
	case "ValidationFailed":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := codeFor(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

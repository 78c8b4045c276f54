package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
	"github.com/mediconnect/teleconsult/internal/transport"
)

var (
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrValidation           = errors.New("invalid consultation input")
	ErrClinicalLocked       = errors.New("clinical fields are immutable once written")
)

// Service orchestrates the consultation core: room lifecycle, status
// transitions, message relay and write-through persistence. A transition
// that cannot be confirmed durable still advances in memory and surfaces
// repository.ErrPersistenceDegraded as a warning.
type Service struct {
	cfg      *config.Config
	repo     repository.Repository
	registry *room.Registry
	selector *transport.Selector
	machine  *Machine
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*repository.Consultation
	byRoom map[string]string
}

func NewService(cfg *config.Config, repo repository.Repository, registry *room.Registry, selector *transport.Selector) *Service {
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		selector: selector,
		machine:  NewMachine(),
		now:      time.Now,
		active:   make(map[string]*repository.Consultation),
		byRoom:   make(map[string]string),
	}
	registry.SetSweepHandler(s)
	return s
}

type CreateInput struct {
	PatientID     string
	DoctorID      string
	AppointmentID string
	Type          repository.ConsultationType
	Priority      repository.Priority
	ScheduledAt   time.Time
}

func (in *CreateInput) validate() error {
	if in.PatientID == "" || in.DoctorID == "" {
		return fmt.Errorf("%w: patient id and doctor id are required", ErrValidation)
	}
	switch in.Type {
	case repository.TypeVideo, repository.TypeAudio, repository.TypeChat:
	case "":
		in.Type = repository.TypeVideo
	default:
		return fmt.Errorf("%w: unknown consultation type %q", ErrValidation, in.Type)
	}
	switch in.Priority {
	case repository.PriorityRoutine, repository.PriorityUrgent, repository.PriorityEmergency:
	case "":
		in.Priority = repository.PriorityRoutine
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	return nil
}

// Create schedules a consultation. The room identifier is assigned here,
// once, and never changes.
func (s *Service) Create(ctx context.Context, input CreateInput) (*repository.Consultation, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	scheduledAt := input.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	id := uuid.NewString()
	c := &repository.Consultation{
		ID:                 id,
		ConsultationNumber: consultationNumber(id, scheduledAt),
		PatientID:          input.PatientID,
		DoctorID:           input.DoctorID,
		AppointmentID:      input.AppointmentID,
		Type:               input.Type,
		Status:             repository.StatusScheduled,
		Priority:           input.Priority,
		ScheduledAt:        scheduledAt,
		RoomID:             uuid.NewString(),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.SaveConsultation(ctx, c); err != nil {
		return nil, fmt.Errorf("save consultation: %w", err)
	}
	c = s.cache(c)
	slog.Info("consultation created", "consultation_id", c.ID, "consultation_number", c.ConsultationNumber, "room_id", c.RoomID)
	return s.snapshot(c), nil
}

func consultationNumber(id string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	// 12 hex characters keep same-day numbers collision-free under the
	// unique constraint at any realistic volume.
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("MCP-%s-%s", at.Format("20060102"), suffix)
}

// cache installs c as the canonical live record. When two loads race, the
// first installed copy wins and both callers share it, so transitions
// always check-and-set one record under the guard.
func (s *Service) cache(c *repository.Consultation) *repository.Consultation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[c.ID]; ok {
		return existing
	}
	s.active[c.ID] = c
	s.byRoom[c.RoomID] = c.ID
	return c
}

func (s *Service) evict(c *repository.Consultation) {
	s.mu.Lock()
	delete(s.active, c.ID)
	delete(s.byRoom, c.RoomID)
	s.mu.Unlock()
	s.machine.Forget(c.ID)
}

// Get returns a point-in-time copy of the consultation. Mutation happens
// only on the internal live record, so callers can hold the returned value
// across transitions without synchronizing.
func (s *Service) Get(ctx context.Context, id string) (*repository.Consultation, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(c), nil
}

func (s *Service) GetByRoomID(ctx context.Context, roomID string) (*repository.Consultation, error) {
	c, err := s.loadByRoomID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(c), nil
}

// load resolves the canonical live record for a consultation. A cache miss
// reads the row and installs it keep-first, so concurrent misses converge
// on the same pointer before any of them takes the transition lock.
// Terminal rows are returned without caching.
func (s *Service) load(ctx context.Context, id string) (*repository.Consultation, error) {
	s.mu.Lock()
	if c, ok := s.active[id]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsultationNotFound
	}
	if !c.Status.Terminal() {
		c = s.cache(c)
	}
	return c, nil
}

func (s *Service) loadByRoomID(ctx context.Context, roomID string) (*repository.Consultation, error) {
	s.mu.Lock()
	if id, ok := s.byRoom[roomID]; ok {
		if c, ok := s.active[id]; ok {
			s.mu.Unlock()
			return c, nil
		}
	}
	s.mu.Unlock()
	c, err := s.repo.GetConsultationByRoomID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsultationNotFound
	}
	if !c.Status.Terminal() {
		c = s.cache(c)
	}
	return c, nil
}

// snapshot copies the live record under its transition lock. Callers
// already holding the lock copy directly with copyConsultation.
func (s *Service) snapshot(c *repository.Consultation) *repository.Consultation {
	unlock := s.machine.Guard(c.ID)
	defer unlock()
	return copyConsultation(c)
}

func copyConsultation(c *repository.Consultation) *repository.Consultation {
	cp := *c
	if len(c.Prescriptions) > 0 {
		cp.Prescriptions = append([]string(nil), c.Prescriptions...)
	}
	if len(c.Vitals) > 0 {
		cp.Vitals = make(map[string]string, len(c.Vitals))
		for k, v := range c.Vitals {
			cp.Vitals[k] = v
		}
	}
	return &cp
}

func (s *Service) List(ctx context.Context, filter repository.ListConsultationsFilter) ([]repository.Consultation, error) {
	return s.repo.ListConsultations(ctx, filter)
}

// JoinResult is handed back to a connecting client: its participant state
// and the room's immutable transport decision. Warning carries
// repository.ErrPersistenceDegraded when the join's status transition
// advanced in memory but could not be confirmed durable.
type JoinResult struct {
	Consultation *repository.Consultation
	Participant  room.View
	Transport    transport.Assignment
	Warning      error
}

// Join attaches a connection to the consultation's room, creating the room
// (and selecting its transport, once) on first join, and drives the
// scheduled -> waiting -> in_progress transitions. The doctor's join starts
// the clock; anyone else's first join only moves it to waiting.
func (s *Service) Join(ctx context.Context, roomID, userID string, role room.Role, sink room.Sink) (JoinResult, error) {
	if !role.Valid() {
		return JoinResult{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	c, err := s.loadByRoomID(ctx, roomID)
	if err != nil {
		return JoinResult{}, err
	}

	unlock := s.machine.Guard(c.ID)
	defer unlock()

	if c.Status.Terminal() {
		return JoinResult{}, room.ErrRoomClosed
	}

	rm, ok := s.registry.ByConsultation(c.ID)
	if !ok {
		rm, err = s.openRoom(ctx, c)
		if err != nil {
			return JoinResult{}, err
		}
	}

	view, err := s.registry.Join(rm.ID, userID, role, sink)
	if err != nil {
		return JoinResult{}, err
	}

	now := s.now()
	var changed bool
	var trErr error
	if role == room.RoleDoctor {
		changed, trErr = s.machine.Start(c, Actor{UserID: userID, Role: role}, now)
	} else {
		changed, trErr = s.machine.MarkWaiting(c, now)
	}
	var warning error
	if trErr != nil {
		slog.Warn("join did not advance lifecycle", "error", trErr, "consultation_id", c.ID, "status", c.Status)
	} else if changed {
		if err := s.persistStatus(ctx, c); err != nil {
			warning = err
			slog.Warn("status transition persisted lazily", "error", err, "consultation_id", c.ID, "status", c.Status)
		}
	}

	return JoinResult{Consultation: copyConsultation(c), Participant: view, Transport: rm.Transport, Warning: warning}, nil
}

// openRoom creates the live room for a consultation. The transport
// decision happens here and is immutable for the room's lifetime; provider
// failure degrades to direct mode instead of failing the join.
func (s *Service) openRoom(ctx context.Context, c *repository.Consultation) (*room.Room, error) {
	assignment := s.selector.Select(ctx, c.RoomID)
	rm, err := s.registry.CreateRoom(c.RoomID, c.ID, assignment)
	if err != nil {
		if errors.Is(err, room.ErrAlreadyExists) {
			if existing, ok := s.registry.ByConsultation(c.ID); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	if assignment.Mode == transport.ModeManaged && c.ManagedRoomRef == "" {
		c.ManagedRoomRef = c.RoomID
		if err := s.repo.SaveConsultation(ctx, c); err != nil {
			slog.Warn("managed room reference persisted lazily", "error", err, "consultation_id", c.ID)
		}
	}
	return rm, nil
}

// Leave detaches a participant and records their summary.
func (s *Service) Leave(ctx context.Context, roomID, userID, reason string) error {
	view, err := s.registry.Leave(roomID, userID)
	if err != nil {
		return err
	}
	if c, cerr := s.loadByRoomID(ctx, roomID); cerr == nil {
		s.saveSummary(ctx, c.ID, view, reason)
	}
	return nil
}

// Disconnect flips the participant to disconnected without freeing the
// slot, so a reconnect within the grace window resumes the same logical
// participant.
func (s *Service) Disconnect(ctx context.Context, roomID, userID, reason string) error {
	return s.registry.RecordDisconnection(roomID, userID, reason)
}

func (s *Service) UpdateMediaState(roomID, userID string, state room.MediaState, quality string) error {
	return s.registry.UpdateMediaState(roomID, userID, state, quality)
}

// RelaySignal forwards a connection-establishment frame. Signaling is
// relay-only and never persisted.
func (s *Service) RelaySignal(env room.Envelope) (int, error) {
	n, _, err := s.registry.Relay(env.RoomID, env.FromUserID, env.ToUserID, env.Encode())
	return n, err
}

type chatPayload struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	ReplyToID   string `json:"replyToId,omitempty"`
}

// SendChat relays a chat frame and persists it. When the addressed
// recipient is offline the message is still queued durably for later
// delivery and the caller gets ErrRecipientUnavailable back.
func (s *Service) SendChat(ctx context.Context, env room.Envelope, senderRole room.Role) (int, error) {
	c, err := s.loadByRoomID(ctx, env.RoomID)
	if err != nil {
		return 0, err
	}

	// Validate before relaying so a rejected frame never reaches peers.
	var body chatPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.Content == "" {
		return 0, fmt.Errorf("%w: chat payload requires content", ErrValidation)
	}

	recipients, seq, relayErr := s.registry.Relay(env.RoomID, env.FromUserID, env.ToUserID, env.Encode())
	if relayErr != nil && !errors.Is(relayErr, room.ErrRecipientUnavailable) {
		return 0, relayErr
	}
	msgType := repository.MessageType(body.MessageType)
	switch msgType {
	case repository.MessageTypeText, repository.MessageTypeFile, repository.MessageTypeImage, repository.MessageTypeSystem:
	default:
		msgType = repository.MessageTypeText
	}
	status := repository.DeliveryDelivered
	if recipients == 0 {
		status = repository.DeliverySent
	}
	if err := s.repo.AppendMessage(ctx, repository.AppendMessageInput{
		MessageID:      uuid.NewString(),
		ConsultationID: c.ID,
		SenderID:       env.FromUserID,
		SenderRole:     string(senderRole),
		Type:           msgType,
		Content:        body.Content,
		DeliveryStatus: status,
		ReplyToID:      body.ReplyToID,
		Sequence:       seq,
		CreatedAt:      s.now(),
	}); err != nil && !errors.Is(err, repository.ErrPersistenceDegraded) {
		slog.Error("chat message not persisted", "error", err, "consultation_id", c.ID)
	}
	return recipients, relayErr
}

func (s *Service) ListMessages(ctx context.Context, consultationID string, limit int) ([]repository.Message, error) {
	return s.repo.ListMessages(ctx, consultationID, limit)
}

// SendMessage is the REST path for posting a chat message; it persists the
// message and relays it into the live room when one exists.
func (s *Service) SendMessage(ctx context.Context, consultationID, senderID, senderRole, content, replyToID string) (*repository.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	var seq int64
	var delivered int
	if rm, ok := s.registry.ByConsultation(c.ID); ok {
		env := room.Envelope{
			Type:       room.EnvelopeChatMessage,
			RoomID:     rm.ID,
			FromUserID: senderID,
		}
		body, _ := json.Marshal(chatPayload{Content: content, ReplyToID: replyToID})
		env.Payload = body
		delivered, seq, err = s.registry.Relay(rm.ID, senderID, "", env.Encode())
		if err != nil {
			// Sender may not be connected; the message is still recorded.
			delivered, seq = 0, 0
		}
	}
	msg := &repository.Message{
		ID:             uuid.NewString(),
		ConsultationID: c.ID,
		SenderID:       senderID,
		SenderRole:     senderRole,
		Type:           repository.MessageTypeText,
		Content:        content,
		DeliveryStatus: repository.DeliverySent,
		ReplyToID:      replyToID,
		Sequence:       seq,
		CreatedAt:      s.now(),
	}
	if delivered > 0 {
		msg.DeliveryStatus = repository.DeliveryDelivered
	}
	if err := s.repo.AppendMessage(ctx, repository.AppendMessageInput{
		MessageID:      msg.ID,
		ConsultationID: msg.ConsultationID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Type:           msg.Type,
		Content:        msg.Content,
		DeliveryStatus: msg.DeliveryStatus,
		ReplyToID:      msg.ReplyToID,
		Sequence:       msg.Sequence,
		CreatedAt:      msg.CreatedAt,
	}); err != nil && !errors.Is(err, repository.ErrPersistenceDegraded) {
		return nil, err
	}
	return msg, nil
}

// Start moves a consultation to in progress on behalf of the doctor or an
// admin, opening the room if no one has connected yet.
func (s *Service) Start(ctx context.Context, consultationID string, actor Actor) (*repository.Consultation, error) {
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	unlock := s.machine.Guard(c.ID)
	defer unlock()

	if _, ok := s.registry.ByConsultation(c.ID); !ok && !c.Status.Terminal() {
		if _, err := s.openRoom(ctx, c); err != nil {
			return nil, err
		}
	}
	changed, err := s.machine.Start(c, actor, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return copyConsultation(c), nil
	}
	return copyConsultation(c), s.persistStatus(ctx, c)
}

// End completes an in-progress consultation, closes its room and releases
// managed transport. Only the doctor or an admin may end it.
func (s *Service) End(ctx context.Context, consultationID string, actor Actor) (*repository.Consultation, error) {
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	unlock := s.machine.Guard(c.ID)
	defer unlock()

	if err := s.machine.Complete(c, actor, s.now()); err != nil {
		return nil, err
	}
	persistErr := s.persistStatus(ctx, c)
	s.teardownRoom(ctx, c, "consultation ended")
	s.evict(c)
	slog.Info("consultation completed", "consultation_id", c.ID, "duration_minutes", c.DurationMinutes)
	return copyConsultation(c), persistErr
}

// Cancel is allowed from any pre-completion state and requires a reason.
func (s *Service) Cancel(ctx context.Context, consultationID string, actor Actor, reason string) (*repository.Consultation, error) {
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	unlock := s.machine.Guard(c.ID)
	defer unlock()

	if err := s.machine.Cancel(c, actor, reason, s.now()); err != nil {
		return nil, err
	}
	persistErr := s.persistStatus(ctx, c)
	s.teardownRoom(ctx, c, "consultation cancelled")
	s.evict(c)
	slog.Info("consultation cancelled", "consultation_id", c.ID, "reason", reason, "cancelled_by", actor.UserID)
	return copyConsultation(c), persistErr
}

type ClinicalInput struct {
	Diagnosis     string
	TreatmentPlan string
	Prescriptions []string
	Vitals        map[string]string
	Notes         string
}

// UpdateClinical writes post-session clinical fields. A completed
// consultation is immutable except for append-only notes.
func (s *Service) UpdateClinical(ctx context.Context, consultationID string, actor Actor, input ClinicalInput) (*repository.Consultation, error) {
	if !actor.canControl() {
		return nil, ErrNotAllowed
	}
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	unlock := s.machine.Guard(c.ID)
	defer unlock()

	if c.Status != repository.StatusCompleted {
		return nil, ErrInvalidTransition
	}
	if input.Diagnosis != "" {
		if c.Diagnosis != "" && c.Diagnosis != input.Diagnosis {
			return nil, ErrClinicalLocked
		}
		c.Diagnosis = input.Diagnosis
	}
	if input.TreatmentPlan != "" {
		if c.TreatmentPlan != "" && c.TreatmentPlan != input.TreatmentPlan {
			return nil, ErrClinicalLocked
		}
		c.TreatmentPlan = input.TreatmentPlan
	}
	if len(input.Prescriptions) > 0 {
		if len(c.Prescriptions) > 0 {
			return nil, ErrClinicalLocked
		}
		c.Prescriptions = append([]string(nil), input.Prescriptions...)
	}
	if len(input.Vitals) > 0 {
		if len(c.Vitals) > 0 {
			return nil, ErrClinicalLocked
		}
		c.Vitals = make(map[string]string, len(input.Vitals))
		for k, v := range input.Vitals {
			c.Vitals[k] = v
		}
	}
	if input.Notes != "" {
		if c.Notes != "" {
			c.Notes += "\n"
		}
		c.Notes += input.Notes
	}
	if err := s.repo.UpdateClinicalFields(ctx, repository.UpdateClinicalInput{
		ConsultationID: c.ID,
		Diagnosis:      c.Diagnosis,
		TreatmentPlan:  c.TreatmentPlan,
		Prescriptions:  c.Prescriptions,
		Vitals:         c.Vitals,
		Notes:          c.Notes,
	}); err != nil {
		if errors.Is(err, repository.ErrPersistenceDegraded) {
			return copyConsultation(c), err
		}
		return nil, err
	}
	return copyConsultation(c), nil
}

type ParticipantInfo struct {
	UserID          string     `json:"userId"`
	Role            string     `json:"role"`
	Status          string     `json:"status"`
	JoinedAt        time.Time  `json:"joinedAt"`
	LeftAt          *time.Time `json:"leftAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	Reconnects      int        `json:"reconnects"`
}

// Participants lists live room state when the room is up, falling back to
// the durable summaries afterwards.
func (s *Service) Participants(ctx context.Context, consultationID string) ([]ParticipantInfo, error) {
	c, err := s.load(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if rm, ok := s.registry.ByConsultation(c.ID); ok {
		views, err := s.registry.ListParticipants(rm.ID)
		if err == nil {
			infos := make([]ParticipantInfo, 0, len(views))
			for _, v := range views {
				info := ParticipantInfo{
					UserID:     v.UserID,
					Role:       string(v.Role),
					Status:     string(v.Status),
					JoinedAt:   v.JoinedAt,
					LeftAt:     v.LeftAt,
					Reconnects: v.Reconnects,
				}
				if sum, serr := s.registry.Summary(rm.ID, v.UserID); serr == nil {
					info.DurationSeconds = sum.DurationSeconds
					info.LeftAt = sum.LeftAt
					info.Reconnects = sum.Reconnects
				}
				infos = append(infos, info)
			}
			return infos, nil
		}
	}
	summaries, err := s.repo.ListParticipantSummaries(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	infos := make([]ParticipantInfo, 0, len(summaries))
	for _, sum := range summaries {
		infos = append(infos, ParticipantInfo{
			UserID:          sum.UserID,
			Role:            sum.Role,
			Status:          string(room.ParticipantLeft),
			JoinedAt:        sum.JoinedAt,
			LeftAt:          sum.LeftAt,
			DurationSeconds: sum.DurationSeconds,
			Reconnects:      sum.Reconnects,
		})
	}
	return infos, nil
}

// HandleRoomClosed reconciles a consultation whose room the sweep
// reclaimed. Policy for a session abandoned mid-flight (doctor and patient
// both gone past the grace window, no explicit end): the consultation is
// cancelled by the system with the sweep's reason, so durable state never
// sits ambiguously in in_progress.
func (s *Service) HandleRoomClosed(cl room.Closure) {
	ctx := context.Background()
	for _, v := range cl.Participants {
		s.saveSummary(ctx, cl.ConsultationID, v, cl.Reason)
	}
	c, err := s.load(ctx, cl.ConsultationID)
	if err != nil {
		slog.Error("failed to load consultation for closed room", "error", err, "consultation_id", cl.ConsultationID)
		return
	}
	unlock := s.machine.Guard(c.ID)
	defer unlock()
	if c.Status.Terminal() {
		s.evict(c)
		return
	}
	if err := s.machine.Cancel(c, Actor{UserID: "system", Role: room.RoleAdmin}, "room abandoned: "+cl.Reason, s.now()); err != nil {
		slog.Error("failed to cancel abandoned consultation", "error", err, "consultation_id", c.ID)
		return
	}
	if err := s.persistStatus(ctx, c); err != nil {
		slog.Warn("abandoned cancellation persisted lazily", "error", err, "consultation_id", c.ID)
	}
	if c.ManagedRoomRef != "" {
		s.selector.Teardown(ctx, c.RoomID, transport.Assignment{Mode: transport.ModeManaged})
	}
	s.evict(c)
}

// HandleParticipantExpired persists the summary of a participant whose
// reconnect grace ran out.
func (s *Service) HandleParticipantExpired(e room.ExpiredParticipant) {
	s.saveSummary(context.Background(), e.ConsultationID, e.Participant, "reconnect grace expired")
}

func (s *Service) saveSummary(ctx context.Context, consultationID string, v room.View, reason string) {
	leftAt := s.now()
	if v.LeftAt != nil {
		leftAt = *v.LeftAt
	}
	var duration int64
	if leftAt.After(v.JoinedAt) {
		duration = int64(leftAt.Sub(v.JoinedAt) / time.Second)
	}
	if err := s.repo.SaveParticipantSummary(ctx, repository.SaveParticipantSummaryInput{
		ConsultationID:  consultationID,
		UserID:          v.UserID,
		Role:            string(v.Role),
		JoinedAt:        v.JoinedAt,
		LeftAt:          leftAt,
		DurationSeconds: duration,
		Reconnects:      v.Reconnects,
		LeaveReason:     reason,
	}); err != nil && !errors.Is(err, repository.ErrPersistenceDegraded) {
		slog.Error("participant summary not persisted", "error", err, "consultation_id", consultationID, "user_id", v.UserID)
	}
}

// teardownRoom closes the live room (idempotent) and releases managed
// transport. Caller holds the consultation's transition lock.
func (s *Service) teardownRoom(ctx context.Context, c *repository.Consultation, reason string) {
	rm, ok := s.registry.ByConsultation(c.ID)
	if !ok {
		return
	}
	assignment := rm.Transport
	views := s.registry.CloseRoom(rm.ID, reason)
	for _, v := range views {
		s.saveSummary(ctx, c.ID, v, reason)
	}
	s.selector.Teardown(ctx, c.RoomID, assignment)
}

// persistStatus writes the current in-memory status through the adapter.
// Failure does not roll the transition back; it surfaces as a degraded
// warning and the buffered adapter retries in the background.
func (s *Service) persistStatus(ctx context.Context, c *repository.Consultation) error {
	err := s.repo.UpdateConsultationStatus(ctx, repository.UpdateStatusInput{
		ConsultationID:  c.ID,
		Status:          c.Status,
		ActualStartAt:   c.ActualStartAt,
		ActualEndAt:     c.ActualEndAt,
		DurationMinutes: c.DurationMinutes,
		ManagedRoomRef:  c.ManagedRoomRef,
		CancelReason:    c.CancelReason,
		CancelledBy:     c.CancelledBy,
		Version:         c.Version,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrPersistenceDegraded) {
		return err
	}
	slog.Warn("status write failed", "error", err, "consultation_id", c.ID, "status", c.Status)
	return fmt.Errorf("status %s for %s: %w", c.Status, c.ID, repository.ErrPersistenceDegraded)
}

// Run drives the no-show sweep until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()
	slog.Info("no-show sweep started", "after", s.cfg.NoShowAfter().String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("no-show sweep stopped")
			return
		case <-ticker.C:
			s.sweepNoShows(ctx)
		}
	}
}

func (s *Service) sweepNoShows(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.NoShowAfter())
	candidates, err := s.repo.ListScheduledBefore(ctx, cutoff)
	if err != nil {
		slog.Error("no-show sweep query failed", "error", err)
		return
	}
	for i := range candidates {
		c, err := s.load(ctx, candidates[i].ID)
		if err != nil {
			continue
		}
		unlock := s.machine.Guard(c.ID)
		if err := s.machine.MarkNoShow(c, s.now()); err != nil {
			unlock()
			continue
		}
		if err := s.persistStatus(ctx, c); err != nil {
			slog.Warn("no-show persisted lazily", "error", err, "consultation_id", c.ID)
		}
		unlock()
		s.evict(c)
		slog.Info("consultation marked no-show", "consultation_id", c.ID, "scheduled_at", c.ScheduledAt)
	}
}

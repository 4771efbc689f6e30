package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"insurance-chat-backend/internal/database"
	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/store"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeUsage      ErrorCode = "usage_error"
	ErrorCodeNotFound   ErrorCode = "not_found"
	ErrorCodeConflict   ErrorCode = "conflict"
	ErrorCodeInternal   ErrorCode = "internal_error"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

const joinMarker = "joined the conversation"

// DefaultDeliveryGrace is how long a confirmed delivery survives before
// garbage collection, so a duplicate poll after a confirm still resolves.
const DefaultDeliveryGrace = 5 * time.Minute

type EscalationParams struct {
	Reason     string
	Urgency    string
	Indicators []string
}

// Notifier is an optional push hook invoked after a delivery is enqueued.
// The poller needs none; the websocket server registers one.
type Notifier interface {
	NotifyPending(sessionID string)
}

// Service owns the session state machine. All session mutation goes
// through its operations; it serializes writers per session id, never
// globally, so independent sessions proceed concurrently.
type Service struct {
	repo     store.Repository
	now      func() time.Time
	notifier Notifier
	grace    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *database.Database) *Service {
	return NewWithRepository(store.NewDynamoRepository(db), time.Now)
}

func NewWithRepository(repo store.Repository, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:  repo,
		now:   now,
		grace: DefaultDeliveryGrace,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) SetDeliveryGrace(grace time.Duration) {
	if grace > 0 {
		s.grace = grace
	}
}

// sessionLock returns the mutex owning the critical section for one
// session id. Concurrent escalate/join/append on the same session all
// contend here; different sessions never do.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *Service) CreateSession(ctx context.Context, sessionID string) (model.SessionItem, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.repo.GetSession(ctx, sessionID); err == nil {
		return model.SessionItem{}, newError(ErrorCodeConflict, "session already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.SessionItem{}, newError(ErrorCodeInternal, "failed to check session", err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	session := model.SessionItem{
		SessionID:      sessionID,
		State:          model.SessionStateActive,
		CreatedAt:      nowStr,
		LastActivityAt: nowStr,
	}
	if err := s.repo.PutSession(ctx, session); err != nil {
		return model.SessionItem{}, newError(ErrorCodeInternal, "failed to persist session", err)
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (model.SessionItem, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.SessionItem{}, newError(ErrorCodeNotFound, "session not found", err)
		}
		return model.SessionItem{}, newError(ErrorCodeInternal, "failed to fetch session", err)
	}
	return session, nil
}

// AppendTurn appends to the transcript and bumps lastActivityAt. The
// session is created on demand. A user turn on a RESOLVED session
// reopens it for follow-up conversation.
func (s *Service) AppendTurn(ctx context.Context, sessionID string, turn model.TurnItem) (model.SessionItem, error) {
	if sessionID == "" {
		return model.SessionItem{}, newError(ErrorCodeValidation, "sessionId is required", nil)
	}
	if strings.TrimSpace(turn.Content) == "" {
		return model.SessionItem{}, newError(ErrorCodeValidation, "turn content is required", nil)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	nowStr := s.now().UTC().Format(time.RFC3339)
	session, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		session = model.SessionItem{
			SessionID: sessionID,
			State:     model.SessionStateActive,
			CreatedAt: nowStr,
		}
	} else if err != nil {
		return model.SessionItem{}, newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	if turn.CreatedAt == "" {
		turn.CreatedAt = nowStr
	}
	session.Transcript = append(session.Transcript, turn)
	session.LastActivityAt = nowStr
	if turn.Role == model.TurnRoleUser && session.State == model.SessionStateResolved {
		session.State = model.SessionStateActive
	}

	if err := s.repo.PutSession(ctx, session); err != nil {
		return model.SessionItem{}, newError(ErrorCodeInternal, "failed to persist session", err)
	}
	return session, nil
}

// Escalate moves the session into ESCALATED and binds the operator-chat
// thread. Already-escalated sessions are a no-op returning false; the
// state and the thread mapping live on one record, so the write is
// atomic. From RESOLVED a new escalation cycle starts.
func (s *Service) Escalate(ctx context.Context, sessionID, threadRef string, params EscalationParams) (bool, error) {
	if threadRef == "" {
		return false, newError(ErrorCodeValidation, "threadRef is required", nil)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, newError(ErrorCodeNotFound, "session not found", err)
		}
		return false, newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	switch session.State {
	case model.SessionStateEscalated, model.SessionStateSpecialistActive:
		return false, nil
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	session.State = model.SessionStateEscalated
	session.ThreadRef = threadRef
	session.ActiveSpecialists = nil
	session.ResolvedBy = ""
	session.Escalation = &model.EscalationInfoItem{
		Reason:     params.Reason,
		Urgency:    params.Urgency,
		Indicators: params.Indicators,
		CreatedAt:  nowStr,
	}
	session.LastActivityAt = nowStr

	if err := s.repo.PutSession(ctx, session); err != nil {
		return false, newError(ErrorCodeInternal, "failed to persist escalation", err)
	}

	incEscalations()
	log.Printf("[coordinator] session %s escalated: %s", sessionID, params.Reason)
	return true, nil
}

// SpecialistJoin adds the specialist to the active set and forces the
// state to SPECIALIST_ACTIVE. Joining a session that was never escalated
// is a usage error, not a silent escalation.
func (s *Service) SpecialistJoin(ctx context.Context, sessionID, specialistID, displayName string) (bool, error) {
	if specialistID == "" {
		return false, newError(ErrorCodeValidation, "specialistId is required", nil)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, newError(ErrorCodeNotFound, "session not found", err)
		}
		return false, newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	switch session.State {
	case model.SessionStateEscalated, model.SessionStateSpecialistActive:
	default:
		return false, newError(ErrorCodeUsage, "cannot join a session that is not escalated", nil)
	}

	if session.HasSpecialist(specialistID) {
		return false, nil
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	session.ActiveSpecialists = append(session.ActiveSpecialists, specialistID)
	session.State = model.SessionStateSpecialistActive
	session.LastActivityAt = nowStr

	if err := s.repo.PutSession(ctx, session); err != nil {
		return false, newError(ErrorCodeInternal, "failed to persist join", err)
	}

	name := displayName
	if name == "" {
		name = specialistID
	}
	notice := fmt.Sprintf("%s %s and will assist with this case", name, joinMarker)
	if err := s.enqueue(ctx, sessionID, model.DeliveryKindSystemNotification, notice, name, nowStr); err != nil {
		return true, newError(ErrorCodeInternal, "failed to queue join notification", err)
	}
	return true, nil
}

// SpecialistLeave removes the specialist; when the set empties the session
// demotes to ESCALATED, never back to ACTIVE, because a human is still
// expected to return or formally resolve.
func (s *Service) SpecialistLeave(ctx context.Context, sessionID, specialistID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(ErrorCodeNotFound, "session not found", err)
		}
		return newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	remaining := make([]string, 0, len(session.ActiveSpecialists))
	for _, id := range session.ActiveSpecialists {
		if id != specialistID {
			remaining = append(remaining, id)
		}
	}
	session.ActiveSpecialists = remaining
	if len(remaining) == 0 && session.State == model.SessionStateSpecialistActive {
		session.State = model.SessionStateEscalated
	}
	session.LastActivityAt = s.now().UTC().Format(time.RFC3339)

	if err := s.repo.PutSession(ctx, session); err != nil {
		return newError(ErrorCodeInternal, "failed to persist leave", err)
	}
	return nil
}

// IsSpecialistActive reports whether a human is currently handling the
// session. Display-only read; accepts slightly-stale state.
func (s *Service) IsSpecialistActive(ctx context.Context, sessionID string) bool {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return session.State == model.SessionStateSpecialistActive && len(session.ActiveSpecialists) > 0
}

// QueueSpecialistMessage delivers a specialist turn arriving from the
// operator-chat thread, stamped with the operator-chat event time when
// known (zero falls back to the service clock). An unmapped threadRef
// indicates a broken mapping and is logged loudly and dropped, never
// guessed. A join-marker message additionally activates the specialist,
// but the message itself is still appended and queued for delivery.
func (s *Service) QueueSpecialistMessage(ctx context.Context, threadRef, message, sender, specialistID string, at time.Time) (bool, error) {
	session, err := s.repo.FindByThreadRef(ctx, threadRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[coordinator] ERROR: no session mapped to thread %s, dropping specialist message", threadRef)
			return false, nil
		}
		return false, newError(ErrorCodeInternal, "failed to resolve thread", err)
	}

	isJoinNotice := strings.Contains(strings.ToLower(message), joinMarker) && specialistID != ""
	if isJoinNotice {
		if _, err := s.SpecialistJoin(ctx, session.SessionID, specialistID, sender); err != nil {
			var coordErr *Error
			if !errors.As(err, &coordErr) || coordErr.Code != ErrorCodeUsage {
				return false, err
			}
		}
	}

	lock := s.sessionLock(session.SessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err = s.repo.GetSession(ctx, session.SessionID)
	if err != nil {
		return false, newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	turnAt := nowStr
	if !at.IsZero() {
		turnAt = at.UTC().Format(time.RFC3339)
	}
	session.Transcript = append(session.Transcript, model.TurnItem{
		Role:      model.TurnRoleSpecialist,
		Content:   message,
		Sender:    sender,
		CreatedAt: turnAt,
	})
	session.LastActivityAt = nowStr

	if err := s.repo.PutSession(ctx, session); err != nil {
		return false, newError(ErrorCodeInternal, "failed to persist specialist turn", err)
	}

	kind := model.DeliveryKindSpecialistReply
	if isJoinNotice {
		kind = model.DeliveryKindSystemNotification
	}
	if err := s.enqueue(ctx, session.SessionID, kind, message, sender, turnAt); err != nil {
		return false, newError(ErrorCodeInternal, "failed to queue specialist reply", err)
	}
	return true, nil
}

// Resolve ends the current escalation cycle. The chat client receives the
// resolution text plus a control signal to close its specialist panel.
func (s *Service) Resolve(ctx context.Context, sessionID, reason string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(ErrorCodeNotFound, "session not found", err)
		}
		return newError(ErrorCodeInternal, "failed to fetch session", err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	session.State = model.SessionStateResolved
	session.ResolvedBy = reason
	session.ActiveSpecialists = nil
	session.LastActivityAt = nowStr

	if err := s.repo.PutSession(ctx, session); err != nil {
		return newError(ErrorCodeInternal, "failed to persist resolution", err)
	}

	incResolutions()

	message := reason
	if message == "" {
		message = "This conversation has been resolved."
	}
	if err := s.enqueue(ctx, sessionID, model.DeliveryKindSystemNotification, message, "", nowStr); err != nil {
		return newError(ErrorCodeInternal, "failed to queue resolution notice", err)
	}
	if err := s.enqueue(ctx, sessionID, model.DeliveryKindControlSignal, "close_specialist_panel", "", nowStr); err != nil {
		return newError(ErrorCodeInternal, "failed to queue control signal", err)
	}
	return nil
}

// DrainPending returns undelivered items without marking them delivered.
// Confirmation is a separate call so a crash between the two re-delivers
// instead of losing messages.
func (s *Service) DrainPending(ctx context.Context, sessionID string) ([]model.PendingDeliveryItem, error) {
	items, err := s.repo.ListUndelivered(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list pending deliveries", err)
	}
	return items, nil
}

func (s *Service) ConfirmDelivered(ctx context.Context, sessionID string, deliveryIDs []string) error {
	if len(deliveryIDs) == 0 {
		return nil
	}
	now := s.now().UTC()
	err := s.repo.MarkDelivered(
		ctx,
		sessionID,
		deliveryIDs,
		now.Format(time.RFC3339),
		now.Add(-s.grace).Format(time.RFC3339),
	)
	if err != nil {
		return newError(ErrorCodeInternal, "failed to confirm deliveries", err)
	}
	addConfirmed(len(deliveryIDs))
	return nil
}

// ArchiveInactive flags RESOLVED sessions idle past the retention window.
// Called from the cron sweep; archived sessions drop out of ListSessions.
func (s *Service) ArchiveInactive(ctx context.Context, retention time.Duration) (int, error) {
	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return 0, newError(ErrorCodeInternal, "failed to list sessions", err)
	}

	cutoff := s.now().UTC().Add(-retention)
	archived := 0
	for _, candidate := range sessions {
		if candidate.State != model.SessionStateResolved {
			continue
		}
		last, err := time.Parse(time.RFC3339, candidate.LastActivityAt)
		if err != nil || last.After(cutoff) {
			continue
		}

		lock := s.sessionLock(candidate.SessionID)
		lock.Lock()
		session, err := s.repo.GetSession(ctx, candidate.SessionID)
		if err == nil && session.State == model.SessionStateResolved {
			session.Archived = true
			if err := s.repo.PutSession(ctx, session); err == nil {
				archived++
			}
		}
		lock.Unlock()
	}
	return archived, nil
}

func (s *Service) enqueue(ctx context.Context, sessionID string, kind model.DeliveryKind, message, sender, createdAt string) error {
	deliveryID := uuid.NewString()
	item := model.PendingDeliveryItem{
		PK:         model.DeliveryPK(sessionID, deliveryID),
		SessionID:  sessionID,
		DeliveryID: deliveryID,
		Kind:       kind,
		Message:    message,
		Sender:     sender,
		CreatedAt:  createdAt,
	}
	if err := s.repo.EnqueueDelivery(ctx, item); err != nil {
		return err
	}
	addEnqueued(1)
	if s.notifier != nil {
		s.notifier.NotifyPending(sessionID)
	}
	return nil
}

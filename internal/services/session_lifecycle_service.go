package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/store"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/logger"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

// Slot length bounds applied when no rules are configured.
const (
	DefaultSlotSeconds = 120
	MinSlotSeconds     = 1
	MaxSlotSeconds     = 3600
)

// SessionRules carries the configurable limits of a meeting.
type SessionRules struct {
	DefaultSlotSeconds int
	MinSlotSeconds     int
	MaxSlotSeconds     int
}

func (r SessionRules) withDefaults() SessionRules {
	if r.MinSlotSeconds < MinSlotSeconds {
		r.MinSlotSeconds = MinSlotSeconds
	}
	if r.MaxSlotSeconds <= 0 || r.MaxSlotSeconds > MaxSlotSeconds {
		r.MaxSlotSeconds = MaxSlotSeconds
	}
	if r.DefaultSlotSeconds <= 0 {
		r.DefaultSlotSeconds = DefaultSlotSeconds
	}
	return r
}

// CreateSessionParams describes a new meeting.
type CreateSessionParams struct {
	HostID              string
	HostName            string
	SlotDurationSeconds int
}

var (
	// ErrLifecycleServiceNotInitialised is returned when a nil service is used.
	ErrLifecycleServiceNotInitialised = errors.New("session lifecycle service: service not initialised")
)

// SessionLifecycleService creates meetings, admits participants and moves the
// session through lobby, active and finished.
type SessionLifecycleService struct {
	store   store.Store
	rules   SessionRules
	policy  Policy
	timeNow func() time.Time
	newID   func() string
	log     *zap.Logger
}

// SessionLifecycleOption customises service dependencies.
type SessionLifecycleOption func(*SessionLifecycleService)

// WithLifecycleClock overrides the clock used for timestamps (test helper).
func WithLifecycleClock(clock func() time.Time) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// WithSessionRules overrides the slot bounds.
func WithSessionRules(rules SessionRules) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.rules = rules.withDefaults()
	}
}

// WithLifecyclePolicy sets the caller rules enforced for AsUser calls.
func WithLifecyclePolicy(policy Policy) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.policy = policy
	}
}

// WithSessionIDGenerator replaces uuid generation (test helper).
func WithSessionIDGenerator(gen func() string) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewSessionLifecycleService constructs the lifecycle service.
func NewSessionLifecycleService(st store.Store, opts ...SessionLifecycleOption) (*SessionLifecycleService, error) {
	if st == nil {
		return nil, errors.New("session lifecycle service: store is required")
	}

	svc := &SessionLifecycleService{
		store:   st,
		rules:   SessionRules{}.withDefaults(),
		policy:  NewPolicy(DefaultMinParticipantsToStart),
		timeNow: time.Now,
		newID:   uuid.NewString,
		log:     logger.WithModule("lifecycle"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateSession stores a lobby session whose only participant is the host.
func (s *SessionLifecycleService) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	ctx = ensureContext(ctx)

	hostID := normaliseID(params.HostID)
	if hostID == "" {
		return nil, apperrors.NewValidation("Host id is required")
	}
	hostName := strings.TrimSpace(params.HostName)
	if hostName == "" {
		return nil, apperrors.ErrEmptyName
	}

	duration := params.SlotDurationSeconds
	if duration == 0 {
		duration = s.rules.DefaultSlotSeconds
	}
	if duration < s.rules.MinSlotSeconds || duration > s.rules.MaxSlotSeconds {
		return nil, apperrors.ErrInvalidSlotDuration.WithMessage(
			fmt.Sprintf("Slot duration must be between %d and %d seconds", s.rules.MinSlotSeconds, s.rules.MaxSlotSeconds))
	}

	now := s.timeNow().UnixMilli()
	id := s.newID()
	doc := &models.Session{
		HostID:              hostID,
		CreatedAt:           now,
		SlotDurationSeconds: duration,
		Status:              models.SessionStatusLobby,
		SpokenUserIDs:       []string{},
		Participants: map[string]*models.Participant{
			hostID: {Name: hostName, Role: models.RoleHost, JoinedAt: now},
		},
	}

	if err := s.store.Create(ctx, id, doc); err != nil {
		return nil, err
	}

	s.log.Info("session created", logger.SessionID(id), logger.UserID(hostID), zap.Int("slot_seconds", duration))
	return s.store.Read(ctx, id)
}

// JoinSession adds or replaces userID on the roster. The last join for a user
// wins; speaking history survives a rejoin and the host keeps the host role.
func (s *SessionLifecycleService) JoinSession(ctx context.Context, sessionID, userID, name string) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	ctx = ensureContext(ctx)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ErrEmptyName
	}
	userID = normaliseID(userID)
	if userID == "" {
		return nil, apperrors.NewValidation("User id is required")
	}
	now := s.timeNow().UnixMilli()

	return s.store.Transact(ctx, sessionID, func(doc *models.Session) (*models.Session, error) {
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if doc.Status == models.SessionStatusFinished {
			return nil, apperrors.ErrSessionFinished
		}

		role := models.RoleParticipant
		if userID == doc.HostID {
			role = models.RoleHost
		}

		participant := &models.Participant{Name: name, Role: role, JoinedAt: now}
		if existing, ok := doc.Participants[userID]; ok {
			participant.JoinedAt = existing.JoinedAt
			participant.SpeakingHistory = existing.SpeakingHistory
			participant.TotalSpokeDurationSeconds = existing.TotalSpokeDurationSeconds
		}
		doc.Participants[userID] = participant
		return doc, nil
	})
}

// StartMeeting moves a lobby session to active.
func (s *SessionLifecycleService) StartMeeting(ctx context.Context, sessionID string, opts ...CallOption) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	call := buildCallOptions(opts)

	doc, err := s.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		switch doc.Status {
		case models.SessionStatusFinished:
			return nil, apperrors.ErrSessionFinished
		case models.SessionStatusActive:
			return nil, apperrors.ErrInvalidTransition.WithMessage("The meeting has already started")
		}
		if call.authorized() {
			if err := s.policy.AuthorizeStartMeeting(doc, call.actorID); err != nil {
				return nil, err
			}
		}
		doc.Status = models.SessionStatusActive
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("meeting started", logger.SessionID(sessionID), zap.Int("participants", len(doc.Participants)))
	return doc, nil
}

// GetSession returns the current document.
func (s *SessionLifecycleService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	return s.store.Read(ensureContext(ctx), sessionID)
}

// ListSessions returns summaries of every known session.
func (s *SessionLifecycleService) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	return s.store.List(ensureContext(ctx))
}

// LeaveSession removes userID from the roster. A departing speaker's slot is
// closed and a departing host hands over to the failover successor. The last
// participant cannot empty the roster; their leaving ends the meeting instead.
func (s *SessionLifecycleService) LeaveSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	userID = normaliseID(userID)
	now := s.timeNow().UnixMilli()
	promoted := ""

	doc, err := s.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		promoted = ""
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if !doc.IsParticipant(userID) {
			return nil, nil
		}

		if doc.ActiveSpeakerID == userID {
			closeSlot(doc, now)
		}

		if userID == doc.HostID {
			successor := pickSuccessor(doc, userID, false)
			if successor == "" {
				closeSlot(doc, now)
				doc.Status = models.SessionStatusFinished
				return doc, nil
			}
			transferHost(doc, successor, now)
			promoted = successor
		}

		delete(doc.Participants, userID)
		delete(doc.Presence, userID)
		doc.SpokenUserIDs = removeString(doc.SpokenUserIDs, userID)
		if len(doc.Participants) > 0 && len(doc.SpokenUserIDs) >= len(doc.Participants) {
			doc.SpokenUserIDs = []string{}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	if promoted != "" {
		metrics.HostPromotions.WithLabelValues("leave").Inc()
		s.log.Info("host left, role handed over",
			logger.SessionID(sessionID),
			zap.String("previous_host_id", userID),
			zap.String("host_id", promoted),
		)
	}
	return doc, nil
}

// SetHandRaised writes the hand flag of userID. Concurrent writes resolve last-write-wins.
func (s *SessionLifecycleService) SetHandRaised(ctx context.Context, sessionID, userID string, raised bool) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	return s.updateHand(ctx, sessionID, userID, func(bool) bool { return raised })
}

// ToggleHandRaise flips the hand flag of userID.
func (s *SessionLifecycleService) ToggleHandRaise(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if s == nil {
		return nil, ErrLifecycleServiceNotInitialised
	}
	return s.updateHand(ctx, sessionID, userID, func(current bool) bool { return !current })
}

func (s *SessionLifecycleService) updateHand(ctx context.Context, sessionID, userID string, next func(bool) bool) (*models.Session, error) {
	userID = normaliseID(userID)
	return s.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if doc.Status == models.SessionStatusFinished {
			return nil, apperrors.ErrSessionFinished
		}
		p, ok := doc.Participants[userID]
		if !ok {
			return nil, apperrors.ErrNotAParticipant
		}
		raised := next(p.IsHandRaised)
		if raised == p.IsHandRaised {
			return nil, nil
		}
		p.IsHandRaised = raised
		return doc, nil
	})
}

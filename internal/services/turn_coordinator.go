package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/store"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/logger"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

// OverwritePolicy decides what selecting a speaker does while someone else
// still holds the floor.
type OverwritePolicy string

const (
	// OverwriteReplace closes the running slot into its owner's history and
	// hands the floor to the new speaker.
	OverwriteReplace OverwritePolicy = "overwrite"
	// OverwriteReject refuses the selection with ErrSpeakerActive.
	OverwriteReject OverwritePolicy = "reject"
)

// ParseOverwritePolicy maps a configuration value onto a policy.
func ParseOverwritePolicy(value string) (OverwritePolicy, error) {
	switch OverwritePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", OverwriteReplace:
		return OverwriteReplace, nil
	case OverwriteReject:
		return OverwriteReject, nil
	default:
		return "", fmt.Errorf("turn coordinator: unknown speaker overwrite policy %q", value)
	}
}

// ErrTurnCoordinatorNotInitialised is returned when a nil coordinator is used.
var ErrTurnCoordinatorNotInitialised = errors.New("turn coordinator: service not initialised")

// TurnCoordinator hands the floor from speaker to speaker and tracks who has
// spoken in the current round.
type TurnCoordinator struct {
	store     store.Store
	policy    Policy
	overwrite OverwritePolicy
	timeNow   func() time.Time
	log       *zap.Logger
}

// TurnCoordinatorOption customises the coordinator.
type TurnCoordinatorOption func(*TurnCoordinator)

// WithTurnClock overrides the clock used for slot deadlines (test helper).
func WithTurnClock(clock func() time.Time) TurnCoordinatorOption {
	return func(c *TurnCoordinator) {
		if clock != nil {
			c.timeNow = clock
		}
	}
}

// WithOverwritePolicy selects the behaviour when the floor is already taken.
func WithOverwritePolicy(policy OverwritePolicy) TurnCoordinatorOption {
	return func(c *TurnCoordinator) {
		if policy != "" {
			c.overwrite = policy
		}
	}
}

// WithTurnPolicy sets the caller rules enforced for AsUser calls.
func WithTurnPolicy(policy Policy) TurnCoordinatorOption {
	return func(c *TurnCoordinator) {
		c.policy = policy
	}
}

// NewTurnCoordinator constructs a coordinator over st.
func NewTurnCoordinator(st store.Store, opts ...TurnCoordinatorOption) (*TurnCoordinator, error) {
	if st == nil {
		return nil, errors.New("turn coordinator: store is required")
	}
	c := &TurnCoordinator{
		store:     st,
		policy:    NewPolicy(DefaultMinParticipantsToStart),
		overwrite: OverwriteReplace,
		timeNow:   time.Now,
		log:       logger.WithModule("turns"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SelectNextSpeaker gives candidateID the floor for one slot and records them
// as spoken. When the spoken set reaches the roster size the round resets.
func (c *TurnCoordinator) SelectNextSpeaker(ctx context.Context, sessionID, candidateID string, opts ...CallOption) (*models.Session, error) {
	if c == nil {
		return nil, ErrTurnCoordinatorNotInitialised
	}
	call := buildCallOptions(opts)
	candidateID = normaliseID(candidateID)
	roundReset := false

	doc, err := c.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		roundReset = false
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if err := requireActive(doc); err != nil {
			return nil, err
		}
		if call.authorized() {
			if err := c.policy.AuthorizeSelectSpeaker(doc, call.actorID); err != nil {
				return nil, err
			}
		}
		if !doc.IsParticipant(candidateID) {
			return nil, apperrors.ErrNotAParticipant
		}
		if doc.HasSpoken(candidateID) {
			return nil, apperrors.ErrAlreadySpoken
		}

		now := c.timeNow().UnixMilli()
		if doc.HasActiveSpeaker() {
			if c.overwrite == OverwriteReject {
				return nil, apperrors.ErrSpeakerActive
			}
			closeSlot(doc, now)
		}

		doc.ActiveSpeakerID = candidateID
		doc.SlotEndsAt = now + int64(doc.SlotDurationSeconds)*1000
		doc.Participants[candidateID].IsHandRaised = false

		spoken := append(doc.SpokenUserIDs, candidateID)
		if len(spoken) >= len(doc.Participants) {
			spoken = []string{}
			roundReset = true
		}
		doc.SpokenUserIDs = spoken
		return doc, nil
	})
	if err != nil {
		metrics.SpeakerSelections.WithLabelValues(selectionResult(err)).Inc()
		return nil, err
	}

	metrics.SpeakerSelections.WithLabelValues("success").Inc()
	if roundReset {
		metrics.RoundsCompleted.Inc()
	}
	c.log.Debug("speaker selected",
		logger.SessionID(sessionID),
		logger.UserID(candidateID),
		zap.Bool("round_reset", roundReset),
	)
	return doc, nil
}

// EndCurrentSlot clears the floor, keeping the round's spoken set.
func (c *TurnCoordinator) EndCurrentSlot(ctx context.Context, sessionID string, opts ...CallOption) (*models.Session, error) {
	if c == nil {
		return nil, ErrTurnCoordinatorNotInitialised
	}
	call := buildCallOptions(opts)

	return c.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if !doc.HasActiveSpeaker() {
			return nil, nil
		}
		if call.authorized() {
			if err := c.policy.AuthorizeEndSlot(doc, call.actorID); err != nil {
				return nil, err
			}
		}
		closeSlot(doc, c.timeNow().UnixMilli())
		return doc, nil
	})
}

// EndMeeting finishes the session. Ending a finished meeting changes nothing.
func (c *TurnCoordinator) EndMeeting(ctx context.Context, sessionID string, opts ...CallOption) (*models.Session, error) {
	if c == nil {
		return nil, ErrTurnCoordinatorNotInitialised
	}
	call := buildCallOptions(opts)

	doc, err := c.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if doc.Status == models.SessionStatusFinished {
			return nil, nil
		}
		if call.authorized() {
			if err := c.policy.AuthorizeEndMeeting(doc, call.actorID); err != nil {
				return nil, err
			}
		}
		closeSlot(doc, c.timeNow().UnixMilli())
		doc.Status = models.SessionStatusFinished
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("meeting ended", logger.SessionID(sessionID))
	return doc, nil
}

func requireActive(doc *models.Session) error {
	switch doc.Status {
	case models.SessionStatusActive:
		return nil
	case models.SessionStatusFinished:
		return apperrors.ErrSessionFinished
	default:
		return apperrors.ErrInvalidTransition.WithMessage("The meeting has not started yet")
	}
}

func selectionResult(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrAlreadySpoken):
		return "already_spoken"
	case errors.Is(err, apperrors.ErrNotAParticipant):
		return "not_participant"
	case errors.Is(err, apperrors.ErrTransientStore):
		return "busy"
	default:
		return "rejected"
	}
}

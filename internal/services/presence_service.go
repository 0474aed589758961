package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/internal/cache"
	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/projection"
	"github.com/ticktalk/ticktalk/internal/store"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/logger"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

// DefaultLeaseTTL is how long a heartbeat keeps a participant online.
const DefaultLeaseTTL = 30 * time.Second

// ErrPresenceServiceNotInitialised is returned when a nil service is used.
var ErrPresenceServiceNotInitialised = errors.New("presence service: service not initialised")

// PresenceService tracks participant liveness through TTL leases and moves
// the host role away from a host whose connection is gone.
type PresenceService struct {
	store        store.Store
	leases       cache.Store
	policy       Policy
	leaseTTL     time.Duration
	preferOnline bool
	timeNow      func() time.Time
	log          *zap.Logger
}

// PresenceOption customises the presence service.
type PresenceOption func(*PresenceService)

// WithPresenceClock overrides the clock (test helper).
func WithPresenceClock(clock func() time.Time) PresenceOption {
	return func(s *PresenceService) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// WithLeaseTTL overrides how long a heartbeat lasts.
func WithLeaseTTL(ttl time.Duration) PresenceOption {
	return func(s *PresenceService) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithOnlineSuccessorPreference makes host failover pick among participants
// not marked offline before falling back to the whole roster.
func WithOnlineSuccessorPreference(enabled bool) PresenceOption {
	return func(s *PresenceService) {
		s.preferOnline = enabled
	}
}

// WithPresencePolicy sets the caller rules enforced for AsUser calls.
func WithPresencePolicy(policy Policy) PresenceOption {
	return func(s *PresenceService) {
		s.policy = policy
	}
}

// NewPresenceService constructs the service over the document store and a lease cache.
func NewPresenceService(st store.Store, leases cache.Store, opts ...PresenceOption) (*PresenceService, error) {
	if st == nil {
		return nil, errors.New("presence service: store is required")
	}
	if leases == nil {
		return nil, errors.New("presence service: lease cache is required")
	}
	s := &PresenceService{
		store:    st,
		leases:   leases,
		policy:   NewPolicy(DefaultMinParticipantsToStart),
		leaseTTL: DefaultLeaseTTL,
		timeNow:  time.Now,
		log:      logger.WithModule("presence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func leaseKey(sessionID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", sessionID, userID)
}

// Heartbeat renews the lease of userID and then marks them online. The lease
// is written first so a concurrent Sweep never sees an online entry without
// one. While the user stays online lastSeenAt is refreshed at most once per
// half lease.
func (s *PresenceService) Heartbeat(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if s == nil {
		return nil, ErrPresenceServiceNotInitialised
	}
	ctx = ensureContext(ctx)
	userID = normaliseID(userID)
	key := leaseKey(sessionID, userID)

	if err := s.leases.Set(ctx, key, []byte("1"), s.leaseTTL); err != nil {
		return nil, fmt.Errorf("presence service: renew lease: %w", err)
	}

	now := s.timeNow().UnixMilli()
	refreshAfter := (s.leaseTTL / 2).Milliseconds()
	changed := false

	doc, err := s.store.Transact(ctx, sessionID, func(doc *models.Session) (*models.Session, error) {
		changed = false
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if !doc.IsParticipant(userID) {
			return nil, apperrors.ErrNotAParticipant
		}
		if entry, ok := doc.Presence[userID]; ok && entry.Status == models.PresenceOnline {
			if now-entry.LastSeenAt < refreshAfter {
				return nil, nil
			}
		} else {
			changed = true
		}
		if doc.Presence == nil {
			doc.Presence = map[string]models.PresenceEntry{}
		}
		doc.Presence[userID] = models.PresenceEntry{Status: models.PresenceOnline, LastSeenAt: now}
		return doc, nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) || errors.Is(err, apperrors.ErrNotAParticipant) {
			if delErr := s.leases.Delete(ctx, key); delErr != nil {
				s.log.Warn("failed to drop presence lease", logger.SessionID(sessionID), logger.UserID(userID), zap.Error(delErr))
			}
		}
		return nil, err
	}

	if changed {
		metrics.PresenceTransitions.WithLabelValues(string(models.PresenceOnline)).Inc()
		s.log.Debug("participant online", logger.SessionID(sessionID), logger.UserID(userID))
	}
	return doc, nil
}

// Disconnect drops the lease of userID, marks them offline and, when they
// host the session, hands the role to a successor.
func (s *PresenceService) Disconnect(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if s == nil {
		return nil, ErrPresenceServiceNotInitialised
	}
	ctx = ensureContext(ctx)
	userID = normaliseID(userID)

	if err := s.leases.Delete(ctx, leaseKey(sessionID, userID)); err != nil {
		s.log.Warn("failed to drop presence lease", logger.SessionID(sessionID), logger.UserID(userID), zap.Error(err))
	}

	doc, err := s.markOffline(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if doc.HostID == userID {
		promotedDoc, _, err := s.PromoteHostOnDisconnect(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		doc = promotedDoc
	}
	return doc, nil
}

func (s *PresenceService) markOffline(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	now := s.timeNow().UnixMilli()
	changed := false

	doc, err := s.store.Transact(ctx, sessionID, func(doc *models.Session) (*models.Session, error) {
		changed = false
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if !doc.IsParticipant(userID) {
			return nil, nil
		}
		if entry, ok := doc.Presence[userID]; ok && entry.Status == models.PresenceOffline {
			return nil, nil
		}
		if doc.Presence == nil {
			doc.Presence = map[string]models.PresenceEntry{}
		}
		doc.Presence[userID] = models.PresenceEntry{Status: models.PresenceOffline, LastSeenAt: now}
		changed = true
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.PresenceTransitions.WithLabelValues(string(models.PresenceOffline)).Inc()
		s.log.Debug("participant offline", logger.SessionID(sessionID), logger.UserID(userID))
	}
	return doc, nil
}

// PromoteHostOnDisconnect replaces currentHostID as host when it still is the
// host. The successor is the lexicographically smallest remaining participant;
// see WithOnlineSuccessorPreference. It is a no-op when the host has already
// changed or nobody else is present, so repeated calls are harmless.
func (s *PresenceService) PromoteHostOnDisconnect(ctx context.Context, sessionID, currentHostID string) (*models.Session, bool, error) {
	if s == nil {
		return nil, false, ErrPresenceServiceNotInitialised
	}
	currentHostID = normaliseID(currentHostID)
	now := s.timeNow().UnixMilli()
	successor := ""

	doc, err := s.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		successor = ""
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if doc.HostID != currentHostID {
			return nil, nil
		}
		next := pickSuccessor(doc, currentHostID, s.preferOnline)
		if next == "" {
			return nil, nil
		}
		transferHost(doc, next, now)
		successor = next
		return doc, nil
	})
	if err != nil {
		return nil, false, err
	}
	if successor == "" {
		return doc, false, nil
	}

	metrics.HostPromotions.WithLabelValues("failover").Inc()
	s.log.Info("host disconnected, role handed over",
		logger.SessionID(sessionID),
		zap.String("previous_host_id", currentHostID),
		zap.String("host_id", successor),
	)
	return doc, true, nil
}

// PromoteHost hands the host role to newHostID explicitly.
func (s *PresenceService) PromoteHost(ctx context.Context, sessionID, newHostID string, opts ...CallOption) (*models.Session, error) {
	if s == nil {
		return nil, ErrPresenceServiceNotInitialised
	}
	call := buildCallOptions(opts)
	newHostID = normaliseID(newHostID)
	now := s.timeNow().UnixMilli()
	changed := false

	doc, err := s.store.Transact(ensureContext(ctx), sessionID, func(doc *models.Session) (*models.Session, error) {
		changed = false
		if doc == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		if call.authorized() {
			if err := s.policy.AuthorizePromoteHost(doc, call.actorID); err != nil {
				return nil, err
			}
		}
		if !doc.IsParticipant(newHostID) {
			return nil, apperrors.ErrNotAParticipant
		}
		if doc.HostID == newHostID {
			return nil, nil
		}
		transferHost(doc, newHostID, now)
		changed = true
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.HostPromotions.WithLabelValues("handover").Inc()
		s.log.Info("host role handed over", logger.SessionID(sessionID), zap.String("host_id", newHostID))
	}
	return doc, nil
}

// SpeakerDisconnected reports whether the current speaker has lost their
// connection. The floor is never reassigned automatically; callers surface
// the signal to the host.
func (s *PresenceService) SpeakerDisconnected(doc *models.Session) bool {
	return projection.SpeakerDisconnected(doc)
}

// Sweep marks online participants whose lease expired as offline and runs
// host failover for hosts among them. It returns how many participants went offline.
func (s *PresenceService) Sweep(ctx context.Context) (int, error) {
	if s == nil {
		return 0, ErrPresenceServiceNotInitialised
	}
	ctx = ensureContext(ctx)

	summaries, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    error
	)
	for _, summary := range summaries {
		if summary.Status == models.SessionStatusFinished {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, multierr.Append(errs, err)
		}
		n, err := s.sweepSession(ctx, summary.ID)
		expired += n
		errs = multierr.Append(errs, err)
	}
	return expired, errs
}

func (s *PresenceService) sweepSession(ctx context.Context, sessionID string) (int, error) {
	doc, err := s.store.Read(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var (
		expired int
		errs    error
	)
	for _, userID := range doc.ParticipantIDs() {
		if !doc.IsOnline(userID) {
			continue
		}
		_, alive, err := s.leases.Get(ctx, leaseKey(sessionID, userID))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if alive {
			continue
		}

		s.log.Info("presence lease expired", logger.SessionID(sessionID), logger.UserID(userID))
		updated, err := s.markOffline(ctx, sessionID, userID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		expired++

		if updated.HostID == userID {
			if _, _, err := s.PromoteHostOnDisconnect(ctx, sessionID, userID); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return expired, errs
}

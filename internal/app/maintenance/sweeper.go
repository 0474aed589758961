package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/pkg/logger"
)

const (
	defaultPresenceSpec = "@every 10s"
	defaultPurgeSpec    = "@hourly"
	defaultJobTimeout   = time.Minute
)

// PresenceSweeper expires stale participant leases.
type PresenceSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ExpiredPurger removes expired cache rows.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper runs background upkeep: expiring presence leases so hosts fail over
// when their connection silently drops, and purging expired cache rows.
type Sweeper struct {
	presence PresenceSweeper
	purger   ExpiredPurger
	cron     *cron.Cron
	log      *zap.Logger
	timeout  time.Duration

	presenceSchedule string
	purgeSchedule    string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithPresenceSchedule overrides the cron specification for the presence sweep.
func WithPresenceSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.presenceSchedule = spec
		}
	}
}

// WithPurgeSchedule overrides the cron specification for the cache purge.
func WithPurgeSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.purgeSchedule = spec
		}
	}
}

// WithJobTimeout bounds a single scheduled run.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Sweeper) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewSweeper constructs a Sweeper. A nil dependency skips the matching job.
func NewSweeper(presence PresenceSweeper, purger ExpiredPurger, opts ...Option) *Sweeper {
	s := &Sweeper{
		presence:         presence,
		purger:           purger,
		timeout:          defaultJobTimeout,
		presenceSchedule: defaultPresenceSpec,
		purgeSchedule:    defaultPurgeSpec,
		log:              logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the jobs and launches the scheduler when at least one job is enabled.
func (s *Sweeper) Start() error {
	if s.presence == nil && s.purger == nil {
		return nil
	}

	if s.presence != nil {
		if _, err := s.cron.AddFunc(s.presenceSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			s.sweepPresence(ctx)
		}); err != nil {
			return err
		}
	}

	if s.purger != nil {
		if _, err := s.cron.AddFunc(s.purgeSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if _, err := s.purger.PurgeExpired(ctx); err != nil {
				s.log.Warn("cache purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.presence != nil {
		if _, err := s.presence.Sweep(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if s.purger != nil {
		if _, err := s.purger.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Sweeper) sweepPresence(ctx context.Context) {
	expired, err := s.presence.Sweep(ctx)
	if err != nil {
		s.log.Warn("presence sweep failed", zap.Int("expired", expired), zap.Error(err))
		return
	}
	if expired > 0 {
		s.log.Info("presence sweep expired leases", zap.Int("expired", expired))
	}
}

// Package store holds the authoritative session documents and mutates them
// only through optimistic compare-and-swap transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/internal/models"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/logger"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

const (
	DefaultMaxRetries   = 16
	DefaultRetryBackoff = 5 * time.Millisecond
)

// TransformFunc receives a private copy of the current document, or nil when
// the session does not exist. Returning (nil, nil) leaves the document
// untouched; returning an error rejects the transaction and the error is
// handed back to the caller as is.
type TransformFunc func(current *models.Session) (*models.Session, error)

// SubscribeFunc observes a session. It is called with the current document
// first and then after every commit. Callbacks for one subscription never
// overlap.
type SubscribeFunc func(doc *models.Session, err error)

// Store is the session store adapter consumed by the services.
type Store interface {
	Create(ctx context.Context, id string, doc *models.Session) error
	Read(ctx context.Context, id string) (*models.Session, error)
	Transact(ctx context.Context, id string, fn TransformFunc) (*models.Session, error)
	Subscribe(ctx context.Context, id string, fn SubscribeFunc) (unsubscribe func(), err error)
	List(ctx context.Context) ([]models.SessionSummary, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*DatabaseStore)(nil)
)

// errVersionConflict reports that the stored version moved underneath a commit.
var errVersionConflict = errors.New("store: version conflict")

// backend is the storage primitive a concrete store provides to the engine.
type backend interface {
	// load returns the stored document or (nil, nil) when absent.
	load(ctx context.Context, id string) (*models.Session, error)
	// swap writes next when the stored version still equals expected; zero
	// expected means the row must not exist yet.
	swap(ctx context.Context, id string, expected int64, next *models.Session) error
	list(ctx context.Context) ([]models.SessionSummary, error)
}

// Option customises a store.
type Option func(*options)

type options struct {
	maxRetries int
	backoff    time.Duration
	broker     *Broker
	now        func() time.Time
}

// WithMaxRetries bounds the attempts of one transaction.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base pause between conflicting attempts. Zero disables the pause.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithBroker shares a commit broker between stores.
func WithBroker(b *Broker) Option {
	return func(o *options) {
		if b != nil {
			o.broker = b
		}
	}
}

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.broker == nil {
		o.broker = NewBroker()
	}
	return o
}

// engine implements Store on top of a backend.
type engine struct {
	backend backend
	opts    options
	tracer  trace.Tracer
	log     *zap.Logger
}

func newEngine(b backend, opts options) *engine {
	return &engine{
		backend: b,
		opts:    opts,
		tracer:  otel.Tracer("github.com/ticktalk/ticktalk/internal/store"),
		log:     logger.WithModule("store"),
	}
}

// Create writes a brand new document at version 1.
func (e *engine) Create(ctx context.Context, id string, doc *models.Session) error {
	ctx = ensureContext(ctx)
	if id == "" || doc == nil {
		return apperrors.NewBadRequest("session id and document are required")
	}

	next := doc.Clone()
	next.ID = id
	next.Version = 1
	if err := next.CheckInvariants(); err != nil {
		return apperrors.ErrInternalServer.WithInternal(err)
	}

	ctx, span := e.tracer.Start(ctx, "store.Create", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	if err := e.backend.swap(ctx, id, 0, next); err != nil {
		if errors.Is(err, errVersionConflict) {
			return apperrors.ErrAlreadyExists.WithInternal(fmt.Errorf("session %s", id))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.opts.broker.Publish(next)
	return nil
}

// Read returns a copy of the stored document.
func (e *engine) Read(ctx context.Context, id string) (*models.Session, error) {
	doc, err := e.backend.load(ensureContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperrors.ErrSessionNotFound
	}
	return doc, nil
}

// List returns summaries for every stored session, newest first.
func (e *engine) List(ctx context.Context) ([]models.SessionSummary, error) {
	return e.backend.list(ensureContext(ctx))
}

// Transact runs fn against the latest document and commits the result with
// compare-and-swap, re-running fn on conflict until the retry budget runs out.
func (e *engine) Transact(ctx context.Context, id string, fn TransformFunc) (*models.Session, error) {
	ctx = ensureContext(ctx)
	if fn == nil {
		return nil, errors.New("store: transform is required")
	}

	ctx, span := e.tracer.Start(ctx, "store.Transact", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	for attempt := 1; attempt <= e.opts.maxRetries; attempt++ {
		span.SetAttributes(attribute.Int("store.attempts", attempt))

		if err := ctx.Err(); err != nil {
			return nil, e.fail(span, "error", attempt, err)
		}

		current, err := e.backend.load(ctx, id)
		if err != nil {
			return nil, e.fail(span, "error", attempt, err)
		}

		next, err := fn(current.Clone())
		if err != nil {
			metrics.StoreTransactions.WithLabelValues("rejected").Inc()
			metrics.StoreTransactionAttempts.Observe(float64(attempt))
			return nil, err
		}
		if next == nil {
			metrics.StoreTransactions.WithLabelValues("unchanged").Inc()
			metrics.StoreTransactionAttempts.Observe(float64(attempt))
			return current, nil
		}

		var expected int64
		if current != nil {
			expected = current.Version
		}
		next.ID = id
		next.Version = expected + 1
		if err := next.CheckInvariants(); err != nil {
			return nil, e.fail(span, "error", attempt, apperrors.ErrInternalServer.WithInternal(err))
		}

		err = e.backend.swap(ctx, id, expected, next)
		if errors.Is(err, errVersionConflict) {
			e.log.Debug("transaction conflict, retrying",
				logger.SessionID(id),
				zap.Int("attempt", attempt),
			)
			if err := e.pause(ctx, attempt); err != nil {
				return nil, e.fail(span, "error", attempt, err)
			}
			continue
		}
		if err != nil {
			return nil, e.fail(span, "error", attempt, err)
		}

		metrics.StoreTransactions.WithLabelValues("committed").Inc()
		metrics.StoreTransactionAttempts.Observe(float64(attempt))
		e.opts.broker.Publish(next)
		return next.Clone(), nil
	}

	e.log.Warn("transaction retries exhausted",
		logger.SessionID(id),
		zap.Int("attempt", e.opts.maxRetries),
	)
	return nil, e.fail(span, "exhausted", e.opts.maxRetries,
		apperrors.ErrTransientStore.WithInternal(fmt.Errorf("gave up after %d attempts", e.opts.maxRetries)))
}

// Subscribe registers fn for commits on id and delivers the current document.
func (e *engine) Subscribe(ctx context.Context, id string, fn SubscribeFunc) (func(), error) {
	ctx = ensureContext(ctx)
	if fn == nil {
		return nil, errors.New("store: subscriber callback is required")
	}

	sub := e.opts.broker.subscribe(id, fn)

	current, err := e.backend.load(ctx, id)
	switch {
	case err != nil:
		sub.offerError(err)
	case current == nil:
		sub.offerError(apperrors.ErrSessionNotFound)
	default:
		sub.offer(current)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.close()
		case <-sub.done:
		}
	}()

	return sub.close, nil
}

func (e *engine) fail(span trace.Span, outcome string, attempt int, err error) error {
	metrics.StoreTransactions.WithLabelValues(outcome).Inc()
	metrics.StoreTransactionAttempts.Observe(float64(attempt))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// pause sleeps a jittered, linearly growing interval between attempts.
func (e *engine) pause(ctx context.Context, attempt int) error {
	if e.opts.backoff <= 0 {
		return ctx.Err()
	}
	wait := e.opts.backoff*time.Duration(attempt)/2 + time.Duration(rand.Int64N(int64(e.opts.backoff)))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

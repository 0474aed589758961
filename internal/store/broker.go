package store

import (
	"sync"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/pkg/metrics"
)

// Broker fans committed documents out to in-process subscribers. Publish
// never blocks: each subscriber keeps only the newest undelivered document.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Publish hands doc to every subscriber of doc.ID.
func (b *Broker) Publish(doc *models.Session) {
	if b == nil || doc == nil {
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[doc.ID]))
	for sub := range b.subs[doc.ID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(doc)
	}
}

// Subscribers reports how many subscriptions are open for id.
func (b *Broker) Subscribers(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}

func (b *Broker) subscribe(id string, fn SubscribeFunc) *subscription {
	sub := &subscription{
		id:     id,
		fn:     fn,
		broker: b,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[*subscription]struct{})
	}
	b.subs[id][sub] = struct{}{}
	b.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	go sub.run()
	return sub
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.id]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.id)
	}
}

type subscription struct {
	id     string
	fn     SubscribeFunc
	broker *Broker

	mu        sync.Mutex
	pending   *models.Session
	pendErr   error
	delivered int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// offer queues doc unless something at least as new is already queued or delivered.
func (s *subscription) offer(doc *models.Session) {
	s.mu.Lock()
	if doc.Version <= s.delivered || (s.pending != nil && doc.Version <= s.pending.Version) {
		s.mu.Unlock()
		return
	}
	s.pending = doc.Clone()
	s.pendErr = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) offerError(err error) {
	s.mu.Lock()
	if s.pending == nil {
		s.pendErr = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		doc, err := s.pending, s.pendErr
		s.pending, s.pendErr = nil, nil
		if doc != nil {
			s.delivered = doc.Version
		}
		s.mu.Unlock()

		if doc == nil && err == nil {
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(doc, err)
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broker.remove(s)
		metrics.ActiveSubscriptions.Dec()
	})
}

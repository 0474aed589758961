package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/cache"
	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testStack struct {
	clock     *testClock
	store     *store.MemoryStore
	leases    *cache.MemoryStore
	lifecycle *SessionLifecycleService
	turns     *TurnCoordinator
	presence  *PresenceService
}

func newTestStack(t *testing.T, turnOpts ...TurnCoordinatorOption) *testStack {
	t.Helper()

	clock := newTestClock()
	st := store.NewMemoryStore(store.WithMaxRetries(1000), store.WithRetryBackoff(0))
	leases := cache.NewMemoryStore(clock.Now)

	ids := 0
	lifecycle, err := NewSessionLifecycleService(st,
		WithLifecycleClock(clock.Now),
		WithSessionIDGenerator(func() string {
			ids++
			return "session-" + string(rune('0'+ids))
		}),
	)
	require.NoError(t, err)

	turns, err := NewTurnCoordinator(st, append([]TurnCoordinatorOption{WithTurnClock(clock.Now)}, turnOpts...)...)
	require.NoError(t, err)

	presence, err := NewPresenceService(st, leases, WithPresenceClock(clock.Now), WithLeaseTTL(30*time.Second))
	require.NoError(t, err)

	return &testStack{
		clock:     clock,
		store:     st,
		leases:    leases,
		lifecycle: lifecycle,
		turns:     turns,
		presence:  presence,
	}
}

// meeting creates a session hosted by hostID, joins the others and starts it.
func (s *testStack) meeting(t *testing.T, hostID string, others ...string) *models.Session {
	t.Helper()
	ctx := context.Background()

	doc, err := s.lifecycle.CreateSession(ctx, CreateSessionParams{HostID: hostID, HostName: "Host " + hostID, SlotDurationSeconds: 60})
	require.NoError(t, err)
	for _, id := range others {
		_, err := s.lifecycle.JoinSession(ctx, doc.ID, id, "Guest "+id)
		require.NoError(t, err)
	}
	doc, err = s.lifecycle.StartMeeting(ctx, doc.ID)
	require.NoError(t, err)
	return doc
}

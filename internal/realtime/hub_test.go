package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/store"
)

type recordingPresence struct {
	mu          sync.Mutex
	heartbeats  map[string]int
	disconnects map[string]int
}

func newRecordingPresence() *recordingPresence {
	return &recordingPresence{heartbeats: map[string]int{}, disconnects: map[string]int{}}
}

func (p *recordingPresence) Heartbeat(_ context.Context, _ string, userID string) (*models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats[userID]++
	return nil, nil
}

func (p *recordingPresence) Disconnect(_ context.Context, _ string, userID string) (*models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects[userID]++
	return nil, nil
}

func (p *recordingPresence) counts(userID string) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats[userID], p.disconnects[userID]
}

// flakyStore fails Subscribe while failSubscribe is set.
type flakyStore struct {
	store.Store
	failSubscribe atomic.Bool
}

func (s *flakyStore) Subscribe(ctx context.Context, id string, fn store.SubscribeFunc) (func(), error) {
	if s.failSubscribe.Load() {
		return nil, errors.New("subscribe unavailable")
	}
	return s.Store.Subscribe(ctx, id, fn)
}

type feedFixture struct {
	hub      *Hub
	feed     *SessionFeed
	store    *store.MemoryStore
	flaky    *flakyStore
	presence *recordingPresence
	server   *httptest.Server
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()

	st := store.NewMemoryStore(store.WithRetryBackoff(0))
	require.NoError(t, st.Create(context.Background(), "s1", &models.Session{
		HostID:              "alice",
		CreatedAt:           1,
		SlotDurationSeconds: 60,
		Status:              models.SessionStatusActive,
		SpokenUserIDs:       []string{},
		Participants: map[string]*models.Participant{
			"alice": {Name: "Alice", Role: models.RoleHost},
			"bob":   {Name: "Bob", Role: models.RoleParticipant},
		},
	}))

	hub := NewHub()
	presence := newRecordingPresence()
	flaky := &flakyStore{Store: st}
	feed := NewSessionFeed(hub, flaky, presence)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(SessionStream("s1"), r.URL.Query().Get("user"), feed.Hooks(), w, r)
	}))
	t.Cleanup(server.Close)

	return &feedFixture{hub: hub, feed: feed, store: st, flaky: flaky, presence: presence, server: server}
}

func (f *feedFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func awaitEvent(t *testing.T, conn *websocket.Conn, event string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestFeedPushesCurrentDocumentOnConnect(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "alice")

	msg := awaitEvent(t, conn, EventSessionUpdated)
	require.Equal(t, "session:s1", msg.Stream)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "s1", data["id"])
	require.True(t, f.feed.Watching("s1"))

	require.Eventually(t, func() bool {
		heartbeats, _ := f.presence.counts("alice")
		return heartbeats == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeedNotifiesNewHost(t *testing.T) {
	f := newFeedFixture(t)
	alice := f.dial(t, "alice")
	awaitEvent(t, alice, EventSessionUpdated)
	bob := f.dial(t, "bob")
	awaitEvent(t, bob, EventSessionUpdated)

	_, err := f.store.Transact(context.Background(), "s1", func(doc *models.Session) (*models.Session, error) {
		doc.Participants["alice"].Role = models.RoleParticipant
		doc.Participants["bob"].Role = models.RoleHost
		doc.HostID = "bob"
		return doc, nil
	})
	require.NoError(t, err)

	msg := awaitEvent(t, bob, EventHostChanged)
	data := msg.Data.(map[string]any)
	require.Equal(t, "bob", data["hostId"])
	require.Equal(t, "alice", data["previousHostId"])
}

func TestFeedWarnsHostWhenSpeakerDrops(t *testing.T) {
	f := newFeedFixture(t)
	alice := f.dial(t, "alice")
	awaitEvent(t, alice, EventSessionUpdated)

	_, err := f.store.Transact(context.Background(), "s1", func(doc *models.Session) (*models.Session, error) {
		doc.ActiveSpeakerID = "bob"
		doc.SlotEndsAt = time.Now().Add(time.Minute).UnixMilli()
		doc.Presence = map[string]models.PresenceEntry{"bob": {Status: models.PresenceOffline}}
		return doc, nil
	})
	require.NoError(t, err)

	msg := awaitEvent(t, alice, EventSpeakerDisconnected)
	require.Equal(t, "bob", msg.Data.(map[string]any)["speakerId"])
}

func TestPingRenewsPresence(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "bob")
	awaitEvent(t, conn, EventSessionUpdated)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	awaitEvent(t, conn, "pong")

	heartbeats, _ := f.presence.counts("bob")
	require.Equal(t, 2, heartbeats)
}

func TestDisconnectRunsAfterLastConnection(t *testing.T) {
	f := newFeedFixture(t)
	first := f.dial(t, "bob")
	awaitEvent(t, first, EventSessionUpdated)
	second := f.dial(t, "bob")
	awaitEvent(t, second, EventSessionUpdated)
	require.Equal(t, 2, f.hub.Connections(SessionStream("s1"), "bob"))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return f.hub.Connections(SessionStream("s1"), "bob") == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, disconnects := f.presence.counts("bob")
	require.Zero(t, disconnects)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, disconnects := f.presence.counts("bob")
		return disconnects == 1 && !f.feed.Watching("s1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedSubscribeDoesNotReleaseOtherSockets(t *testing.T) {
	f := newFeedFixture(t)

	f.flaky.failSubscribe.Store(true)
	bob := f.dial(t, "bob")
	awaitEvent(t, bob, EventSessionError)
	require.False(t, f.feed.Watching("s1"))

	f.flaky.failSubscribe.Store(false)
	alice := f.dial(t, "alice")
	awaitEvent(t, alice, EventSessionUpdated)
	require.True(t, f.feed.Watching("s1"))

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		_, disconnects := f.presence.counts("bob")
		return disconnects == 1 && f.hub.Connections(SessionStream("s1"), "bob") == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return !f.feed.Watching("s1") }, 200*time.Millisecond, 10*time.Millisecond)

	_, err := f.store.Transact(context.Background(), "s1", func(doc *models.Session) (*models.Session, error) {
		doc.SlotDurationSeconds = 90
		return doc, nil
	})
	require.NoError(t, err)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, alice.ReadJSON(&msg))
		if msg.Event != EventSessionUpdated {
			continue
		}
		if data, ok := msg.Data.(map[string]any); ok && data["slotDurationSeconds"] == float64(90) {
			break
		}
	}
}

func TestSessionStreamNames(t *testing.T) {
	require.Equal(t, "session:abc", SessionStream(" abc "))

	id, ok := SessionIDFromStream("session:abc")
	require.True(t, ok)
	require.Equal(t, "abc", id)

	_, ok = SessionIDFromStream("notifications")
	require.False(t, ok)
	_, ok = SessionIDFromStream("session:")
	require.False(t, ok)
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/projection"
	"github.com/ticktalk/ticktalk/internal/store"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/logger"
)

const presenceCallTimeout = 5 * time.Second

// Presence is the liveness surface driven by socket activity.
type Presence interface {
	Heartbeat(ctx context.Context, sessionID, userID string) (*models.Session, error)
	Disconnect(ctx context.Context, sessionID, userID string) (*models.Session, error)
}

// SessionFeed bridges store subscriptions to hub streams. One store
// subscription is held per session while at least one socket watches it.
type SessionFeed struct {
	hub      *Hub
	store    store.Store
	presence Presence
	log      *zap.Logger

	mu    sync.Mutex
	feeds map[string]*sessionFeed
}

type sessionFeed struct {
	refs int
	// holders counts the references taken per user; sockets whose connect
	// failed hold none and must not release one.
	holders     map[string]int
	unsubscribe func()
	// previous is only touched from the subscription callback, which never overlaps itself.
	previous *models.Session
}

// NewSessionFeed wires hub to st. presence may be nil, in which case sockets
// do not affect liveness.
func NewSessionFeed(hub *Hub, st store.Store, presence Presence) *SessionFeed {
	return &SessionFeed{
		hub:      hub,
		store:    st,
		presence: presence,
		log:      logger.WithModule("realtime.feed"),
		feeds:    make(map[string]*sessionFeed),
	}
}

// Hooks returns the connection hooks to pass to Hub.Serve for session streams.
func (f *SessionFeed) Hooks() Hooks {
	return Hooks{
		OnConnect:    f.connect,
		OnPing:       f.ping,
		OnDisconnect: f.disconnect,
	}
}

// Watching reports whether a store subscription is open for sessionID.
func (f *SessionFeed) Watching(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.feeds[sessionID]
	return ok
}

func (f *SessionFeed) connect(stream, userID string) {
	sessionID, ok := SessionIDFromStream(stream)
	if !ok {
		return
	}

	first, err := f.acquire(stream, sessionID, userID)
	if err != nil {
		f.log.Warn("failed to subscribe to session", logger.SessionID(sessionID), zap.Error(err))
		f.hub.BroadcastToUser(stream, userID, errorMessage(err))
		return
	}

	doc := f.heartbeat(sessionID, userID)
	if doc == nil && !first {
		current, err := f.store.Read(context.Background(), sessionID)
		if err != nil {
			f.hub.BroadcastToUser(stream, userID, errorMessage(err))
			return
		}
		doc = current
	}
	if doc != nil {
		f.hub.BroadcastToUser(stream, userID, Message{Event: EventSessionUpdated, Data: doc})
	}
}

func (f *SessionFeed) ping(stream, userID string) {
	if sessionID, ok := SessionIDFromStream(stream); ok {
		f.heartbeat(sessionID, userID)
	}
}

func (f *SessionFeed) disconnect(stream, userID string, last bool) {
	sessionID, ok := SessionIDFromStream(stream)
	if !ok {
		return
	}

	if last && f.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
		if _, err := f.presence.Disconnect(ctx, sessionID, userID); err != nil && !errors.Is(err, apperrors.ErrSessionNotFound) {
			f.log.Warn("presence disconnect failed", logger.SessionID(sessionID), logger.UserID(userID), zap.Error(err))
		}
		cancel()
	}
	f.release(sessionID, userID)
}

func (f *SessionFeed) heartbeat(sessionID, userID string) *models.Session {
	if f.presence == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
	defer cancel()

	doc, err := f.presence.Heartbeat(ctx, sessionID, userID)
	if err != nil {
		f.log.Debug("presence heartbeat failed", logger.SessionID(sessionID), logger.UserID(userID), zap.Error(err))
		return nil
	}
	return doc
}

// acquire takes a reference on the session subscription for userID, opening
// it when it is the first. It reports whether this call opened the subscription.
func (f *SessionFeed) acquire(stream, sessionID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if feed, ok := f.feeds[sessionID]; ok {
		feed.refs++
		feed.holders[userID]++
		return false, nil
	}

	feed := &sessionFeed{refs: 1, holders: map[string]int{userID: 1}}
	unsubscribe, err := f.store.Subscribe(context.Background(), sessionID, func(doc *models.Session, err error) {
		f.deliver(stream, feed, doc, err)
	})
	if err != nil {
		return false, err
	}
	feed.unsubscribe = unsubscribe
	f.feeds[sessionID] = feed
	return true, nil
}

// release drops one reference held by userID. It is a no-op when userID
// holds none, which is the case for sockets whose acquire failed.
func (f *SessionFeed) release(sessionID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	feed, ok := f.feeds[sessionID]
	if !ok || feed.holders[userID] == 0 {
		return
	}
	feed.holders[userID]--
	if feed.holders[userID] == 0 {
		delete(feed.holders, userID)
	}
	feed.refs--
	if feed.refs > 0 {
		return
	}
	delete(f.feeds, sessionID)
	if feed.unsubscribe != nil {
		feed.unsubscribe()
	}
}

func (f *SessionFeed) deliver(stream string, feed *sessionFeed, doc *models.Session, err error) {
	if err != nil {
		f.hub.BroadcastStream(stream, errorMessage(err))
		return
	}

	previous := feed.previous
	feed.previous = doc

	f.hub.BroadcastStream(stream, Message{Event: EventSessionUpdated, Data: doc})

	if previous != nil && previous.HostID != doc.HostID {
		f.hub.BroadcastToUser(stream, doc.HostID, Message{
			Event: EventHostChanged,
			Data: map[string]any{
				"sessionId":      doc.ID,
				"hostId":         doc.HostID,
				"previousHostId": previous.HostID,
			},
		})
	}

	if projection.SpeakerDisconnected(doc) && !sameDisconnectedSpeaker(previous, doc) {
		f.hub.BroadcastToUser(stream, doc.HostID, Message{
			Event: EventSpeakerDisconnected,
			Data: map[string]any{
				"sessionId": doc.ID,
				"speakerId": doc.ActiveSpeakerID,
			},
		})
	}
}

func sameDisconnectedSpeaker(previous, doc *models.Session) bool {
	return previous != nil &&
		projection.SpeakerDisconnected(previous) &&
		previous.ActiveSpeakerID == doc.ActiveSpeakerID &&
		previous.HostID == doc.HostID
}

func errorMessage(err error) Message {
	appErr := apperrors.FromError(err)
	return Message{
		Event: EventSessionError,
		Data: map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	}
}

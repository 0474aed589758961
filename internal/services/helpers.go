package services

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/ticktalk/ticktalk/internal/models"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func normaliseID(value string) string {
	return strings.TrimSpace(value)
}

// CallOption adjusts a single service call.
type CallOption func(*callOptions)

type callOptions struct {
	actorID string
}

// AsUser runs the call on behalf of userID, enforcing the caller rules of the
// Policy inside the transaction. Calls without it are trusted system calls.
func AsUser(userID string) CallOption {
	return func(o *callOptions) {
		o.actorID = normaliseID(userID)
	}
}

func buildCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o callOptions) authorized() bool {
	return o.actorID != ""
}

// closeSlot moves the running slot into the speaker's history and clears the floor.
func closeSlot(doc *models.Session, nowMillis int64) {
	if !doc.HasActiveSpeaker() {
		return
	}

	speakerID := doc.ActiveSpeakerID
	startedAt := doc.SlotEndsAt - int64(doc.SlotDurationSeconds)*1000
	elapsed := nowMillis - startedAt
	if elapsed < 0 {
		elapsed = 0
	}
	duration := int(math.Round(float64(elapsed) / 1000))

	if p, ok := doc.Participants[speakerID]; ok {
		p.SpeakingHistory = append(p.SpeakingHistory, models.SpeakingEntry{
			UserID:          speakerID,
			StartedAt:       startedAt,
			DurationSeconds: duration,
		})
		p.TotalSpokeDurationSeconds += duration
	}

	doc.LastSpeakerID = speakerID
	doc.ActiveSpeakerID = ""
	doc.SlotEndsAt = 0
}

// pickSuccessor chooses the next host among everyone except leavingID: the
// lexicographically smallest id. With preferOnline, participants not marked
// offline are considered first.
func pickSuccessor(doc *models.Session, leavingID string, preferOnline bool) string {
	var online, all []string
	for id := range doc.Participants {
		if id == leavingID {
			continue
		}
		all = append(all, id)
		if entry, ok := doc.Presence[id]; !ok || entry.Status != models.PresenceOffline {
			online = append(online, id)
		}
	}

	pool := all
	if preferOnline && len(online) > 0 {
		pool = online
	}
	if len(pool) == 0 {
		return ""
	}
	sort.Strings(pool)
	return pool[0]
}

// transferHost hands the host role to successorID.
func transferHost(doc *models.Session, successorID string, nowMillis int64) {
	previous := doc.HostID
	if p, ok := doc.Participants[previous]; ok {
		p.Role = models.RoleParticipant
	}
	doc.Participants[successorID].Role = models.RoleHost
	doc.HostID = successorID
	doc.PreviousHostID = previous
	doc.HostChangedAt = nowMillis
}

func removeString(values []string, target string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

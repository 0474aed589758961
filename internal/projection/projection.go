// Package projection turns a session document into the read models a client
// renders: the roster, the speaker picker and the end-of-meeting summary.
package projection

import (
	"sort"
	"strings"
	"time"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/timer"
)

// ParticipantRow is one roster line.
type ParticipantRow struct {
	UserID          string                 `json:"userId"`
	Name            string                 `json:"name"`
	Role            models.ParticipantRole `json:"role"`
	IsHost          bool                   `json:"isHost"`
	IsHandRaised    bool                   `json:"isHandRaised"`
	IsActiveSpeaker bool                   `json:"isActiveSpeaker"`
	HasSpoken       bool                   `json:"hasSpoken"`
	Presence        models.PresenceStatus  `json:"presence,omitempty"`
}

// Candidate is a participant the floor can be handed to.
type Candidate struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	IsHandRaised bool   `json:"isHandRaised"`
}

// Candidates lists who may speak next.
type Candidates struct {
	Eligible         []Candidate `json:"eligible"`
	RemainingInRound int         `json:"remainingInRound"`
	OthersPresent    int         `json:"othersPresent"`
}

// SummaryRow is one participant's speaking totals.
type SummaryRow struct {
	UserID                    string `json:"userId"`
	Name                      string `json:"name"`
	TotalSpokeDurationSeconds int    `json:"totalSpokeDurationSeconds"`
	TurnCount                 int    `json:"turnCount"`
	HasOvertime               bool   `json:"hasOvertime"`
}

// Summary is the end-of-meeting report.
type Summary struct {
	Rows                 []SummaryRow `json:"rows"`
	TotalSpeakingSeconds int          `json:"totalSpeakingSeconds"`
	TotalTurns           int          `json:"totalTurns"`
}

// ParticipantRows orders the roster: active speaker, raised hands, then name.
func ParticipantRows(doc *models.Session) []ParticipantRow {
	if doc == nil {
		return nil
	}

	rows := make([]ParticipantRow, 0, len(doc.Participants))
	for id, p := range doc.Participants {
		row := ParticipantRow{
			UserID:          id,
			Name:            p.Name,
			Role:            p.Role,
			IsHost:          id == doc.HostID,
			IsHandRaised:    p.IsHandRaised,
			IsActiveSpeaker: id == doc.ActiveSpeakerID,
			HasSpoken:       doc.HasSpoken(id),
		}
		if entry, ok := doc.Presence[id]; ok {
			row.Presence = entry.Status
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.IsActiveSpeaker != b.IsActiveSpeaker {
			return a.IsActiveSpeaker
		}
		if a.IsHandRaised != b.IsHandRaised {
			return a.IsHandRaised
		}
		return nameLess(a.Name, a.UserID, b.Name, b.UserID)
	})
	return rows
}

// SpeakerCandidates lists everyone but the viewer who has not spoken this
// round, raised hands first.
func SpeakerCandidates(doc *models.Session, viewerID string) Candidates {
	out := Candidates{Eligible: []Candidate{}}
	if doc == nil {
		return out
	}

	for id, p := range doc.Participants {
		if id == viewerID {
			continue
		}
		out.OthersPresent++
		if doc.HasSpoken(id) {
			continue
		}
		out.Eligible = append(out.Eligible, Candidate{UserID: id, Name: p.Name, IsHandRaised: p.IsHandRaised})
	}

	sort.Slice(out.Eligible, func(i, j int) bool {
		a, b := out.Eligible[i], out.Eligible[j]
		if a.IsHandRaised != b.IsHandRaised {
			return a.IsHandRaised
		}
		return nameLess(a.Name, a.UserID, b.Name, b.UserID)
	})
	out.RemainingInRound = len(out.Eligible)
	return out
}

// MeetingSummary totals speaking time per participant, ordered by name.
func MeetingSummary(doc *models.Session) Summary {
	out := Summary{Rows: []SummaryRow{}}
	if doc == nil {
		return out
	}

	for id, p := range doc.Participants {
		row := SummaryRow{UserID: id, Name: p.Name, TurnCount: len(p.SpeakingHistory)}
		fromHistory := 0
		for _, entry := range p.SpeakingHistory {
			fromHistory += entry.DurationSeconds
			if entry.DurationSeconds > doc.SlotDurationSeconds {
				row.HasOvertime = true
			}
		}
		row.TotalSpokeDurationSeconds = p.TotalSpokeDurationSeconds
		if row.TotalSpokeDurationSeconds == 0 {
			row.TotalSpokeDurationSeconds = fromHistory
		}

		out.TotalSpeakingSeconds += row.TotalSpokeDurationSeconds
		out.TotalTurns += row.TurnCount
		out.Rows = append(out.Rows, row)
	}

	sort.Slice(out.Rows, func(i, j int) bool {
		return nameLess(out.Rows[i].Name, out.Rows[i].UserID, out.Rows[j].Name, out.Rows[j].UserID)
	})
	return out
}

// UnspokenCount is how many participants have not spoken this round.
func UnspokenCount(doc *models.Session) int {
	if doc == nil {
		return 0
	}
	count := 0
	for id := range doc.Participants {
		if !doc.HasSpoken(id) {
			count++
		}
	}
	return count
}

// SpeakerDisconnected reports whether the floor holder has no live presence.
func SpeakerDisconnected(doc *models.Session) bool {
	if doc == nil || !doc.HasActiveSpeaker() {
		return false
	}
	return !doc.IsOnline(doc.ActiveSpeakerID)
}

// Capabilities are the actions the viewer may take right now.
type Capabilities struct {
	CanSelectSpeaker bool `json:"canSelectSpeaker"`
	CanEndSlot       bool `json:"canEndSlot"`
	CanStartMeeting  bool `json:"canStartMeeting"`
	CanEndMeeting    bool `json:"canEndMeeting"`
}

// SessionView is the combined read model for one viewer.
type SessionView struct {
	Session             *models.Session  `json:"session"`
	Participants        []ParticipantRow `json:"participants"`
	Candidates          Candidates       `json:"candidates"`
	Timer               timer.State      `json:"timer"`
	UnspokenCount       int              `json:"unspokenCount"`
	IsHost              bool             `json:"isHost"`
	IsActiveSpeaker     bool             `json:"isActiveSpeaker"`
	SpeakerDisconnected bool             `json:"speakerDisconnected"`
	Capabilities        Capabilities     `json:"capabilities"`
}

// View assembles everything a client needs to render the meeting room.
func View(doc *models.Session, viewerID string, now time.Time, caps Capabilities) SessionView {
	view := SessionView{
		Session:             doc,
		Participants:        ParticipantRows(doc),
		Candidates:          SpeakerCandidates(doc, viewerID),
		UnspokenCount:       UnspokenCount(doc),
		SpeakerDisconnected: SpeakerDisconnected(doc),
		Capabilities:        caps,
	}
	if doc != nil {
		view.Timer = timer.Compute(doc.SlotEndsAt, doc.SlotDurationSeconds, now)
		view.IsHost = viewerID != "" && viewerID == doc.HostID
		view.IsActiveSpeaker = viewerID != "" && viewerID == doc.ActiveSpeakerID
	}
	return view
}

func nameLess(aName, aID, bName, bID string) bool {
	la, lb := strings.ToLower(aName), strings.ToLower(bName)
	if la != lb {
		return la < lb
	}
	return aID < bID
}

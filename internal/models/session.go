package models

import (
	"fmt"
	"sort"
)

// SessionStatus is the coarse lifecycle state of a meeting.
type SessionStatus string

const (
	SessionStatusLobby    SessionStatus = "lobby"
	SessionStatusActive   SessionStatus = "active"
	SessionStatusFinished SessionStatus = "finished"
)

// ParticipantRole distinguishes the single host from everyone else.
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleParticipant ParticipantRole = "participant"
)

// PresenceStatus reports whether a participant's connection is alive.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// SpeakingEntry records one completed slot for summaries.
type SpeakingEntry struct {
	UserID          string `json:"userId"`
	StartedAt       int64  `json:"startedAt"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Participant is a member of the session roster.
type Participant struct {
	Name                      string          `json:"name"`
	Role                      ParticipantRole `json:"role"`
	IsHandRaised              bool            `json:"isHandRaised"`
	JoinedAt                  int64           `json:"joinedAt,omitempty"`
	SpeakingHistory           []SpeakingEntry `json:"speakingHistory,omitempty"`
	TotalSpokeDurationSeconds int             `json:"totalSpokeDurationSeconds,omitempty"`
}

// PresenceEntry is the liveness record of one participant.
type PresenceEntry struct {
	Status     PresenceStatus `json:"status"`
	LastSeenAt int64          `json:"lastSeenAt"`
}

// Session is the authoritative meeting document. Timestamps are milliseconds
// since the Unix epoch; an empty ActiveSpeakerID and a zero SlotEndsAt mean
// nobody holds the floor.
type Session struct {
	ID                  string                   `json:"id"`
	Version             int64                    `json:"version"`
	HostID              string                   `json:"hostId"`
	CreatedAt           int64                    `json:"createdAt"`
	SlotDurationSeconds int                      `json:"slotDurationSeconds"`
	Status              SessionStatus            `json:"status"`
	ActiveSpeakerID     string                   `json:"activeSpeakerId,omitempty"`
	SlotEndsAt          int64                    `json:"slotEndsAt,omitempty"`
	LastSpeakerID       string                   `json:"lastSpeakerId,omitempty"`
	SpokenUserIDs       []string                 `json:"spokenUserIds"`
	Participants        map[string]*Participant  `json:"participants"`
	Presence            map[string]PresenceEntry `json:"presence,omitempty"`
	PreviousHostID      string                   `json:"previousHostId,omitempty"`
	HostChangedAt       int64                    `json:"hostChangedAt,omitempty"`
}

// SessionSummary is the lightweight listing view of a session.
type SessionSummary struct {
	ID               string        `json:"id"`
	HostID           string        `json:"hostId"`
	CreatedAt        int64         `json:"createdAt"`
	Status           SessionStatus `json:"status"`
	ParticipantCount int           `json:"participantCount"`
}

// Clone returns a deep copy so transforms never alias stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	out := *s
	out.SpokenUserIDs = append([]string(nil), s.SpokenUserIDs...)
	if out.SpokenUserIDs == nil {
		out.SpokenUserIDs = []string{}
	}

	out.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		if p == nil {
			continue
		}
		cp := *p
		cp.SpeakingHistory = append([]SpeakingEntry(nil), p.SpeakingHistory...)
		out.Participants[id] = &cp
	}

	if s.Presence != nil {
		out.Presence = make(map[string]PresenceEntry, len(s.Presence))
		for id, entry := range s.Presence {
			out.Presence[id] = entry
		}
	}
	return &out
}

// Summary projects the listing view.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:               s.ID,
		HostID:           s.HostID,
		CreatedAt:        s.CreatedAt,
		Status:           s.Status,
		ParticipantCount: len(s.Participants),
	}
}

// HasActiveSpeaker reports whether someone currently holds the floor.
func (s *Session) HasActiveSpeaker() bool {
	return s.ActiveSpeakerID != ""
}

// IsParticipant reports whether userID is on the roster.
func (s *Session) IsParticipant(userID string) bool {
	_, ok := s.Participants[userID]
	return ok
}

// HasSpoken reports whether userID already held a slot this round.
func (s *Session) HasSpoken(userID string) bool {
	for _, id := range s.SpokenUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the roster identifiers in lexical order.
func (s *Session) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the participant has a live presence entry.
func (s *Session) IsOnline(userID string) bool {
	entry, ok := s.Presence[userID]
	return ok && entry.Status == PresenceOnline
}

// CheckInvariants validates the structural rules every committed document obeys.
func (s *Session) CheckInvariants() error {
	if s == nil {
		return fmt.Errorf("session: nil document")
	}

	switch s.Status {
	case SessionStatusLobby, SessionStatusActive, SessionStatusFinished:
	default:
		return fmt.Errorf("session: unknown status %q", s.Status)
	}

	if s.HasActiveSpeaker() != (s.SlotEndsAt != 0) {
		return fmt.Errorf("session: activeSpeakerId and slotEndsAt must be set together")
	}

	seen := make(map[string]struct{}, len(s.SpokenUserIDs))
	for _, id := range s.SpokenUserIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("session: duplicate spoken user %q", id)
		}
		seen[id] = struct{}{}
	}

	hosts := 0
	for id, p := range s.Participants {
		if p == nil {
			return fmt.Errorf("session: participant %q has no record", id)
		}
		if p.Role == RoleHost {
			hosts++
			if id != s.HostID {
				return fmt.Errorf("session: participant %q has host role but hostId is %q", id, s.HostID)
			}
		}
	}
	if hosts != 1 {
		return fmt.Errorf("session: expected exactly one host, found %d", hosts)
	}
	return nil
}

package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return &Session{
		ID:                  "s-1",
		HostID:              "alice",
		SlotDurationSeconds: 60,
		Status:              SessionStatusActive,
		SpokenUserIDs:       []string{"bob"},
		Participants: map[string]*Participant{
			"alice": {Name: "Alice", Role: RoleHost},
			"bob":   {Name: "Bob", Role: RoleParticipant, SpeakingHistory: []SpeakingEntry{{DurationSeconds: 30}}},
		},
		Presence: map[string]PresenceEntry{"alice": {Status: PresenceOnline, LastSeenAt: 1}},
	}
}

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)
}

func TestSessionCloneIsDeep(t *testing.T) {
	original := newTestSession()
	clone := original.Clone()

	clone.SpokenUserIDs = append(clone.SpokenUserIDs, "alice")
	clone.Participants["bob"].Name = "Robert"
	clone.Participants["bob"].SpeakingHistory[0].DurationSeconds = 99
	clone.Presence["alice"] = PresenceEntry{Status: PresenceOffline}
	delete(clone.Participants, "alice")

	require.Equal(t, []string{"bob"}, original.SpokenUserIDs)
	require.Equal(t, "Bob", original.Participants["bob"].Name)
	require.Equal(t, 30, original.Participants["bob"].SpeakingHistory[0].DurationSeconds)
	require.Equal(t, PresenceOnline, original.Presence["alice"].Status)
	require.Contains(t, original.Participants, "alice")
}

func TestSessionCloneNormalisesNilSpokenSet(t *testing.T) {
	s := newTestSession()
	s.SpokenUserIDs = nil
	require.NotNil(t, s.Clone().SpokenUserIDs)
}

func TestCheckInvariants(t *testing.T) {
	require.NoError(t, newTestSession().CheckInvariants())

	speakerWithoutDeadline := newTestSession()
	speakerWithoutDeadline.ActiveSpeakerID = "bob"
	require.Error(t, speakerWithoutDeadline.CheckInvariants())

	deadlineWithoutSpeaker := newTestSession()
	deadlineWithoutSpeaker.SlotEndsAt = 1000
	require.Error(t, deadlineWithoutSpeaker.CheckInvariants())

	duplicates := newTestSession()
	duplicates.SpokenUserIDs = []string{"bob", "bob"}
	require.Error(t, duplicates.CheckInvariants())

	twoHosts := newTestSession()
	twoHosts.Participants["bob"].Role = RoleHost
	require.Error(t, twoHosts.CheckInvariants())

	mismatchedHost := newTestSession()
	mismatchedHost.HostID = "bob"
	require.Error(t, mismatchedHost.CheckInvariants())

	unknownStatus := newTestSession()
	unknownStatus.Status = "paused"
	require.Error(t, unknownStatus.CheckInvariants())
}

func TestSessionHelpers(t *testing.T) {
	s := newTestSession()
	require.True(t, s.IsParticipant("bob"))
	require.False(t, s.IsParticipant("carol"))
	require.True(t, s.HasSpoken("bob"))
	require.False(t, s.HasSpoken("alice"))
	require.Equal(t, []string{"alice", "bob"}, s.ParticipantIDs())
	require.True(t, s.IsOnline("alice"))
	require.False(t, s.IsOnline("bob"))

	summary := s.Summary()
	require.Equal(t, 2, summary.ParticipantCount)
	require.Equal(t, SessionStatusActive, summary.Status)
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/models"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
)

func TestRotationScenarioResetsRound(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	doc, err := stack.lifecycle.CreateSession(ctx, CreateSessionParams{HostID: "A", HostName: "Ann", SlotDurationSeconds: 60})
	require.NoError(t, err)
	_, err = stack.lifecycle.JoinSession(ctx, doc.ID, "B", "Ben")
	require.NoError(t, err)
	_, err = stack.lifecycle.JoinSession(ctx, doc.ID, "C", "Cat")
	require.NoError(t, err)
	_, err = stack.lifecycle.StartMeeting(ctx, doc.ID, AsUser("A"))
	require.NoError(t, err)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "B")
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, doc.SpokenUserIDs)
	require.Equal(t, "B", doc.ActiveSpeakerID)
	require.Equal(t, stack.clock.Now().UnixMilli()+60_000, doc.SlotEndsAt)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "C")
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, doc.SpokenUserIDs)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "A")
	require.NoError(t, err)
	require.Empty(t, doc.SpokenUserIDs)
	require.Equal(t, "A", doc.ActiveSpeakerID)
}

func TestRoundResetsAfterEveryoneSpoke(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	doc := stack.meeting(t, ids[0], ids[1:]...)

	for i, id := range ids {
		var err error
		doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, id)
		require.NoError(t, err)
		require.NoError(t, doc.CheckInvariants())
		if i < len(ids)-1 {
			require.Len(t, doc.SpokenUserIDs, i+1)
		}
	}
	require.Empty(t, doc.SpokenUserIDs)
	require.Equal(t, "p5", doc.ActiveSpeakerID)
}

func TestSelectAlreadySpokenLeavesDocumentUnchanged(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol")

	before, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)

	stack.clock.Advance(10 * time.Second)
	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.ErrorIs(t, err, apperrors.ErrAlreadySpoken)

	after, err := stack.lifecycle.GetSession(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSelectRejectsStrangersAndInactiveMeetings(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	lobby, err := stack.lifecycle.CreateSession(ctx, CreateSessionParams{HostID: "alice", HostName: "Alice"})
	require.NoError(t, err)
	_, err = stack.turns.SelectNextSpeaker(ctx, lobby.ID, "alice")
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	doc := stack.meeting(t, "alice", "bob")
	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "mallory")
	require.ErrorIs(t, err, apperrors.ErrNotAParticipant)

	_, err = stack.turns.SelectNextSpeaker(ctx, "missing", "bob")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	_, err = stack.turns.EndMeeting(ctx, doc.ID)
	require.NoError(t, err)
	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.ErrorIs(t, err, apperrors.ErrSessionFinished)
}

func TestSelectLowersHand(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob")

	_, err := stack.lifecycle.SetHandRaised(ctx, doc.ID, "bob", true)
	require.NoError(t, err)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)
	require.False(t, doc.Participants["bob"].IsHandRaised)
}

func TestOverwriteRecordsPreviousSlot(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol")

	_, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)
	stack.clock.Advance(42 * time.Second)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, "carol", doc.ActiveSpeakerID)
	require.Equal(t, "bob", doc.LastSpeakerID)

	bob := doc.Participants["bob"]
	require.Len(t, bob.SpeakingHistory, 1)
	require.Equal(t, 42, bob.SpeakingHistory[0].DurationSeconds)
	require.Equal(t, "bob", bob.SpeakingHistory[0].UserID)
	require.Equal(t, 42, bob.TotalSpokeDurationSeconds)
}

func TestRejectPolicyRefusesWhileSomeoneSpeaks(t *testing.T) {
	stack := newTestStack(t, WithOverwritePolicy(OverwriteReject))
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol")

	_, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "carol")
	require.ErrorIs(t, err, apperrors.ErrSpeakerActive)

	_, err = stack.turns.EndCurrentSlot(ctx, doc.ID)
	require.NoError(t, err)

	doc, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, doc.SpokenUserIDs)
}

func TestConcurrentSelectionsCommitOneSpeakerAtATime(t *testing.T) {
	stack := newTestStack(t, WithOverwritePolicy(OverwriteReject))
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol", "dave")

	candidates := []string{"bob", "carol"}
	results := make([]error, len(candidates))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, id := range candidates {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, results[i] = stack.turns.SelectNextSpeaker(ctx, doc.ID, id)
		}(i, id)
	}
	close(start)
	wg.Wait()

	winners := 0
	winner := ""
	for i, err := range results {
		if err == nil {
			winners++
			winner = candidates[i]
			continue
		}
		require.True(t, errors.Is(err, apperrors.ErrSpeakerActive), "unexpected error %v", err)
	}
	require.Equal(t, 1, winners)

	final, err := stack.lifecycle.GetSession(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, winner, final.ActiveSpeakerID)
	require.Equal(t, []string{winner}, final.SpokenUserIDs)
	require.NoError(t, final.CheckInvariants())
}

func TestConcurrentSelectionsWithOverwriteStayConsistent(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol", "dave")

	candidates := []string{"bob", "carol", "dave"}
	errs := make(chan error, len(candidates))
	var wg sync.WaitGroup
	for _, id := range candidates {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := stack.lifecycle.GetSession(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, final.CheckInvariants())
	require.Len(t, final.SpokenUserIDs, 3)
	require.Equal(t, final.SpokenUserIDs[2], final.ActiveSpeakerID)
}

func TestEndCurrentSlot(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol")

	noop, err := stack.turns.EndCurrentSlot(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Version, noop.Version)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)
	stack.clock.Advance(75 * time.Second)

	_, err = stack.turns.EndCurrentSlot(ctx, doc.ID, AsUser("carol"))
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	doc, err = stack.turns.EndCurrentSlot(ctx, doc.ID, AsUser("bob"))
	require.NoError(t, err)
	require.False(t, doc.HasActiveSpeaker())
	require.Zero(t, doc.SlotEndsAt)
	require.Equal(t, []string{"bob"}, doc.SpokenUserIDs)
	require.Equal(t, "bob", doc.LastSpeakerID)
	require.Equal(t, 75, doc.Participants["bob"].SpeakingHistory[0].DurationSeconds)
}

func TestEndMeeting(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob")

	_, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob")
	require.NoError(t, err)

	_, err = stack.turns.EndMeeting(ctx, doc.ID, AsUser("bob"))
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	stack.clock.Advance(5 * time.Second)
	doc, err = stack.turns.EndMeeting(ctx, doc.ID, AsUser("alice"))
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusFinished, doc.Status)
	require.False(t, doc.HasActiveSpeaker())
	require.Len(t, doc.Participants["bob"].SpeakingHistory, 1)

	again, err := stack.turns.EndMeeting(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Version, again.Version)
}

func TestSelectAuthorization(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	doc := stack.meeting(t, "alice", "bob", "carol", "dave")

	_, err := stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob", AsUser("carol"))
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "bob", AsUser("alice"))
	require.NoError(t, err)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "carol", AsUser("alice"))
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "carol", AsUser("bob"))
	require.NoError(t, err)

	_, err = stack.turns.EndCurrentSlot(ctx, doc.ID, AsUser("carol"))
	require.NoError(t, err)

	_, err = stack.turns.SelectNextSpeaker(ctx, doc.ID, "dave", AsUser("carol"))
	require.NoError(t, err)
}

func TestParseOverwritePolicy(t *testing.T) {
	p, err := ParseOverwritePolicy("")
	require.NoError(t, err)
	require.Equal(t, OverwriteReplace, p)

	p, err = ParseOverwritePolicy(" Reject ")
	require.NoError(t, err)
	require.Equal(t, OverwriteReject, p)

	_, err = ParseOverwritePolicy("queue")
	require.Error(t, err)
}

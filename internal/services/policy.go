package services

import (
	"fmt"

	"github.com/ticktalk/ticktalk/internal/models"
	"github.com/ticktalk/ticktalk/internal/projection"
	apperrors "github.com/ticktalk/ticktalk/pkg/errors"
)

// DefaultMinParticipantsToStart is the smallest roster a meeting can start with.
const DefaultMinParticipantsToStart = 2

// Policy decides which participant may drive which transition.
type Policy struct {
	MinParticipantsToStart int
}

// NewPolicy builds a policy, defaulting non-positive minimums.
func NewPolicy(minParticipantsToStart int) Policy {
	if minParticipantsToStart <= 0 {
		minParticipantsToStart = DefaultMinParticipantsToStart
	}
	return Policy{MinParticipantsToStart: minParticipantsToStart}
}

// AuthorizeSelectSpeaker lets the current speaker pass the floor on. With the
// floor empty the host or the previous speaker may pick.
func (p Policy) AuthorizeSelectSpeaker(doc *models.Session, actorID string) error {
	if err := requireMember(doc, actorID); err != nil {
		return err
	}
	if doc.HasActiveSpeaker() {
		if actorID == doc.ActiveSpeakerID {
			return nil
		}
		return apperrors.ErrForbidden.WithMessage("Only the current speaker can pass the floor")
	}
	if actorID == doc.HostID || (doc.LastSpeakerID != "" && actorID == doc.LastSpeakerID) {
		return nil
	}
	return apperrors.ErrForbidden.WithMessage("Only the host or the previous speaker can choose the next speaker")
}

// AuthorizeEndSlot allows the speaker or the host to end the running slot.
func (p Policy) AuthorizeEndSlot(doc *models.Session, actorID string) error {
	if err := requireMember(doc, actorID); err != nil {
		return err
	}
	if actorID == doc.HostID || actorID == doc.ActiveSpeakerID {
		return nil
	}
	return apperrors.ErrForbidden.WithMessage("Only the speaker or the host can end the slot")
}

// AuthorizeStartMeeting requires the host and a big enough roster.
func (p Policy) AuthorizeStartMeeting(doc *models.Session, actorID string) error {
	if err := requireHost(doc, actorID); err != nil {
		return err
	}
	if len(doc.Participants) < p.minParticipants() {
		return apperrors.ErrInvalidTransition.WithMessage(
			fmt.Sprintf("At least %d participants are needed to start", p.minParticipants()))
	}
	return nil
}

// AuthorizeEndMeeting requires the host.
func (p Policy) AuthorizeEndMeeting(doc *models.Session, actorID string) error {
	return requireHost(doc, actorID)
}

// AuthorizePromoteHost requires the host.
func (p Policy) AuthorizePromoteHost(doc *models.Session, actorID string) error {
	return requireHost(doc, actorID)
}

// Capabilities reports what viewerID may do against doc right now.
func (p Policy) Capabilities(doc *models.Session, viewerID string) projection.Capabilities {
	if doc == nil || viewerID == "" {
		return projection.Capabilities{}
	}
	active := doc.Status == models.SessionStatusActive
	return projection.Capabilities{
		CanSelectSpeaker: active && p.AuthorizeSelectSpeaker(doc, viewerID) == nil,
		CanEndSlot:       active && doc.HasActiveSpeaker() && p.AuthorizeEndSlot(doc, viewerID) == nil,
		CanStartMeeting:  doc.Status == models.SessionStatusLobby && p.AuthorizeStartMeeting(doc, viewerID) == nil,
		CanEndMeeting:    doc.Status != models.SessionStatusFinished && p.AuthorizeEndMeeting(doc, viewerID) == nil,
	}
}

func (p Policy) minParticipants() int {
	if p.MinParticipantsToStart <= 0 {
		return DefaultMinParticipantsToStart
	}
	return p.MinParticipantsToStart
}

func requireMember(doc *models.Session, actorID string) error {
	if actorID == "" {
		return apperrors.ErrUnauthorized
	}
	if !doc.IsParticipant(actorID) {
		return apperrors.ErrForbidden.WithMessage("You are not a participant of this session")
	}
	return nil
}

func requireHost(doc *models.Session, actorID string) error {
	if err := requireMember(doc, actorID); err != nil {
		return err
	}
	if actorID != doc.HostID {
		return apperrors.ErrForbidden.WithMessage("Only the host can do this")
	}
	return nil
}

// Package events defines the domain events exchanged between loadline components
// and the in-process bus that dispatches them.
//
// Every event kind is a concrete struct with a fixed payload. The set is closed:
// only types in this package satisfy Event, so consumers can switch over them
// exhaustively.
package events

import (
	"time"

	"loadline/internal/domain"
)

// Name identifies an event kind on the bus.
type Name string

const (
	NameHumanStateUpdated       Name = "human_state.updated"
	NameTeamTensionComputed     Name = "team.tension_computed"
	NameCriticalTensionDetected Name = "team.tension_critical"
	NameTeamMemberAdded         Name = "team.member_added"
	NameTeamMemberRemoved       Name = "team.member_removed"
	NameReinforcementRequested  Name = "reinforcement.requested"
	NameReinforcementAccepted   Name = "reinforcement.accepted"
	NameReinforcementRefused    Name = "reinforcement.refused"
	NameAlertCreated            Name = "alert.created"
)

// Event is an immutable fact published on the bus.
type Event interface {
	Name() Name
	OccurredAt() time.Time
	sealed()
}

// Meta carries the timestamp shared by every event.
type Meta struct {
	At time.Time `json:"occurred_at"`
}

func (m Meta) OccurredAt() time.Time { return m.At }
func (Meta) sealed()                  {}

func stamp(at time.Time) Meta {
	if at.IsZero() {
		at = time.Now()
	}
	return Meta{At: at.UTC()}
}

type HumanStateUpdated struct {
	Meta
	UserID        string       `json:"user_id"`
	PreviousState domain.State `json:"previous_state"`
	NewState      domain.State `json:"new_state"`
}

func (HumanStateUpdated) Name() Name { return NameHumanStateUpdated }

func NewHumanStateUpdated(at time.Time, userID string, previous, next domain.State) HumanStateUpdated {
	return HumanStateUpdated{Meta: stamp(at), UserID: userID, PreviousState: previous, NewState: next}
}

type TeamTensionComputed struct {
	Meta
	TeamID  string                `json:"team_id"`
	Level   domain.TensionLevel   `json:"level"`
	Metrics domain.TensionMetrics `json:"metrics"`
}

func (TeamTensionComputed) Name() Name { return NameTeamTensionComputed }

func NewTeamTensionComputed(at time.Time, teamID string, level domain.TensionLevel, metrics domain.TensionMetrics) TeamTensionComputed {
	return TeamTensionComputed{Meta: stamp(at), TeamID: teamID, Level: level, Metrics: metrics}
}

type CriticalTensionDetected struct {
	Meta
	TeamID  string                `json:"team_id"`
	Metrics domain.TensionMetrics `json:"metrics"`
}

func (CriticalTensionDetected) Name() Name { return NameCriticalTensionDetected }

func NewCriticalTensionDetected(at time.Time, teamID string, metrics domain.TensionMetrics) CriticalTensionDetected {
	return CriticalTensionDetected{Meta: stamp(at), TeamID: teamID, Metrics: metrics}
}

type TeamMemberAdded struct {
	Meta
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

func (TeamMemberAdded) Name() Name { return NameTeamMemberAdded }

func NewTeamMemberAdded(at time.Time, teamID, userID string) TeamMemberAdded {
	return TeamMemberAdded{Meta: stamp(at), TeamID: teamID, UserID: userID}
}

type TeamMemberRemoved struct {
	Meta
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

func (TeamMemberRemoved) Name() Name { return NameTeamMemberRemoved }

func NewTeamMemberRemoved(at time.Time, teamID, userID string) TeamMemberRemoved {
	return TeamMemberRemoved{Meta: stamp(at), TeamID: teamID, UserID: userID}
}

type ReinforcementRequested struct {
	Meta
	RequestID      string   `json:"request_id"`
	TeamID         string   `json:"team_id"`
	RequiredSkills []string `json:"required_skills"`
	UrgencyLevel   int      `json:"urgency_level"`
}

func (ReinforcementRequested) Name() Name { return NameReinforcementRequested }

func NewReinforcementRequested(at time.Time, requestID, teamID string, skills []string, urgency int) ReinforcementRequested {
	return ReinforcementRequested{Meta: stamp(at), RequestID: requestID, TeamID: teamID, RequiredSkills: skills, UrgencyLevel: urgency}
}

type ReinforcementAccepted struct {
	Meta
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

func (ReinforcementAccepted) Name() Name { return NameReinforcementAccepted }

type ReinforcementRefused struct {
	Meta
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

func (ReinforcementRefused) Name() Name { return NameReinforcementRefused }

// NewReinforcementResponse builds the accepted or refused event matching kind.
func NewReinforcementResponse(at time.Time, requestID, userID string, kind domain.ResponseKind) Event {
	if kind == domain.ResponseAccepted {
		return ReinforcementAccepted{Meta: stamp(at), RequestID: requestID, UserID: userID}
	}
	return ReinforcementRefused{Meta: stamp(at), RequestID: requestID, UserID: userID}
}

type AlertCreated struct {
	Meta
	AlertID    string       `json:"alert_id"`
	UserID     *string      `json:"user_id,omitempty"`
	TargetRole *domain.Role `json:"target_role,omitempty"`
	Severity   string       `json:"severity"`
	Message    string       `json:"message"`
}

func (AlertCreated) Name() Name { return NameAlertCreated }

func NewAlertCreated(at time.Time, a domain.Alert) AlertCreated {
	return AlertCreated{
		Meta:       stamp(at),
		AlertID:    a.ID,
		UserID:     a.UserID,
		TargetRole: a.TargetRole,
		Severity:   a.Severity,
		Message:    a.Message,
	}
}

// SubjectUserID returns the user an event is about, if any.
func SubjectUserID(evt Event) (string, bool) {
	switch e := evt.(type) {
	case HumanStateUpdated:
		return e.UserID, true
	case ReinforcementAccepted:
		return e.UserID, true
	case ReinforcementRefused:
		return e.UserID, true
	case TeamMemberAdded:
		return e.UserID, true
	case TeamMemberRemoved:
		return e.UserID, true
	}
	return "", false
}

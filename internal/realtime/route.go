// Package realtime pushes domain events to connected clients over websocket
// channels, optionally across instances through a Broker.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"loadline/internal/domain"
	"loadline/internal/events"
)

// Outbound message types.
const (
	TypeConnectionReady      = "connection.ready"
	TypeHumanStateUpdated    = "human_state.updated"
	TypeTensionUpdated       = "tension.updated"
	TypeTensionCritical      = "tension.critical"
	TypeMembershipChanged    = "team.membership_changed"
	TypeReinforcementNew     = "reinforcement.new"
	TypeReinforcementReplied = "reinforcement.response"
	TypeAlertNew             = "alert.new"
)

// Message is one frame addressed to a single channel.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

func UserChannel(userID string) string { return "user:" + userID }

func RoleChannel(role domain.Role) string { return "role:" + string(role) }

type membershipPayload struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

type responsePayload struct {
	RequestID string              `json:"request_id"`
	UserID    string              `json:"user_id"`
	Response  domain.ResponseKind `json:"response"`
}

// Route maps a domain event to the messages it fans out to.
func Route(evt events.Event) ([]Message, error) {
	var (
		typ      string
		payload  any = evt
		channels []string
	)
	managers := RoleChannel(domain.RoleManager)
	admins := RoleChannel(domain.RoleAdminRH)
	switch e := evt.(type) {
	case events.HumanStateUpdated:
		typ = TypeHumanStateUpdated
		channels = []string{UserChannel(e.UserID), managers, admins}
	case events.TeamTensionComputed:
		typ = TypeTensionUpdated
		channels = []string{managers, admins}
	case events.CriticalTensionDetected:
		typ = TypeTensionCritical
		channels = []string{managers, admins}
	case events.TeamMemberAdded:
		typ = TypeMembershipChanged
		payload = membershipPayload{TeamID: e.TeamID, UserID: e.UserID, Action: "added"}
		channels = []string{managers, UserChannel(e.UserID)}
	case events.TeamMemberRemoved:
		typ = TypeMembershipChanged
		payload = membershipPayload{TeamID: e.TeamID, UserID: e.UserID, Action: "removed"}
		channels = []string{managers, UserChannel(e.UserID)}
	case events.ReinforcementRequested:
		typ = TypeReinforcementNew
		channels = []string{RoleChannel(domain.RoleCollaborator)}
	case events.ReinforcementAccepted:
		typ = TypeReinforcementReplied
		payload = responsePayload{RequestID: e.RequestID, UserID: e.UserID, Response: domain.ResponseAccepted}
		channels = []string{managers}
	case events.ReinforcementRefused:
		typ = TypeReinforcementReplied
		payload = responsePayload{RequestID: e.RequestID, UserID: e.UserID, Response: domain.ResponseRefused}
		channels = []string{managers}
	case events.AlertCreated:
		typ = TypeAlertNew
		switch {
		case e.UserID != nil:
			channels = []string{UserChannel(*e.UserID)}
		case e.TargetRole != nil:
			channels = []string{RoleChannel(*e.TargetRole)}
		}
	default:
		return nil, fmt.Errorf("no route for event %s", evt.Name())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Name(), err)
	}
	out := make([]Message, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Message{Type: typ, Channel: ch, Payload: data, SentAt: evt.OccurredAt()})
	}
	return out, nil
}

package server

import (
	"time"

	"loadline/internal/domain"
)

// Request payloads

type UpdateStateRequest struct {
	Workload     *domain.Workload     `json:"workload,omitempty" enum:"LOW,NORMAL,HIGH"`
	Availability *domain.Availability `json:"availability,omitempty" enum:"AVAILABLE,MOBILISABLE,UNAVAILABLE"`
}

type CreateTeamRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

type CreateReinforcementRequest struct {
	TeamID         string    `json:"team_id"`
	RequiredSkills []string  `json:"required_skills,omitempty"`
	UrgencyLevel   int       `json:"urgency_level" minimum:"1" maximum:"10"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type UpdateReinforcementRequest struct {
	RequiredSkills *[]string             `json:"required_skills,omitempty"`
	UrgencyLevel   *int                  `json:"urgency_level,omitempty" minimum:"1" maximum:"10"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	Status         *domain.RequestStatus `json:"status,omitempty" enum:"OPEN,CLOSED,EXPIRED"`
}

type RespondRequest struct {
	Response domain.ResponseKind `json:"response" enum:"ACCEPTED,REFUSED"`
}

type SetSettingRequest struct {
	Value string `json:"value"`
}

type CreateAlertRequest struct {
	UserID     string      `json:"user_id,omitempty"`
	TargetRole domain.Role `json:"target_role,omitempty" enum:"ADMIN_RH,MANAGER,COLLABORATOR"`
	Severity   string      `json:"severity,omitempty" enum:"info,warning,critical"`
	Message    string      `json:"message"`
}

type DevTokenRequest struct {
	UserID string      `json:"user_id"`
	Email  string      `json:"email,omitempty"`
	Role   domain.Role `json:"role" enum:"ADMIN_RH,MANAGER,COLLABORATOR"`
}

// Response payloads

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

type ComputeTensionResponse struct {
	Computed bool                    `json:"computed"`
	Snapshot *domain.TensionSnapshot `json:"snapshot,omitempty"`
}

type ExpireResponse struct {
	Expired []domain.ReinforcementRequest `json:"expired"`
}

type WhoAmIResponse struct {
	UserID      string      `json:"user_id"`
	Email       string      `json:"email,omitempty"`
	Role        domain.Role `json:"role"`
	Permissions []string    `json:"permissions"`
	Channels    []string    `json:"channels"`
}

type DevTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func listOf[T any](items []T) ListResponse[T] {
	return ListResponse[T]{Items: nonNilSlice(items)}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

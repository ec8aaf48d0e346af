package domain

import "time"

type Workload string

const (
	WorkloadLow    Workload = "LOW"
	WorkloadNormal Workload = "NORMAL"
	WorkloadHigh   Workload = "HIGH"
)

func (w Workload) Valid() bool {
	switch w {
	case WorkloadLow, WorkloadNormal, WorkloadHigh:
		return true
	}
	return false
}

type Availability string

const (
	AvailabilityAvailable   Availability = "AVAILABLE"
	AvailabilityMobilisable Availability = "MOBILISABLE"
	AvailabilityUnavailable Availability = "UNAVAILABLE"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityMobilisable, AvailabilityUnavailable:
		return true
	}
	return false
}

type Role string

const (
	RoleAdminRH      Role = "ADMIN_RH"
	RoleManager      Role = "MANAGER"
	RoleCollaborator Role = "COLLABORATOR"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdminRH, RoleManager, RoleCollaborator:
		return true
	}
	return false
}

type TensionLevel string

const (
	TensionLow      TensionLevel = "LOW"
	TensionModerate TensionLevel = "MODERATE"
	TensionHigh     TensionLevel = "HIGH"
	TensionCritical TensionLevel = "CRITICAL"
)

// Alarming reports whether the level warrants a critical-tension notification.
func (l TensionLevel) Alarming() bool {
	return l == TensionHigh || l == TensionCritical
}

type RequestStatus string

const (
	RequestOpen    RequestStatus = "OPEN"
	RequestClosed  RequestStatus = "CLOSED"
	RequestExpired RequestStatus = "EXPIRED"
)

type ResponseKind string

const (
	ResponseAccepted ResponseKind = "ACCEPTED"
	ResponseRefused  ResponseKind = "REFUSED"
)

func (k ResponseKind) Valid() bool {
	return k == ResponseAccepted || k == ResponseRefused
}

// State is the declared part of a HumanState, also stored on both sides of a history entry.
type State struct {
	Workload     Workload     `json:"workload" enum:"LOW,NORMAL,HIGH"`
	Availability Availability `json:"availability" enum:"AVAILABLE,MOBILISABLE,UNAVAILABLE"`
}

type HumanState struct {
	UserID string `json:"user_id"`
	State
	UpdatedAt time.Time `json:"updated_at"`
}

type HumanStateHistoryEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PriorState State     `json:"prior_state"`
	NewState   State     `json:"new_state"`
	ChangedAt  time.Time `json:"changed_at"`
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type TeamMember struct {
	TeamID  string    `json:"team_id"`
	UserID  string    `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

type TensionMetrics struct {
	OverloadPercentage         float64 `json:"overload_percentage"`
	RequestToAvailabilityRatio float64 `json:"request_to_availability_ratio"`
	AverageDuration            float64 `json:"average_duration"`
	RefusalRate                float64 `json:"refusal_rate"`
}

type TensionSnapshot struct {
	ID           string         `json:"id"`
	TeamID       string         `json:"team_id"`
	Level        TensionLevel   `json:"level" enum:"LOW,MODERATE,HIGH,CRITICAL"`
	Metrics      TensionMetrics `json:"metrics"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

type ReinforcementRequest struct {
	ID             string        `json:"id"`
	TeamID         string        `json:"team_id"`
	RequiredSkills []string      `json:"required_skills"`
	UrgencyLevel   int           `json:"urgency_level" minimum:"1" maximum:"10"`
	Status         RequestStatus `json:"status" enum:"OPEN,CLOSED,EXPIRED"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

type ReinforcementResponse struct {
	ID          string       `json:"id"`
	RequestID   string       `json:"request_id"`
	UserID      string       `json:"user_id"`
	Response    ResponseKind `json:"response" enum:"ACCEPTED,REFUSED"`
	RespondedAt time.Time    `json:"responded_at"`
}

type ReliabilityFactors struct {
	Stability              float64 `json:"stability"`
	Responsiveness         float64 `json:"responsiveness"`
	DeclarativeConsistency float64 `json:"declarative_consistency"`
}

type ReliabilityScore struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	Score        float64            `json:"score"`
	Factors      ReliabilityFactors `json:"factors"`
	CalculatedAt time.Time          `json:"calculated_at"`
}

type RHSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RHSettingChange struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

type Alert struct {
	ID         string    `json:"id"`
	UserID     *string   `json:"user_id,omitempty"`
	TargetRole *Role     `json:"target_role,omitempty"`
	Severity   string    `json:"severity" enum:"info,warning,critical"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Principal is an authenticated caller as resolved from a bearer token.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

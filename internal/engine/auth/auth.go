// Package auth maps principal roles to the permissions the API enforces.
package auth

import (
	"fmt"

	"loadline/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Role       domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

const (
	PermStateWrite           = "state.write"
	PermStateReadAny         = "state.read_any"
	PermTeamManage           = "team.manage"
	PermTensionCompute       = "tension.compute"
	PermTensionRead          = "tension.read"
	PermReinforcementManage  = "reinforcement.manage"
	PermReinforcementRespond = "reinforcement.respond"
	PermReliabilityReadAny   = "reliability.read_any"
	PermSettingsWrite        = "settings.write"
	PermSettingsRead         = "settings.read"
	PermAlertCreate          = "alert.create"
)

var rolePermissions = map[domain.Role][]string{
	domain.RoleAdminRH: {
		PermStateWrite, PermStateReadAny, PermTeamManage, PermTensionCompute, PermTensionRead,
		PermReinforcementManage, PermReinforcementRespond, PermReliabilityReadAny,
		PermSettingsWrite, PermSettingsRead, PermAlertCreate,
	},
	domain.RoleManager: {
		PermStateWrite, PermStateReadAny, PermTeamManage, PermTensionCompute, PermTensionRead,
		PermReinforcementManage, PermReinforcementRespond, PermReliabilityReadAny,
		PermSettingsRead, PermAlertCreate,
	},
	domain.RoleCollaborator: {
		PermStateWrite, PermTensionRead, PermReinforcementRespond,
	},
}

// Permissions lists what role grants.
func Permissions(role domain.Role) []string {
	return append([]string(nil), rolePermissions[role]...)
}

func HasPermission(role domain.Role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless role grants perm.
func Require(role domain.Role, perm string) error {
	if HasPermission(role, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm, Role: role}
}

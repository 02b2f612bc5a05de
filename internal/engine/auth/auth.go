// Package auth maps operator roles to the permissions the API and CLI check.
package auth

import (
	"fmt"
	"sort"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermBailRead          = "bail.read"
	PermBailWrite         = "bail.write"
	PermMissionAssign     = "mission.assign"
	PermMissionExecute    = "mission.execute"
	PermChecklistSubmit   = "checklist.submit"
	PermLifecycleValidate = "lifecycle.validate"
	PermIncidentWrite     = "incident.write"
	PermActionWrite       = "action.write"
	PermSignatureAdmin    = "signature.admin"
	PermNotificationRead  = "notification.read"
	PermNotificationWrite = "notification.write"
)

const (
	RoleAdmin   = "admin"
	RoleOps     = "ops"
	RoleChecker = "checker"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermBailRead, PermBailWrite, PermMissionAssign, PermMissionExecute,
		PermChecklistSubmit, PermLifecycleValidate, PermIncidentWrite,
		PermActionWrite, PermSignatureAdmin, PermNotificationRead, PermNotificationWrite,
	},
	RoleOps: {
		PermBailRead, PermBailWrite, PermMissionAssign, PermLifecycleValidate,
		PermIncidentWrite, PermActionWrite, PermNotificationRead, PermNotificationWrite,
	},
	RoleChecker: {
		PermBailRead, PermMissionExecute, PermChecklistSubmit, PermIncidentWrite,
	},
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// Service resolves role grants. A nil Grants uses the built-in table.
type Service struct {
	Grants map[string][]string
}

func (s Service) grants() map[string][]string {
	if s.Grants != nil {
		return s.Grants
	}
	return rolePermissions
}

// Roles lists the known role names.
func (s Service) Roles() []string {
	out := make([]string, 0, len(s.grants()))
	for r := range s.grants() {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the union of explicit and role-derived permissions.
func (s Service) Permissions(p Principal) []string {
	seen := map[string]bool{}
	var out []string
	add := func(perm string) {
		if !seen[perm] {
			seen[perm] = true
			out = append(out, perm)
		}
	}
	for _, perm := range p.Permissions {
		add(perm)
	}
	for _, role := range p.Roles {
		for _, perm := range s.grants()[role] {
			add(perm)
		}
	}
	sort.Strings(out)
	return out
}

func (s Service) Can(p Principal, perm string) bool {
	for _, have := range s.Permissions(p) {
		if have == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError when p lacks perm.
func (s Service) Require(p Principal, perm string) error {
	if s.Can(p, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

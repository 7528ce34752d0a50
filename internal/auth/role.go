package auth

import (
	"fmt"
	"strings"
)

// Role is a closed enumeration. Authorization logic switches over it
// exhaustively; new roles are added as variants, never as free-form strings.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
	RoleSuperuser
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleSuperuser:
		return "superuser"
	}
	return "user"
}

// ParseRole maps a stored or submitted role string to the enum. Unknown
// values are rejected rather than defaulted so a corrupted row cannot widen
// privileges silently.
func ParseRole(s string) (Role, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "superuser":
		return RoleSuperuser, nil
	}
	return RoleUser, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Action is an operation on an identity that the evaluator can decide on.
type Action int

const (
	ActionRead Action = iota
	ActionUpdate
	ActionChangePassword
	ActionActivate
	ActionDeactivate
	ActionList
	ActionReadAudit
)

// Can is the access evaluator: a pure decision over the actor's role, the
// actor's identity, and the owner of the target resource. Superusers may do
// anything; everyone else is limited to self-scoped read/update/password
// operations.
func Can(actorRole Role, actorID, ownerID string, action Action) bool {
	if actorRole == RoleSuperuser {
		return true
	}
	switch action {
	case ActionRead, ActionUpdate, ActionChangePassword:
		return actorID != "" && actorID == ownerID
	case ActionActivate, ActionDeactivate, ActionList, ActionReadAudit:
		return false
	}
	return false
}

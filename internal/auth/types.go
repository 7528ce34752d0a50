package auth

import "time"

// Identity represents one account known to the engine. Deactivation is a soft
// state; identities are never hard-deleted here.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	FullName     string
	Role         Role
	Active       bool
	Superuser    bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveRole resolves the authorization role for the identity. The legacy
// superuser flag always wins over the stored role column.
func (i *Identity) EffectiveRole() Role {
	if i.Superuser {
		return RoleSuperuser
	}
	return i.Role
}

// SessionRecord tracks one outstanding refresh-token grant. Only the SHA-256
// hash of the raw token is ever persisted; the hash uniquely identifies at
// most one live record.
type SessionRecord struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Principal is the verified caller attached to a request context after access
// token validation.
type Principal struct {
	ID    string
	Email string
	Role  Role
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

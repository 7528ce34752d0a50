package auth

import (
	"context"
	"time"
)

// IdentityStore persists accounts. Create must enforce email uniqueness
// atomically (returning ErrConflict), and the flag updates must be plain
// conditional writes so they cannot race ongoing rotations.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	List(ctx context.Context) ([]*Identity, error)
	UpdateProfile(ctx context.Context, id, fullName string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// SessionStore is the session ledger: durable records of outstanding
// refresh-token grants keyed by the one-way hash of the raw token.
type SessionStore interface {
	// Create stores a new record with expires_at = now + ttl.
	Create(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*SessionRecord, error)

	// FindValid looks up a live record by token hash. Expired records are
	// treated as absent even before being swept.
	FindValid(ctx context.Context, tokenHash string) (*SessionRecord, error)

	// Rotate atomically retires the record identified by oldHash and creates
	// a replacement bound to the same identity. Two concurrent rotations of
	// the same token must resolve to exactly one winner; the loser observes
	// ErrNotFound. A reader must never see both records valid, nor both
	// absent.
	Rotate(ctx context.Context, oldHash, newHash string, ttl time.Duration) (*SessionRecord, error)

	// InvalidateAll retires every record for the identity and returns how
	// many were removed.
	InvalidateAll(ctx context.Context, identityID string) (int64, error)

	// SweepExpired removes records whose expiry has passed. It only touches
	// logically dead rows, so it is idempotent and safe to run from several
	// instances at once.
	SweepExpired(ctx context.Context) (int64, error)
}

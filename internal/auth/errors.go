package auth

import "errors"

var (
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrUnauthorized     = errors.New("auth: unauthorized")
	ErrForbidden        = errors.New("auth: forbidden")
	ErrConflict         = errors.New("auth: already exists")
	ErrNotFound         = errors.New("auth: not found")
	ErrStoreUnavailable = errors.New("auth: store unavailable")
)

// Token verification failures. All of them collapse to ErrUnauthorized at the
// transport boundary; the split exists for logging and tests.
var (
	ErrTokenMalformed = errors.New("auth: malformed token")
	ErrTokenSignature = errors.New("auth: bad token signature")
	ErrTokenExpired   = errors.New("auth: token expired")
)

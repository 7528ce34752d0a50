package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/obs"
)

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 24 * time.Hour * 14
	defaultIssuer      = "authcore"
	defaultHashWorkers = 4

	auditEntityUser = "user"

	// sentinelUnknown marks failed attempts that cannot be attributed to a
	// known identity (unknown email, replayed or garbage refresh token).
	sentinelUnknown = "unknown"
)

// Audit action verbs. One entry is written on every exit branch of every
// operation, after the state change it describes has committed; failure
// entries describe the attempt itself.
const (
	auditRegister         = "register"
	auditRegisterFailed   = "register_failed"
	auditLoginSuccess     = "login_success"
	auditLoginFailed      = "login_failed"
	auditRefreshSuccess   = "refresh_success"
	auditRefreshFailed    = "refresh_failed"
	auditLogout           = "logout"
	auditLogoutFailed     = "logout_failed"
	auditPasswordChanged  = "password_changed"
	auditPasswordFailed   = "password_change_failed"
	auditProfileUpdated   = "update"
	auditAccountActivated = "activate"
	auditAccountDisabled  = "deactivate"
)

// Service is the session authority: it composes the credential verifier, the
// token codec, the session ledger, and the audit recorder into the five
// lifecycle operations. It holds no mutable state of its own; all shared
// state lives in the stores.
type Service struct {
	identities IdentityStore
	sessions   SessionStore
	recorder   *audit.Recorder

	codec      *TokenCodec
	now        func() time.Time
	refreshTTL time.Duration
	bcryptCost int

	// hashSem bounds concurrent bcrypt work so the deliberately slow hash
	// cannot head-of-line block unrelated requests.
	hashSem chan struct{}
}

// ServiceOption configures Service behavior.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	signingKey  []byte
	previousKey []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
	bcryptCost  int
	hashWorkers int
}

// WithSigningKey sets the HS256 access-token signing key. Required.
func WithSigningKey(key []byte) ServiceOption {
	return func(c *serviceConfig) { c.signingKey = key }
}

// WithPreviousSigningKey accepts tokens signed under a retired key during a
// key roll. New tokens are always signed with the primary key.
func WithPreviousSigningKey(key []byte) ServiceOption {
	return func(c *serviceConfig) { c.previousKey = key }
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(c *serviceConfig) {
		if s := strings.TrimSpace(issuer); s != "" {
			c.issuer = s
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithBcryptCost overrides the bcrypt cost factor.
func WithBcryptCost(cost int) ServiceOption {
	return func(c *serviceConfig) {
		if cost > 0 {
			c.bcryptCost = cost
		}
	}
}

// WithHashParallelism bounds concurrent password hashing.
func WithHashParallelism(n int) ServiceOption {
	return func(c *serviceConfig) {
		if n > 0 {
			c.hashWorkers = n
		}
	}
}

// NewService constructs the session authority. A signing key is mandatory;
// everything else has defaults.
func NewService(identities IdentityStore, sessions SessionStore, recorder *audit.Recorder, opts ...ServiceOption) (*Service, error) {
	cfg := serviceConfig{
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		now:         time.Now,
		hashWorkers: defaultHashWorkers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	codec, err := NewTokenCodec(cfg.signingKey, cfg.previousKey, cfg.issuer, cfg.accessTTL, cfg.now)
	if err != nil {
		return nil, err
	}
	return &Service{
		identities: identities,
		sessions:   sessions,
		recorder:   recorder,
		codec:      codec,
		now:        cfg.now,
		refreshTTL: cfg.refreshTTL,
		bcryptCost: cfg.bcryptCost,
		hashSem:    make(chan struct{}, cfg.hashWorkers),
	}, nil
}

// Codec exposes the token codec for the transport-side authn middleware.
func (s *Service) Codec() *TokenCodec {
	return s.codec
}

// RegisterInput is the data needed to create an identity.
type RegisterInput struct {
	Email    string
	Password string
	FullName string
	Role     string
}

// Register creates a new identity. Duplicate emails are rejected with
// ErrConflict, policy violations with ErrInvalidInput.
func (s *Service) Register(ctx context.Context, in RegisterInput, origin string) (*Identity, error) {
	email := normalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, s.registerFailed(ctx, email, origin, "invalid_email", err)
	}
	if err := ValidatePasswordPolicy(in.Password); err != nil {
		return nil, s.registerFailed(ctx, email, origin, "password_policy", err)
	}
	role, err := ParseRole(in.Role)
	if err != nil {
		return nil, s.registerFailed(ctx, email, origin, "invalid_role", err)
	}
	if role == RoleSuperuser {
		// Superusers are provisioned by seeding or by an existing superuser,
		// never through self-registration.
		return nil, s.registerFailed(ctx, email, origin, "invalid_role",
			fmt.Errorf("%w: role %q cannot be self-assigned", ErrInvalidInput, role))
	}

	hash, err := s.hashPassword(ctx, in.Password)
	if err != nil {
		return nil, s.registerFailed(ctx, email, origin, "hash", err)
	}
	identity := &Identity{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		Role:         role,
		Active:       true,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, s.registerFailed(ctx, email, origin, "duplicate_email", ErrConflict)
		}
		return nil, s.registerFailed(ctx, email, origin, "store", err)
	}

	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identity.ID,
		Action:     auditRegister,
		ActorID:    identity.ID,
		ActorRole:  identity.EffectiveRole().String(),
		Origin:     origin,
		Detail:     map[string]any{"email": identity.Email},
	})
	obs.AuthOpInc("register", "success")
	return identity, nil
}

// Login verifies credentials and issues a token pair. All credential
// failures collapse to ErrUnauthorized with no signal distinguishing an
// unknown email from a wrong password or an inactive account.
func (s *Service) Login(ctx context.Context, email, password, origin string) (*Identity, TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, TokenPair{}, s.loginFailed(ctx, sentinelUnknown, "", origin, "missing_credentials")
	}
	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, s.loginFailed(ctx, sentinelUnknown, "", origin, "unknown_email")
		}
		return nil, TokenPair{}, s.loginStoreFailed(ctx, sentinelUnknown, origin, err)
	}
	if !identity.Active {
		return nil, TokenPair{}, s.loginFailed(ctx, identity.ID, identity.EffectiveRole().String(), origin, "inactive")
	}
	if err := s.verifyPassword(ctx, identity.PasswordHash, password); err != nil {
		return nil, TokenPair{}, s.loginFailed(ctx, identity.ID, identity.EffectiveRole().String(), origin, "invalid_password")
	}

	pair, err := s.mintTokens(ctx, identity)
	if err != nil {
		return nil, TokenPair{}, s.loginStoreFailed(ctx, identity.ID, origin, err)
	}
	if err := s.identities.UpdateLastLogin(ctx, identity.ID, s.now().UTC()); err != nil {
		// The session is already live; a lost last_login timestamp is not
		// worth failing the login over.
		obs.Logger().Println(`{"level":"warn","msg":"last_login update failed","identity":"` + identity.ID + `"}`)
	}

	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identity.ID,
		Action:     auditLoginSuccess,
		ActorID:    identity.ID,
		ActorRole:  identity.EffectiveRole().String(),
		Origin:     origin,
		Detail:     map[string]any{"email": identity.Email},
	})
	obs.AuthOpInc("login", "success")
	return identity, pair, nil
}

// Refresh exchanges a valid refresh token for a fresh pair, rotating the
// ledger record. Exactly one of two concurrent calls presenting the same
// token succeeds; the loser is indistinguishable from a replayed theft and is
// audited as such.
func (s *Service) Refresh(ctx context.Context, rawRefresh, origin string) (TokenPair, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return TokenPair{}, s.refreshFailed(ctx, sentinelUnknown, origin, "missing_token", ErrUnauthorized)
	}
	newRaw, err := NewRefreshToken()
	if err != nil {
		return TokenPair{}, s.refreshFailed(ctx, sentinelUnknown, origin, "entropy", err)
	}

	rec, err := s.sessions.Rotate(ctx, HashRefreshToken(rawRefresh), HashRefreshToken(newRaw), s.refreshTTL)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unknown, expired, or already-rotated token. The ledger is
			// keyed by a one-way hash, so the loser of a rotation race and a
			// replayed stolen token look identical here; both are logged
			// against the sentinel actor.
			return TokenPair{}, s.refreshFailed(ctx, sentinelUnknown, origin, "not_found", ErrUnauthorized)
		}
		return TokenPair{}, s.refreshFailed(ctx, sentinelUnknown, origin, "store", err)
	}

	// Claims are re-derived from the identity's current row so a role change
	// or deactivation takes effect on the next refresh.
	identity, err := s.identities.Find(ctx, rec.IdentityID)
	if err != nil || !identity.Active {
		if _, invErr := s.sessions.InvalidateAll(ctx, rec.IdentityID); invErr != nil {
			obs.Logger().Println(`{"level":"warn","msg":"session invalidation failed","identity":"` + rec.IdentityID + `"}`)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return TokenPair{}, s.refreshFailed(ctx, rec.IdentityID, origin, "store", err)
		}
		return TokenPair{}, s.refreshFailed(ctx, rec.IdentityID, origin, "inactive", ErrUnauthorized)
	}

	access, accessExp, err := s.codec.IssueAccess(identity)
	if err != nil {
		return TokenPair{}, s.refreshFailed(ctx, identity.ID, origin, "sign", err)
	}

	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identity.ID,
		Action:     auditRefreshSuccess,
		ActorID:    identity.ID,
		ActorRole:  identity.EffectiveRole().String(),
		Origin:     origin,
		Detail:     map[string]any{"session_id": rec.ID},
	})
	obs.AuthOpInc("refresh", "success")
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     newRaw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Logout retires every outstanding refresh-token grant for the actor.
func (s *Service) Logout(ctx context.Context, actor Principal, origin string) (int64, error) {
	count, err := s.sessions.InvalidateAll(ctx, actor.ID)
	if err != nil {
		s.record(ctx, audit.Entry{
			EntityType: auditEntityUser,
			EntityID:   actor.ID,
			Action:     auditLogoutFailed,
			ActorID:    actor.ID,
			ActorRole:  actor.Role.String(),
			Origin:     origin,
			Detail:     map[string]any{"reason": "store"},
		})
		obs.AuthOpInc("logout", "store_error")
		return 0, err
	}
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   actor.ID,
		Action:     auditLogout,
		ActorID:    actor.ID,
		ActorRole:  actor.Role.String(),
		Origin:     origin,
		Detail:     map[string]any{"sessions_invalidated": count},
	})
	obs.AuthOpInc("logout", "success")
	return count, nil
}

// ChangePassword updates the credential and forces re-login everywhere by
// invalidating every session of the identity. A superuser may change another
// identity's password without presenting the current one.
func (s *Service) ChangePassword(ctx context.Context, actor Principal, identityID, current, next, origin string) error {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.passwordFailed(ctx, actor, identityID, origin, "not_found", ErrNotFound)
		}
		return s.passwordFailed(ctx, actor, identityID, origin, "store", err)
	}
	selfChange := actor.ID == identity.ID
	if selfChange {
		if err := s.verifyPassword(ctx, identity.PasswordHash, current); err != nil {
			return s.passwordFailed(ctx, actor, identityID, origin, "invalid_current", ErrUnauthorized)
		}
	}
	if err := ValidatePasswordPolicy(next); err != nil {
		return s.passwordFailed(ctx, actor, identityID, origin, "password_policy", err)
	}
	if s.verifyPassword(ctx, identity.PasswordHash, next) == nil {
		return s.passwordFailed(ctx, actor, identityID, origin, "password_reuse",
			fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput))
	}

	hash, err := s.hashPassword(ctx, next)
	if err != nil {
		return s.passwordFailed(ctx, actor, identityID, origin, "hash", err)
	}
	if err := s.identities.UpdatePassword(ctx, identityID, hash); err != nil {
		return s.passwordFailed(ctx, actor, identityID, origin, "store", err)
	}
	count, err := s.sessions.InvalidateAll(ctx, identityID)
	if err != nil {
		// The hash is already swapped; old sessions will still die at their
		// TTL. Surface the store fault so the caller retries invalidation.
		return s.passwordFailed(ctx, actor, identityID, origin, "session_invalidation", err)
	}

	changedBy := "self"
	if !selfChange {
		changedBy = actor.ID
	}
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identityID,
		Action:     auditPasswordChanged,
		ActorID:    actor.ID,
		ActorRole:  actor.Role.String(),
		Origin:     origin,
		Detail:     map[string]any{"sessions_invalidated": count, "changed_by": changedBy},
	})
	obs.AuthOpInc("change_password", "success")
	return nil
}

// SweepExpiredSessions removes logically dead ledger rows. It runs on a
// periodic trigger decoupled from request handling and is safe to run from
// several instances concurrently.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int64, error) {
	count, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	obs.SessionsSweptAdd(float64(count))
	return count, nil
}

// --- identity management -----------------------------------------------

// Identity returns one account. Authorization is the caller's concern via
// Can; plain reads are not audited.
func (s *Service) Identity(ctx context.Context, id string) (*Identity, error) {
	return s.identities.Find(ctx, id)
}

// Identities lists all accounts (superuser-gated at the boundary).
func (s *Service) Identities(ctx context.Context) ([]*Identity, error) {
	return s.identities.List(ctx)
}

// UpdateProfile changes the mutable profile fields. Email is immutable once
// registered.
func (s *Service) UpdateProfile(ctx context.Context, actor Principal, identityID, fullName string, origin string) (*Identity, error) {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == identity.FullName {
		return identity, nil
	}
	if err := s.identities.UpdateProfile(ctx, identityID, fullName); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identityID,
		Action:     auditProfileUpdated,
		ActorID:    actor.ID,
		ActorRole:  actor.Role.String(),
		Origin:     origin,
		Detail: map[string]any{
			"changes": map[string]any{"full_name": map[string]any{"old": identity.FullName, "new": fullName}},
		},
	})
	identity.FullName = fullName
	return identity, nil
}

// SetActive toggles the soft activation state. Deactivation cascades into
// session invalidation and rejects self-deactivation.
func (s *Service) SetActive(ctx context.Context, actor Principal, identityID string, active bool, origin string) error {
	if !active && actor.ID == identityID {
		return fmt.Errorf("%w: cannot deactivate your own account", ErrInvalidInput)
	}
	if _, err := s.identities.Find(ctx, identityID); err != nil {
		return err
	}
	if err := s.identities.SetActive(ctx, identityID, active); err != nil {
		return err
	}
	action := auditAccountActivated
	if !active {
		action = auditAccountDisabled
		if _, err := s.sessions.InvalidateAll(ctx, identityID); err != nil {
			obs.Logger().Println(`{"level":"warn","msg":"session invalidation failed","identity":"` + identityID + `"}`)
		}
	}
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   identityID,
		Action:     action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role.String(),
		Origin:     origin,
		Detail:     map[string]any{"changed_by": actor.ID},
	})
	return nil
}

// AuditTrail returns the newest audit entries for one identity.
func (s *Service) AuditTrail(ctx context.Context, identityID string, limit int) ([]*audit.Entry, error) {
	return s.recorder.Trail(ctx, auditEntityUser, identityID, limit)
}

// --- internals ----------------------------------------------------------

func (s *Service) mintTokens(ctx context.Context, identity *Identity) (TokenPair, error) {
	access, accessExp, err := s.codec.IssueAccess(identity)
	if err != nil {
		return TokenPair{}, err
	}
	rawRefresh, err := NewRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	rec, err := s.sessions.Create(ctx, identity.ID, HashRefreshToken(rawRefresh), s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// hashPassword runs bcrypt through the bounded semaphore.
func (s *Service) hashPassword(ctx context.Context, password string) (string, error) {
	select {
	case s.hashSem <- struct{}{}:
		defer func() { <-s.hashSem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return HashPassword(password, s.bcryptCost)
}

func (s *Service) verifyPassword(ctx context.Context, hash, password string) error {
	select {
	case s.hashSem <- struct{}{}:
		defer func() { <-s.hashSem }()
	case <-ctx.Done():
		return ctx.Err()
	}
	return VerifyPassword(hash, password)
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	s.recorder.Record(ctx, entry)
}

func (s *Service) registerFailed(ctx context.Context, email, origin, reason string, err error) error {
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   sentinelUnknown,
		Action:     auditRegisterFailed,
		Origin:     origin,
		Detail:     map[string]any{"email": email, "reason": reason},
	})
	obs.AuthOpInc("register", reason)
	return err
}

func (s *Service) loginFailed(ctx context.Context, entityID, actorRole, origin, reason string) error {
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   entityID,
		Action:     auditLoginFailed,
		ActorRole:  actorRole,
		Origin:     origin,
		Detail:     map[string]any{"reason": reason},
	})
	obs.AuthOpInc("login", reason)
	return ErrUnauthorized
}

func (s *Service) loginStoreFailed(ctx context.Context, entityID, origin string, err error) error {
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   entityID,
		Action:     auditLoginFailed,
		Origin:     origin,
		Detail:     map[string]any{"reason": "store"},
	})
	obs.AuthOpInc("login", "store_error")
	return err
}

func (s *Service) refreshFailed(ctx context.Context, entityID, origin, reason string, err error) error {
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   entityID,
		Action:     auditRefreshFailed,
		Origin:     origin,
		Detail:     map[string]any{"reason": reason},
	})
	obs.AuthOpInc("refresh", reason)
	return err
}

func (s *Service) passwordFailed(ctx context.Context, actor Principal, entityID, origin, reason string, err error) error {
	s.record(ctx, audit.Entry{
		EntityType: auditEntityUser,
		EntityID:   entityID,
		Action:     auditPasswordFailed,
		ActorID:    actor.ID,
		ActorRole:  actor.Role.String(),
		Origin:     origin,
		Detail:     map[string]any{"reason": reason},
	})
	obs.AuthOpInc("change_password", reason)
	return err
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return nil
}

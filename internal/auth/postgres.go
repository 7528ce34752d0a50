package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"authcore.org/internal/ids"
)

var (
	_ IdentityStore = (*PGIdentityStore)(nil)
	_ SessionStore  = (*PGSessionStore)(nil)
)

const uniqueViolation = "23505"

// storeErr translates a driver failure into the retryable taxonomy. Callers
// see ErrStoreUnavailable and may retry with backoff; the underlying cause is
// preserved for logs.
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// PGIdentityStore implements IdentityStore on PostgreSQL.
type PGIdentityStore struct {
	db *sql.DB
}

func NewPGIdentityStore(db *sql.DB) *PGIdentityStore {
	return &PGIdentityStore{db: db}
}

const identityColumns = `id, email, password_hash, coalesce(full_name,''), role, is_active, is_superuser, last_login, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var (
		id       Identity
		roleText string
	)
	if err := row.Scan(&id.ID, &id.Email, &id.PasswordHash, &id.FullName, &roleText,
		&id.Active, &id.Superuser, &id.LastLogin, &id.CreatedAt, &id.UpdatedAt); err != nil {
		return nil, err
	}
	role, err := ParseRole(roleText)
	if err != nil {
		return nil, err
	}
	id.Role = role
	return &id, nil
}

func (s *PGIdentityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, full_name, role, is_active, is_superuser)
		 values($1,$2,$3,nullif($4,''),$5,$6,$7)`,
		id.ID, id.Email, id.PasswordHash, id.FullName, id.Role.String(), id.Active, id.Superuser,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return storeErr(err)
	}
	return nil
}

func (s *PGIdentityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from users where id=$1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return identity, nil
}

func (s *PGIdentityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from users where email=$1`, email)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return identity, nil
}

func (s *PGIdentityStore) List(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+identityColumns+` from users order by created_at asc`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *PGIdentityStore) UpdateProfile(ctx context.Context, id, fullName string) error {
	return s.exec(ctx,
		`update users set full_name=nullif($2,''), updated_at=now() where id=$1`, id, fullName)
}

func (s *PGIdentityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

func (s *PGIdentityStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx,
		`update users set is_active=$2, updated_at=now() where id=$1`, id, active)
}

func (s *PGIdentityStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx,
		`update users set last_login=$2, updated_at=now() where id=$1`, id, at)
}

func (s *PGIdentityStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PGSessionStore implements the session ledger on PostgreSQL. The clock is
// injected so expiry comparisons line up with the service under test.
type PGSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGSessionStore(db *sql.DB, now func() time.Time) *PGSessionStore {
	if now == nil {
		now = time.Now
	}
	return &PGSessionStore{db: db, now: now}
}

func (s *PGSessionStore) Create(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*SessionRecord, error) {
	rec := &SessionRecord{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		ExpiresAt:  s.now().UTC().Add(ttl),
		CreatedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`insert into user_sessions(id, identity_id, token_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5)`,
		rec.ID, rec.IdentityID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, storeErr(err)
	}
	return rec, nil
}

func (s *PGSessionStore) FindValid(ctx context.Context, tokenHash string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identity_id, token_hash, expires_at, created_at
		 from user_sessions where token_hash=$1 and expires_at > $2`,
		tokenHash, s.now().UTC(),
	)
	var rec SessionRecord
	if err := row.Scan(&rec.ID, &rec.IdentityID, &rec.TokenHash, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return &rec, nil
}

// Rotate retires the old record and creates its replacement in one
// transaction. The row lock on the old record makes concurrent rotations of
// the same token linearizable: the loser blocks on the lock and then finds
// the row gone. The replacement is inserted before the old row is deleted so
// an interrupted rotation rolls back to a state with the old token still
// valid, never to zero valid sessions.
func (s *PGSessionStore) Rotate(ctx context.Context, oldHash, newHash string, ttl time.Duration) (*SessionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var oldID, identityID string
	err = tx.QueryRowContext(ctx,
		`select id, identity_id from user_sessions
		 where token_hash=$1 and expires_at > $2 for update`,
		oldHash, now,
	).Scan(&oldID, &identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}

	rec := &SessionRecord{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  newHash,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx,
		`insert into user_sessions(id, identity_id, token_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5)`,
		rec.ID, rec.IdentityID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt,
	); err != nil {
		return nil, storeErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from user_sessions where id=$1`, oldID,
	); err != nil {
		return nil, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

func (s *PGSessionStore) InvalidateAll(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from user_sessions where identity_id=$1`, identityID)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (s *PGSessionStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from user_sessions where expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

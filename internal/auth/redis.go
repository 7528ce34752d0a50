package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore.org/internal/ids"
)

var _ SessionStore = (*RedisSessionStore)(nil)

const (
	sessionKeyPrefix = "sess:"
	indexKeyPrefix   = "sessidx:"
)

// rotateScript is the single-winner core: compare-and-replace the session
// keyed by the presented hash. GET/DEL/SET run inside one script, so two
// concurrent rotations of the same token see exactly one winner; the loser
// gets a nil reply.
var rotateScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return false
end
local sep = string.find(cur, "|")
local identity = string.sub(cur, 1, sep - 1)
redis.call("DEL", KEYS[1])
local idx = ARGV[1] .. identity
redis.call("SREM", idx, ARGV[4])
redis.call("SET", KEYS[2], identity .. "|" .. ARGV[2], "EX", tonumber(ARGV[3]))
redis.call("SADD", idx, ARGV[5])
redis.call("EXPIRE", idx, tonumber(ARGV[3]))
return cur
`)

// invalidateScript deletes every live session of one identity and reports how
// many keys actually existed.
var invalidateScript = redis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, h in ipairs(members) do
  n = n + redis.call("DEL", ARGV[1] .. h)
end
redis.call("DEL", KEYS[1])
return n
`)

// RedisSessionStore implements the session ledger on Redis. Record expiry is
// carried by key TTLs, so expired records vanish without a sweeper; the sweep
// only clears stale per-identity index members.
type RedisSessionStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisSessionStore(rdb *redis.Client, now func() time.Time) *RedisSessionStore {
	if now == nil {
		now = time.Now
	}
	return &RedisSessionStore{rdb: rdb, now: now}
}

func sessionKey(tokenHash string) string { return sessionKeyPrefix + tokenHash }
func indexKey(identityID string) string  { return indexKeyPrefix + identityID }

// encodeRecord packs everything but the token hash into the value. The hash
// is the key itself and is never duplicated into the payload.
func encodeRecord(rec *SessionRecord) string {
	return fmt.Sprintf("%s|%s|%d|%d", rec.IdentityID, rec.ID, rec.CreatedAt.Unix(), rec.ExpiresAt.Unix())
}

func decodeRecord(tokenHash, value string) (*SessionRecord, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: corrupt session payload", ErrStoreUnavailable)
	}
	created, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt session payload", ErrStoreUnavailable)
	}
	expires, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt session payload", ErrStoreUnavailable)
	}
	return &SessionRecord{
		ID:         parts[1],
		IdentityID: parts[0],
		TokenHash:  tokenHash,
		CreatedAt:  time.Unix(created, 0).UTC(),
		ExpiresAt:  time.Unix(expires, 0).UTC(),
	}, nil
}

func (s *RedisSessionStore) Create(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*SessionRecord, error) {
	now := s.now().UTC()
	rec := &SessionRecord{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(tokenHash), encodeRecord(rec), ttl)
	pipe.SAdd(ctx, indexKey(identityID), tokenHash)
	pipe.Expire(ctx, indexKey(identityID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

func (s *RedisSessionStore) FindValid(ctx context.Context, tokenHash string) (*SessionRecord, error) {
	value, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	rec, err := decodeRecord(tokenHash, value)
	if err != nil {
		return nil, err
	}
	// Key TTL is authoritative, but double-check against the injected clock
	// so a frozen test clock behaves like the PG backend.
	if !rec.ExpiresAt.After(s.now().UTC()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisSessionStore) Rotate(ctx context.Context, oldHash, newHash string, ttl time.Duration) (*SessionRecord, error) {
	now := s.now().UTC()
	newID := ids.New()
	expiresAt := now.Add(ttl)
	payload := newID + "|" + strconv.FormatInt(now.Unix(), 10) + "|" + strconv.FormatInt(expiresAt.Unix(), 10)
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	res, err := rotateScript.Run(ctx, s.rdb,
		[]string{sessionKey(oldHash), sessionKey(newHash)},
		indexKeyPrefix, payload, seconds, oldHash, newHash,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	oldValue, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate reply", ErrStoreUnavailable)
	}
	oldRec, err := decodeRecord(oldHash, oldValue)
	if err != nil {
		return nil, err
	}
	return &SessionRecord{
		ID:         newID,
		IdentityID: oldRec.IdentityID,
		TokenHash:  newHash,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *RedisSessionStore) InvalidateAll(ctx context.Context, identityID string) (int64, error) {
	res, err := invalidateScript.Run(ctx, s.rdb,
		[]string{indexKey(identityID)}, sessionKeyPrefix,
	).Result()
	if err != nil {
		return 0, storeErr(err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid invalidate reply", ErrStoreUnavailable)
	}
	return n, nil
}

// SweepExpired prunes index members whose session key already expired. The
// records themselves are removed by Redis TTLs, so duplicate sweeps are
// no-ops.
func (s *RedisSessionStore) SweepExpired(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, indexKeyPrefix+"*", 100).Result()
		if err != nil {
			return removed, storeErr(err)
		}
		for _, idx := range keys {
			members, err := s.rdb.SMembers(ctx, idx).Result()
			if err != nil {
				return removed, storeErr(err)
			}
			for _, hash := range members {
				exists, err := s.rdb.Exists(ctx, sessionKey(hash)).Result()
				if err != nil {
					return removed, storeErr(err)
				}
				if exists == 0 {
					if err := s.rdb.SRem(ctx, idx, hash).Err(); err != nil {
						return removed, storeErr(err)
					}
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"authcore.org/internal/obs"
)

// Entry is an immutable fact about a security-relevant action. Entries are
// write-once; ordering by CreatedAt is the canonical read order.
type Entry struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	ActorID    string // empty for unauthenticated failures
	ActorRole  string
	Origin     string
	Detail     map[string]any
	CreatedAt  time.Time
}

// Store appends immutable entries and serves the read side.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error)
}

// Recorder writes audit entries through a durable store. A store failure must
// never become a denial-of-service vector for the operation being audited, so
// Record degrades to a best-effort JSON warning line instead of propagating
// the error.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder. now may be nil.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends the entry. Callers invoke it after the state mutation they
// describe has committed; failed-attempt entries log the attempt itself.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || strings.TrimSpace(entry.Action) == "" {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	if entry.Detail == nil {
		entry.Detail = map[string]any{}
	}
	if r.store == nil {
		r.fallback(entry, nil)
		return
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		r.fallback(entry, err)
	}
}

// Trail returns the newest entries for an entity, canonical order.
func (r *Recorder) Trail(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.store.ListByEntity(ctx, entityType, entityID, limit)
}

// fallback emits the entry to the shared logger as a secondary channel.
func (r *Recorder) fallback(entry Entry, cause error) {
	line := map[string]any{
		"ts":          entry.CreatedAt.Format(time.RFC3339Nano),
		"type":        "audit_fallback",
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
		"action":      entry.Action,
		"actor_id":    entry.ActorID,
		"actor_role":  entry.ActorRole,
		"origin":      entry.Origin,
		"detail":      entry.Detail,
	}
	if cause != nil {
		line["store_error"] = cause.Error()
	}
	data, err := json.Marshal(line)
	if err != nil {
		obs.Logger().Println(`{"type":"audit_fallback","error":"marshal failed"}`)
		return
	}
	obs.Logger().Println(string(data))
}

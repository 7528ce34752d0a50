package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"authcore.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. audit_logs is append-only: the
// engine never updates or deletes rows, retention is an external concern.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into audit_logs(id, entity_type, entity_id, action, actor_id, actor_role, origin, detail, created_at)
		 values($1,$2,$3,$4,nullif($5,''),nullif($6,''),nullif($7,''),$8,$9)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		entry.ActorID, entry.ActorRole, entry.Origin, detail, entry.CreatedAt,
	)
	return err
}

func (s *PGStore) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, entity_type, entity_id, action, coalesce(actor_id,''), coalesce(actor_role,''), coalesce(origin,''), detail, created_at
		 from audit_logs where entity_type=$1 and entity_id=$2
		 order by created_at desc limit $3`,
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e      Entry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.ActorRole, &e.Origin, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(detail, &e.Detail)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

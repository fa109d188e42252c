package audit

import (
	"context"
	"database/sql"
	"fmt"

	"call-signaling/pkg/utils"
)

// PostgresSchema creates the insert-only audit table.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
  id            TEXT PRIMARY KEY,
  org_id        TEXT NOT NULL,
  type          TEXT NOT NULL,
  actor_user_id TEXT,
  actor_role    TEXT,
  ip_address    TEXT,
  call_id       TEXT,
  from_status   TEXT,
  to_status     TEXT,
  message       TEXT,
  metadata      TEXT,
  created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_call_id ON audit_events (call_id, created_at)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if err := utils.Migrate(ctx, r.db, PostgresSchema...); err != nil {
		return fmt.Errorf("audit migrate: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `INSERT INTO audit_events
  (id, org_id, type, actor_user_id, actor_role, ip_address, call_id, from_status, to_status, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.OrgID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CallID, e.FromStatus, e.ToStatus, e.Message, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	const q = `SELECT id, org_id, type, actor_user_id, actor_role, ip_address, call_id, from_status, to_status, message, metadata, created_at
FROM audit_events WHERE call_id = $1 ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var actor, role, ip, call, from, to, msg, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.OrgID, &typ, &actor, &role, &ip, &call, &from, &to, &msg, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		e.Type = EventType(typ)
		e.ActorUserID, e.ActorRole, e.IPAddress = actor.String, role.String, ip.String
		e.CallID, e.FromStatus, e.ToStatus = call.String, from.String, to.String
		e.Message, e.Metadata = msg.String, meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

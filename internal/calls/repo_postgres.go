package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"call-signaling/pkg/utils"
)

// PostgresSchema is applied by PostgresRepo.Migrate. Statements are idempotent.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
  id                  TEXT PRIMARY KEY,
  org_id              TEXT NOT NULL,
  status              TEXT NOT NULL,
  created_by_user_id  TEXT NOT NULL,
  accepted_by_user_id TEXT,
  created_at          TIMESTAMPTZ NOT NULL,
  updated_at          TIMESTAMPTZ NOT NULL,
  started_at          TIMESTAMPTZ,
  ended_at            TIMESTAMPTZ,
  ended_by            TEXT,
  reason              TEXT,
  ring_expires_at     TIMESTAMPTZ,
  metadata            JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls (status)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_org_created ON calls (org_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_ring_expires_at ON calls (ring_expires_at) WHERE status = 'ringing'`,
	`CREATE TABLE IF NOT EXISTS call_participants (
  id        TEXT PRIMARY KEY,
  call_id   TEXT NOT NULL REFERENCES calls (id),
  user_id   TEXT NOT NULL,
  role      TEXT NOT NULL,
  state     TEXT NOT NULL,
  joined_at TIMESTAMPTZ,
  left_at   TIMESTAMPTZ,
  stats     JSONB NOT NULL DEFAULT '[]'::jsonb
)`,
	`CREATE INDEX IF NOT EXISTS idx_call_participants_call_id ON call_participants (call_id)`,
}

const callColumns = `id, org_id, status, created_by_user_id, accepted_by_user_id, created_at, updated_at,
started_at, ended_at, ended_by, reason, ring_expires_at, metadata`

// PostgresRepo stores calls in Postgres through database/sql (pgx stdlib).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return storageErr("migrate", utils.Migrate(ctx, r.db, PostgresSchema...))
}

func (r *PostgresRepo) Create(ctx context.Context, c Call, participants []Participant) error {
	if c.ID == "" {
		return ErrInvalidArgument
	}
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return err
	}
	err = utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO calls (
  id, org_id, status, created_by_user_id, accepted_by_user_id, created_at, updated_at,
  started_at, ended_at, ended_by, reason, ring_expires_at, metadata
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
		if _, err := tx.ExecContext(ctx, q,
			c.ID,
			c.OrgID,
			c.Status,
			c.CreatedByUserID,
			nullString(c.AcceptedByUserID),
			c.CreatedAt,
			c.UpdatedAt,
			nullTime(c.StartedAt),
			nullTime(c.EndedAt),
			nullString(c.EndedBy),
			nullString(c.Reason),
			nullTime(c.RingExpiresAt),
			meta,
		); err != nil {
			return err
		}

		const qp = `
INSERT INTO call_participants (id, call_id, user_id, role, state, joined_at, left_at, stats)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
		for _, p := range participants {
			stats, err := json.Marshal(nonNilStats(p.Stats))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, qp,
				p.ID,
				c.ID,
				p.UserID,
				p.Role,
				p.State,
				nullTime(p.JoinedAt),
				nullTime(p.LeftAt),
				stats,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("create", err)
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, storageErr("get", err)
	}
	return c, nil
}

// AcceptCAS flips ringing -> accepted in one conditional UPDATE, so it holds
// across any number of concurrent writers and process instances.
func (r *PostgresRepo) AcceptCAS(ctx context.Context, callID, responderID string, now time.Time) (bool, error) {
	const q = `
UPDATE calls
SET status = 'accepted', accepted_by_user_id = $2, started_at = $3, updated_at = $3
WHERE id = $1
  AND status = 'ringing'
  AND accepted_by_user_id IS NULL
  AND (ring_expires_at IS NULL OR ring_expires_at > $3)
RETURNING id
`
	var id string
	if err := r.db.QueryRowContext(ctx, q, callID, responderID, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, storageErr("accept", err)
	}
	return true, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, callID string, status Status, p Patch) (Call, error) {
	meta, err := marshalMeta(p.Metadata)
	if err != nil {
		return Call{}, err
	}
	q := `
UPDATE calls
SET status = $2,
    updated_at = $3,
    ended_at = CASE WHEN $4::boolean THEN $3 ELSE ended_at END,
    ended_by = COALESCE(NULLIF($5, ''), ended_by),
    reason = COALESCE(NULLIF($6, ''), reason),
    metadata = metadata || $7::jsonb
WHERE id = $1 AND status = ANY($8)
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q,
		callID,
		status,
		p.At,
		status.Terminal(),
		p.EndedBy,
		p.Reason,
		meta,
		statusStrings(SourcesFor(status)),
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Call{}, storageErr("update status", err)
	}
	// Nothing matched: either unknown id or a refused transition.
	cur, gerr := r.Get(ctx, callID)
	if gerr != nil {
		return Call{}, gerr
	}
	return Call{}, transitionErr(cur.Status)
}

func (r *PostgresRepo) MergeMetadata(ctx context.Context, callID string, kv map[string]string, now time.Time) error {
	meta, err := marshalMeta(kv)
	if err != nil {
		return err
	}
	const q = `UPDATE calls SET metadata = metadata || $2::jsonb, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, callID, meta, now)
	if err != nil {
		return storageErr("merge metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) FindTimedOutCalls(ctx context.Context, now time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE status = 'ringing' AND ring_expires_at < $1
ORDER BY ring_expires_at`
	return r.queryCalls(ctx, "find timed out", q, now)
}

func (r *PostgresRepo) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at`
	return r.queryCalls(ctx, "list", q, orgID, from, to)
}

func (r *PostgresRepo) Participants(ctx context.Context, callID string) ([]Participant, error) {
	const q = `
SELECT id, call_id, user_id, role, state, joined_at, left_at, stats
FROM call_participants
WHERE call_id = $1
ORDER BY role, id
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, storageErr("participants", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p        Participant
			joined   sql.NullTime
			left     sql.NullTime
			rawStats []byte
		)
		if err := rows.Scan(&p.ID, &p.CallID, &p.UserID, &p.Role, &p.State, &joined, &left, &rawStats); err != nil {
			return nil, storageErr("participants", err)
		}
		p.JoinedAt = timePtr(joined)
		p.LeftAt = timePtr(left)
		if len(rawStats) > 0 {
			if err := json.Unmarshal(rawStats, &p.Stats); err != nil {
				return nil, storageErr("participants", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("participants", err)
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, callID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PostgresRepo) SetParticipantState(ctx context.Context, callID, userID string, state ParticipantState, at time.Time) error {
	const q = `
UPDATE call_participants
SET state = $3,
    joined_at = CASE WHEN $3 = 'joined' THEN COALESCE(joined_at, $4) ELSE joined_at END,
    left_at = CASE WHEN $3 = 'left' THEN $4 ELSE left_at END
WHERE call_id = $1 AND user_id = $2
`
	res, err := r.db.ExecContext(ctx, q, callID, userID, state, at)
	if err != nil {
		return storageErr("participant state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) AppendStats(ctx context.Context, callID, userID string, s StatsSample) error {
	sample, err := json.Marshal([]StatsSample{s})
	if err != nil {
		return err
	}
	const q = `UPDATE call_participants SET stats = stats || $3::jsonb WHERE call_id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, q, callID, userID, sample)
	if err != nil {
		return storageErr("append stats", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) queryCalls(ctx context.Context, op, q string, args ...any) ([]Call, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c          Call
		acceptedBy sql.NullString
		endedBy    sql.NullString
		reason     sql.NullString
		startedAt  sql.NullTime
		endedAt    sql.NullTime
		expiresAt  sql.NullTime
		rawMeta    []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.OrgID,
		&c.Status,
		&c.CreatedByUserID,
		&acceptedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
		&startedAt,
		&endedAt,
		&endedBy,
		&reason,
		&expiresAt,
		&rawMeta,
	); err != nil {
		return Call{}, err
	}
	c.AcceptedByUserID = acceptedBy.String
	c.EndedBy = endedBy.String
	c.Reason = reason.String
	c.StartedAt = timePtr(startedAt)
	c.EndedAt = timePtr(endedAt)
	c.RingExpiresAt = timePtr(expiresAt)
	meta, err := unmarshalMeta(rawMeta)
	if err != nil {
		return Call{}, err
	}
	c.Metadata = meta
	return c, nil
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMeta(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nonNilStats(s []StatsSample) []StatsSample {
	if s == nil {
		return []StatsSample{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

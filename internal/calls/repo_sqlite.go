package calls

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// sqliteCall is the gorm row. Times are unix milliseconds so that ordering
// and comparisons stay numeric inside SQLite.
type sqliteCall struct {
	ID               string `gorm:"primaryKey"`
	OrgID            string `gorm:"index:idx_calls_org_created,priority:1;not null"`
	Status           string `gorm:"index;not null"`
	CreatedByUserID  string `gorm:"not null"`
	AcceptedByUserID *string
	CreatedAt        int64 `gorm:"index:idx_calls_org_created,priority:2;autoCreateTime:false"`
	UpdatedAt        int64 `gorm:"autoUpdateTime:false"`
	StartedAt        *int64
	EndedAt          *int64
	EndedBy          string
	Reason           string
	RingExpiresAt    *int64 `gorm:"index"`
	Metadata         string `gorm:"not null;default:'{}'"`
}

func (sqliteCall) TableName() string { return "calls" }

type sqliteParticipant struct {
	ID       string `gorm:"primaryKey"`
	CallID   string `gorm:"index;not null"`
	UserID   string `gorm:"not null"`
	Role     string `gorm:"not null"`
	State    string `gorm:"not null"`
	JoinedAt *int64
	LeftAt   *int64
	Stats    string `gorm:"not null;default:'[]'"`
}

func (sqliteParticipant) TableName() string { return "call_participants" }

// SQLiteRepo is the single-node durable backend. Every write that depends on
// the current status is a conditional UPDATE checked through RowsAffected.
type SQLiteRepo struct {
	db *gorm.DB
}

func NewSQLiteRepo(db *gorm.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

func (r *SQLiteRepo) Migrate(ctx context.Context) error {
	return storageErr("migrate", r.db.WithContext(ctx).AutoMigrate(&sqliteCall{}, &sqliteParticipant{}))
}

func (r *SQLiteRepo) Create(ctx context.Context, c Call, participants []Participant) error {
	if c.ID == "" {
		return ErrInvalidArgument
	}
	row, err := toSQLiteCall(c)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, p := range participants {
			pr, err := toSQLiteParticipant(c.ID, p)
			if err != nil {
				return err
			}
			if err := tx.Create(&pr).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("create", err)
}

func (r *SQLiteRepo) Get(ctx context.Context, callID string) (Call, error) {
	row, err := r.getRow(r.db.WithContext(ctx), callID)
	if err != nil {
		return Call{}, err
	}
	return fromSQLiteCall(row)
}

func (r *SQLiteRepo) getRow(db *gorm.DB, callID string) (sqliteCall, error) {
	var row sqliteCall
	if err := db.Where("id = ?", callID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sqliteCall{}, ErrNotFound
		}
		return sqliteCall{}, storageErr("get", err)
	}
	return row, nil
}

func (r *SQLiteRepo) AcceptCAS(ctx context.Context, callID, responderID string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	res := r.db.WithContext(ctx).
		Model(&sqliteCall{}).
		Where("id = ? AND status = ? AND accepted_by_user_id IS NULL AND (ring_expires_at IS NULL OR ring_expires_at > ?)",
			callID, string(StatusRinging), ms).
		Updates(map[string]any{
			"status":              string(StatusAccepted),
			"accepted_by_user_id": responderID,
			"started_at":          ms,
			"updated_at":          ms,
		})
	if res.Error != nil {
		return false, storageErr("accept", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SQLiteRepo) UpdateStatus(ctx context.Context, callID string, status Status, p Patch) (Call, error) {
	var out Call
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := r.getRow(tx, callID)
		if err != nil {
			return err
		}
		from := Status(row.Status)
		if !CanTransition(from, status) {
			return transitionErr(from)
		}
		cur, err := fromSQLiteCall(row)
		if err != nil {
			return err
		}
		meta, err := marshalMeta(mergeMeta(cur.Metadata, p.Metadata))
		if err != nil {
			return err
		}

		ms := p.At.UnixMilli()
		set := map[string]any{
			"status":     string(status),
			"updated_at": ms,
			"metadata":   string(meta),
		}
		if status.Terminal() {
			set["ended_at"] = ms
		}
		if p.EndedBy != "" {
			set["ended_by"] = p.EndedBy
		}
		if p.Reason != "" {
			set["reason"] = p.Reason
		}
		res := tx.Model(&sqliteCall{}).
			Where("id = ? AND status = ?", callID, row.Status).
			Updates(set)
		if res.Error != nil {
			return storageErr("update status", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another writer.
			latest, err := r.getRow(tx, callID)
			if err != nil {
				return err
			}
			return transitionErr(Status(latest.Status))
		}
		updated, err := r.getRow(tx, callID)
		if err != nil {
			return err
		}
		out, err = fromSQLiteCall(updated)
		return err
	})
	if err != nil {
		return Call{}, err
	}
	return out, nil
}

func (r *SQLiteRepo) MergeMetadata(ctx context.Context, callID string, kv map[string]string, now time.Time) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		row, err := r.getRow(r.db.WithContext(ctx), callID)
		if err != nil {
			return err
		}
		cur, err := unmarshalMeta([]byte(row.Metadata))
		if err != nil {
			return storageErr("merge metadata", err)
		}
		meta, err := marshalMeta(mergeMeta(cur, kv))
		if err != nil {
			return err
		}
		res := r.db.WithContext(ctx).Model(&sqliteCall{}).
			Where("id = ? AND metadata = ?", callID, row.Metadata).
			Updates(map[string]any{"metadata": string(meta), "updated_at": now.UnixMilli()})
		if res.Error != nil {
			return storageErr("merge metadata", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return storageErr("merge metadata", errors.New("concurrent metadata updates"))
}

func (r *SQLiteRepo) FindTimedOutCalls(ctx context.Context, now time.Time) ([]Call, error) {
	var rows []sqliteCall
	err := r.db.WithContext(ctx).
		Where("status = ? AND ring_expires_at IS NOT NULL AND ring_expires_at < ?", string(StatusRinging), now.UnixMilli()).
		Order("ring_expires_at").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("find timed out", err)
	}
	return fromSQLiteCalls(rows)
}

func (r *SQLiteRepo) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]Call, error) {
	var rows []sqliteCall
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND created_at >= ? AND created_at < ?", orgID, from.UnixMilli(), to.UnixMilli()).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("list", err)
	}
	return fromSQLiteCalls(rows)
}

func (r *SQLiteRepo) Participants(ctx context.Context, callID string) ([]Participant, error) {
	var rows []sqliteParticipant
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).Order("role, id").Find(&rows).Error; err != nil {
		return nil, storageErr("participants", err)
	}
	if len(rows) == 0 {
		if _, err := r.getRow(r.db.WithContext(ctx), callID); err != nil {
			return nil, err
		}
	}
	out := make([]Participant, 0, len(rows))
	for _, row := range rows {
		p, err := fromSQLiteParticipant(row)
		if err != nil {
			return nil, storageErr("participants", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *SQLiteRepo) SetParticipantState(ctx context.Context, callID, userID string, state ParticipantState, at time.Time) error {
	return r.updateParticipants(ctx, "participant state", callID, userID, func(p *Participant) {
		applyParticipantState(p, state, at)
	})
}

func (r *SQLiteRepo) AppendStats(ctx context.Context, callID, userID string, s StatsSample) error {
	return r.updateParticipants(ctx, "append stats", callID, userID, func(p *Participant) {
		p.Stats = append(p.Stats, s)
	})
}

func (r *SQLiteRepo) updateParticipants(ctx context.Context, op, callID, userID string, fn func(*Participant)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []sqliteParticipant
		if err := tx.Where("call_id = ? AND user_id = ?", callID, userID).Find(&rows).Error; err != nil {
			return storageErr(op, err)
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		for _, row := range rows {
			p, err := fromSQLiteParticipant(row)
			if err != nil {
				return storageErr(op, err)
			}
			fn(&p)
			next, err := toSQLiteParticipant(callID, p)
			if err != nil {
				return err
			}
			if err := tx.Save(&next).Error; err != nil {
				return storageErr(op, err)
			}
		}
		return nil
	})
}

func toSQLiteCall(c Call) (sqliteCall, error) {
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return sqliteCall{}, err
	}
	row := sqliteCall{
		ID:              c.ID,
		OrgID:           c.OrgID,
		Status:          string(c.Status),
		CreatedByUserID: c.CreatedByUserID,
		CreatedAt:       c.CreatedAt.UnixMilli(),
		UpdatedAt:       c.UpdatedAt.UnixMilli(),
		StartedAt:       toMillis(c.StartedAt),
		EndedAt:         toMillis(c.EndedAt),
		EndedBy:         c.EndedBy,
		Reason:          c.Reason,
		RingExpiresAt:   toMillis(c.RingExpiresAt),
		Metadata:        string(meta),
	}
	if c.AcceptedByUserID != "" {
		v := c.AcceptedByUserID
		row.AcceptedByUserID = &v
	}
	return row, nil
}

func fromSQLiteCall(row sqliteCall) (Call, error) {
	meta, err := unmarshalMeta([]byte(row.Metadata))
	if err != nil {
		return Call{}, storageErr("decode", err)
	}
	c := Call{
		ID:              row.ID,
		OrgID:           row.OrgID,
		Status:          Status(row.Status),
		CreatedByUserID: row.CreatedByUserID,
		CreatedAt:       time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:       time.UnixMilli(row.UpdatedAt).UTC(),
		StartedAt:       fromMillis(row.StartedAt),
		EndedAt:         fromMillis(row.EndedAt),
		EndedBy:         row.EndedBy,
		Reason:          row.Reason,
		RingExpiresAt:   fromMillis(row.RingExpiresAt),
		Metadata:        meta,
	}
	if row.AcceptedByUserID != nil {
		c.AcceptedByUserID = *row.AcceptedByUserID
	}
	return c, nil
}

func fromSQLiteCalls(rows []sqliteCall) ([]Call, error) {
	out := make([]Call, 0, len(rows))
	for _, row := range rows {
		c, err := fromSQLiteCall(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func toSQLiteParticipant(callID string, p Participant) (sqliteParticipant, error) {
	stats, err := json.Marshal(nonNilStats(p.Stats))
	if err != nil {
		return sqliteParticipant{}, err
	}
	return sqliteParticipant{
		ID:       p.ID,
		CallID:   callID,
		UserID:   p.UserID,
		Role:     string(p.Role),
		State:    string(p.State),
		JoinedAt: toMillis(p.JoinedAt),
		LeftAt:   toMillis(p.LeftAt),
		Stats:    string(stats),
	}, nil
}

func fromSQLiteParticipant(row sqliteParticipant) (Participant, error) {
	p := Participant{
		ID:       row.ID,
		CallID:   row.CallID,
		UserID:   row.UserID,
		Role:     ParticipantRole(row.Role),
		State:    ParticipantState(row.State),
		JoinedAt: fromMillis(row.JoinedAt),
		LeftAt:   fromMillis(row.LeftAt),
	}
	if row.Stats != "" {
		if err := json.Unmarshal([]byte(row.Stats), &p.Stats); err != nil {
			return Participant{}, err
		}
		if len(p.Stats) == 0 {
			p.Stats = nil
		}
	}
	return p, nil
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

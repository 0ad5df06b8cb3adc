package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/option-booking/internal/model"
)

// AuditRepo records the per-answer outcome of revalidation runs.
type AuditRepo struct{ DB *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{DB: db} }

// Record appends one audit entry.
func (r *AuditRepo) Record(ctx context.Context, e *model.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO revalidation_audit (work_item_id, option_id, user_id, check_id, action_id, outcome, error, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkItemID, e.OptionID, e.UserID, e.CheckID, e.ActionID, e.Outcome, e.Error, millis(e.CreatedAt))
	if err != nil {
		return unavailable(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = uint64(id)
	}
	return nil
}

// AuditFilter narrows List.  Zero fields match everything.
type AuditFilter struct {
	OptionID   uint64
	WorkItemID string
	Limit      int
}

// List returns audit entries in insertion order.
func (r *AuditRepo) List(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	q := `SELECT id, work_item_id, option_id, user_id, check_id, action_id, outcome, error, created_at
          FROM revalidation_audit WHERE 1=1`
	args := make([]any, 0, 3)
	if f.OptionID != 0 {
		q += ` AND option_id = ?`
		args = append(args, f.OptionID)
	}
	if f.WorkItemID != "" {
		q += ` AND work_item_id = ?`
		args = append(args, f.WorkItemID)
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]model.AuditEntry, 0)
	for rows.Next() {
		var (
			e  model.AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.OptionID, &e.UserID, &e.CheckID, &e.ActionID,
			&e.Outcome, &e.Error, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

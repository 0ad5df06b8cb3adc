package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/option-booking/internal/model"
)

const taskColumns = `id, option_id, user_id, check_ids, action_id, flag, dedupe_key, scheduled_at,
       status, attempts, lease_until, last_error, created_at, updated_at`

// TaskRepo is the durable queue of deferred revalidation work items.  A
// unique pending_key column holds the dedupe key while an item is PENDING,
// which collapses duplicate schedules at the store level.
type TaskRepo struct{ DB *sql.DB }

func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{DB: db} }

func scanTask(row rowScanner) (model.WorkItem, error) {
	var (
		w                           model.WorkItem
		checks, status              string
		scheduled, created, updated int64
		lease                       sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.OptionID, &w.UserID, &checks, &w.ActionID, &w.Flag, &w.DedupeKey,
		&scheduled, &status, &w.Attempts, &lease, &w.LastError, &created, &updated)
	if err != nil {
		return model.WorkItem{}, err
	}
	if err := json.Unmarshal([]byte(checks), &w.CheckIDs); err != nil {
		return model.WorkItem{}, fmt.Errorf("decode check ids of task %s: %w", w.ID, err)
	}
	w.Status = model.WorkItemStatus(status)
	w.ScheduledAt = fromMillis(scheduled)
	w.LeaseUntil = timePtr(lease)
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return w, nil
}

// Insert stores a new PENDING work item.  ErrDuplicate means another
// pending item with the same dedupe key already exists.
func (r *TaskRepo) Insert(ctx context.Context, w *model.WorkItem) error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("work item id is required")
	}
	checks, err := json.Marshal(w.CheckIDs)
	if err != nil {
		return fmt.Errorf("encode check ids: %w", err)
	}
	now := time.Now().UTC()
	w.Status = model.WorkPending
	w.CreatedAt, w.UpdatedAt = now, now
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO revalidation_tasks (id, option_id, user_id, check_ids, action_id, flag, dedupe_key,
                                         pending_key, scheduled_at, status, attempts, lease_until,
                                         last_error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', ?, ?)`,
		w.ID, w.OptionID, w.UserID, string(checks), w.ActionID, w.Flag, w.DedupeKey,
		w.DedupeKey, millis(w.ScheduledAt), string(model.WorkPending), millis(now), millis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return unavailable(fmt.Errorf("insert task: %w", err))
	}
	return nil
}

// Get returns one work item or ErrNotFound.
func (r *TaskRepo) Get(ctx context.Context, id string) (model.WorkItem, error) {
	w, err := scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM revalidation_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkItem{}, ErrNotFound
		}
		return model.WorkItem{}, unavailable(err)
	}
	return w, nil
}

// TaskFilter narrows List.
type TaskFilter struct {
	OptionID uint64
	Status   model.WorkItemStatus
	Limit    int
}

// List returns work items, newest schedule first.
func (r *TaskRepo) List(ctx context.Context, f TaskFilter) ([]model.WorkItem, error) {
	q := `SELECT ` + taskColumns + ` FROM revalidation_tasks WHERE 1=1`
	args := make([]any, 0, 3)
	if f.OptionID != 0 {
		q += ` AND option_id = ?`
		args = append(args, f.OptionID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY scheduled_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]model.WorkItem, 0)
	for rows.Next() {
		w, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClaimDue leases up to limit due items.  An item is due when it is
// PENDING and scheduled at or before now, or RUNNING with an expired lease
// (its worker died).  Each claim is a conditional update so that
// concurrent workers never both win the same item.
func (r *TaskRepo) ClaimDue(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]model.WorkItem, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM revalidation_tasks
         WHERE (status = ? AND scheduled_at <= ?) OR (status = ? AND lease_until < ?)
         ORDER BY scheduled_at, id LIMIT ?`,
		string(model.WorkPending), millis(now), string(model.WorkRunning), millis(now), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lease := millis(now.Add(leaseTTL))
	claimed := make([]model.WorkItem, 0, len(ids))
	for _, id := range ids {
		res, err := r.DB.ExecContext(ctx,
			`UPDATE revalidation_tasks
             SET status = ?, pending_key = NULL, attempts = attempts + 1, lease_until = ?, updated_at = ?
             WHERE id = ? AND ((status = ? AND scheduled_at <= ?) OR (status = ? AND lease_until < ?))`,
			string(model.WorkRunning), lease, millis(now), id,
			string(model.WorkPending), millis(now), string(model.WorkRunning), millis(now))
		if err != nil {
			return claimed, unavailable(fmt.Errorf("claim task %s: %w", id, err))
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		w, err := r.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, w)
	}
	return claimed, nil
}

func (r *TaskRepo) finish(ctx context.Context, id string, status model.WorkItemStatus, lastErr string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE revalidation_tasks SET status = ?, pending_key = NULL, lease_until = NULL,
                last_error = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(status), lastErr, millis(time.Now()), id, string(model.WorkRunning))
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkDone completes a claimed item.
func (r *TaskRepo) MarkDone(ctx context.Context, id string) error {
	return r.finish(ctx, id, model.WorkDone, "")
}

// MarkFailed gives up on a claimed item.
func (r *TaskRepo) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, id, model.WorkFailed, msg)
}

// Reschedule returns a claimed item to PENDING for a retry at next.  It
// does not take the pending key back, so a fresh schedule of the same key
// may run alongside the retry; both are idempotent.
func (r *TaskRepo) Reschedule(ctx context.Context, id string, next time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE revalidation_tasks SET status = ?, scheduled_at = ?, lease_until = NULL,
                last_error = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(model.WorkPending), millis(next), msg, millis(time.Now()), id, string(model.WorkRunning))
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel cancels a PENDING item.  Running or finished items are left
// alone and ErrConflict is returned.
func (r *TaskRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE revalidation_tasks SET status = ?, pending_key = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(model.WorkCancelled), millis(time.Now()), id, string(model.WorkPending))
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// CancelPendingForOption cancels every pending item of an option and
// returns how many were cancelled.
func (r *TaskRepo) CancelPendingForOption(ctx context.Context, optionID uint64) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE revalidation_tasks SET status = ?, pending_key = NULL, updated_at = ?
         WHERE option_id = ? AND status = ?`,
		string(model.WorkCancelled), millis(time.Now()), optionID, string(model.WorkPending))
	if err != nil {
		return 0, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingByKey returns the pending item holding key, or ErrNotFound.
func (r *TaskRepo) PendingByKey(ctx context.Context, key string) (model.WorkItem, error) {
	w, err := scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM revalidation_tasks WHERE pending_key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkItem{}, ErrNotFound
		}
		return model.WorkItem{}, unavailable(err)
	}
	return w, nil
}

// PurgeFinished deletes finished items older than before.
func (r *TaskRepo) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM revalidation_tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(model.WorkDone), string(model.WorkCancelled), string(model.WorkFailed), millis(before))
	if err != nil {
		return 0, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MergePending rewrites the check ids and flag of the pending item holding
// key with merge's result.  The update is a compare-and-swap on the old
// values, retried a few times when a concurrent merge wins.  ErrNotFound
// means no item is pending under key any more.
func (r *TaskRepo) MergePending(ctx context.Context, key string,
	merge func(w model.WorkItem) (checkIDs []string, flag string)) (model.WorkItem, error) {
	for attempt := 0; attempt < 3; attempt++ {
		w, err := r.PendingByKey(ctx, key)
		if err != nil {
			return model.WorkItem{}, err
		}
		oldChecks, err := json.Marshal(w.CheckIDs)
		if err != nil {
			return model.WorkItem{}, fmt.Errorf("encode check ids: %w", err)
		}
		checks, flag := merge(w)
		if checks == nil {
			checks = []string{}
		}
		newChecks, err := json.Marshal(checks)
		if err != nil {
			return model.WorkItem{}, fmt.Errorf("encode check ids: %w", err)
		}
		if string(newChecks) == string(oldChecks) && flag == w.Flag {
			return w, nil
		}
		now := time.Now().UTC()
		res, err := r.DB.ExecContext(ctx,
			`UPDATE revalidation_tasks SET check_ids = ?, flag = ?, updated_at = ?
             WHERE id = ? AND pending_key = ? AND check_ids = ? AND flag = ?`,
			string(newChecks), flag, millis(now), w.ID, key, string(oldChecks), w.Flag)
		if err != nil {
			return model.WorkItem{}, unavailable(fmt.Errorf("merge task %s: %w", w.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			w.CheckIDs, w.Flag, w.UpdatedAt = checks, flag, now
			return w, nil
		}
	}
	return model.WorkItem{}, ErrConflict
}

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

// optionColumns lists the options columns in scan order.
const optionColumns = `id, context_id, name, max_answers, max_overbooking, waitlist_enabled,
       requires_confirmation, invisible, revalidate, booking_opens_at, booking_closes_at,
       conditions, version, created_at, updated_at`

// OptionRepo manages persistence for options.  Ledger-related writes
// (version bumps under lock) go through AnswerRepo.WithOptionLock instead.
type OptionRepo struct {
	db *sql.DB
}

// NewOptionRepo returns a new OptionRepo bound to the given database.
func NewOptionRepo(db *sql.DB) *OptionRepo { return &OptionRepo{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOption(row rowScanner) (model.Option, error) {
	var (
		o                 model.Option
		opens, closes     sql.NullInt64
		conditions        string
		created, modified int64
	)
	err := row.Scan(
		&o.ID, &o.ContextID, &o.Name, &o.MaxAnswers, &o.MaxOverbooking, &o.WaitlistEnabled,
		&o.RequiresConfirmation, &o.Invisible, &o.Revalidate, &opens, &closes,
		&conditions, &o.Version, &created, &modified,
	)
	if err != nil {
		return model.Option{}, err
	}
	o.BookingOpensAt = timePtr(opens)
	o.BookingClosesAt = timePtr(closes)
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(modified)
	if strings.TrimSpace(conditions) != "" {
		if err := json.Unmarshal([]byte(conditions), &o.Conditions); err != nil {
			return model.Option{}, fmt.Errorf("decode conditions of option %d: %w", o.ID, err)
		}
	}
	return o, nil
}

func encodeConditions(cs []model.ConditionConfig) (string, error) {
	if cs == nil {
		cs = []model.ConditionConfig{}
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encode conditions: %w", err)
	}
	return string(b), nil
}

// Create inserts a new option.  On success the generated ID and the
// timestamps are populated on the given Option.
func (r *OptionRepo) Create(ctx context.Context, o *model.Option) error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("option name is required")
	}
	conds, err := encodeConditions(o.Conditions)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	const q = `INSERT INTO options (context_id, name, max_answers, max_overbooking, waitlist_enabled,
                requires_confirmation, invisible, revalidate, booking_opens_at, booking_closes_at,
                conditions, version, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		o.ContextID, o.Name, o.MaxAnswers, o.MaxOverbooking, o.WaitlistEnabled,
		o.RequiresConfirmation, o.Invisible, o.Revalidate, nullMillis(o.BookingOpensAt), nullMillis(o.BookingClosesAt),
		conds, millis(now), millis(now),
	)
	if err != nil {
		return unavailable(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	o.Version = 0
	o.CreatedAt = time.UnixMilli(millis(now)).UTC()
	o.UpdatedAt = o.CreatedAt
	return nil
}

// GetByID returns a single option or ErrNotFound.
func (r *OptionRepo) GetByID(ctx context.Context, id uint64) (model.Option, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+optionColumns+` FROM options WHERE id = ?`, id)
	o, err := scanOption(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Option{}, ErrNotFound
		}
		return model.Option{}, unavailable(err)
	}
	return o, nil
}

// OptionFilter narrows List.  Zero values do not filter.
type OptionFilter struct {
	ContextID        uint64
	OnlyRevalidate   bool
	IncludeInvisible bool
}

// List returns options ordered by id.
func (r *OptionRepo) List(ctx context.Context, f OptionFilter) ([]model.Option, error) {
	var (
		where []string
		args  []any
	)
	if f.ContextID != 0 {
		where = append(where, "context_id = ?")
		args = append(args, f.ContextID)
	}
	if f.OnlyRevalidate {
		where = append(where, "revalidate = 1")
	}
	if !f.IncludeInvisible {
		where = append(where, "invisible = 0")
	}
	q := `SELECT ` + optionColumns + ` FROM options`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]model.Option, 0)
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Update writes the configurable fields of an option and bumps its
// version.  Capacity changes do not promote waitlisted answers by
// themselves; callers follow up with ledger.Rebalance.
func (r *OptionRepo) Update(ctx context.Context, o *model.Option) error {
	conds, err := encodeConditions(o.Conditions)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	const q = `UPDATE options SET context_id = ?, name = ?, max_answers = ?, max_overbooking = ?,
                waitlist_enabled = ?, requires_confirmation = ?, invisible = ?, revalidate = ?,
                booking_opens_at = ?, booking_closes_at = ?, conditions = ?,
                version = version + 1, updated_at = ?
               WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q,
		o.ContextID, o.Name, o.MaxAnswers, o.MaxOverbooking,
		o.WaitlistEnabled, o.RequiresConfirmation, o.Invisible, o.Revalidate,
		nullMillis(o.BookingOpensAt), nullMillis(o.BookingClosesAt), conds,
		millis(now), o.ID,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	o.Version++
	o.UpdatedAt = time.UnixMilli(millis(now)).UTC()
	return nil
}

// Delete removes an option that has never been answered.  Options with
// answers must be made invisible instead; ErrConflict is returned for them.
// The answer check and the delete are one statement, so an answer inserted
// concurrently either blocks the delete or fails on the foreign key.
func (r *OptionRepo) Delete(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM options WHERE id = ? AND NOT EXISTS (SELECT 1 FROM answers WHERE option_id = ?)`, id, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrConflict
		}
		return unavailable(err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM options WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return unavailable(err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

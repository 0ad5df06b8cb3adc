package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/model"
)

const answerColumns = `id, option_id, user_id, state, waitlist_rank, overbooked, version,
       created_at, modified_at, modified_by`

// AnswerRepo reads answers and provides the per-option serialization point
// the ledger writes through.  No other repository writes the answers table.
type AnswerRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewAnswerRepo returns a new AnswerRepo bound to the given database.
func NewAnswerRepo(db *sql.DB, dialect database.Dialect) *AnswerRepo {
	return &AnswerRepo{db: db, dialect: dialect}
}

func scanAnswer(row rowScanner) (model.Answer, error) {
	var (
		a                 model.Answer
		state             string
		rank              sql.NullInt64
		created, modified int64
	)
	if err := row.Scan(&a.ID, &a.OptionID, &a.UserID, &state, &rank, &a.Overbooked, &a.Version,
		&created, &modified, &a.ModifiedBy); err != nil {
		return model.Answer{}, err
	}
	a.State = model.AnswerState(state)
	if rank.Valid {
		r := rank.Int64
		a.WaitlistRank = &r
	}
	a.CreatedAt = fromMillis(created)
	a.ModifiedAt = fromMillis(modified)
	return a, nil
}

func scanAnswers(rows *sql.Rows) ([]model.Answer, error) {
	defer rows.Close()
	out := make([]model.Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

func statePlaceholders(states []model.AnswerState) (string, []any) {
	ph := make([]string, 0, len(states))
	args := make([]any, 0, len(states))
	for _, s := range states {
		ph = append(ph, "?")
		args = append(args, string(s))
	}
	return strings.Join(ph, ","), args
}

// Get returns the answer of userID on optionID or ErrNotFound.
func (r *AnswerRepo) Get(ctx context.Context, optionID, userID uint64) (model.Answer, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE option_id = ? AND user_id = ?`, optionID, userID)
	a, err := scanAnswer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Answer{}, ErrNotFound
		}
		return model.Answer{}, unavailable(err)
	}
	return a, nil
}

// ListByOption returns the answers of an option, optionally restricted to
// the given states.  Waitlisted answers come out in rank order, everything
// else in creation order.
func (r *AnswerRepo) ListByOption(ctx context.Context, optionID uint64, states ...model.AnswerState) ([]model.Answer, error) {
	q := `SELECT ` + answerColumns + ` FROM answers WHERE option_id = ?`
	args := []any{optionID}
	if len(states) > 0 {
		ph, sargs := statePlaceholders(states)
		q += ` AND state IN (` + ph + `)`
		args = append(args, sargs...)
	}
	q += ` ORDER BY CASE WHEN waitlist_rank IS NULL THEN 0 ELSE 1 END, waitlist_rank, created_at, id`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	return scanAnswers(rows)
}

// ListByUser returns all answers of a user, newest first.
func (r *AnswerRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Answer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return scanAnswers(rows)
}

// CountByState returns how many answers of the option are in state.
func (r *AnswerRepo) CountByState(ctx context.Context, optionID uint64, state model.AnswerState) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM answers WHERE option_id = ? AND state = ?`, optionID, string(state)).Scan(&n)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// AnswerTx is the view of one option's answers inside the per-option
// serialization point.  All reads observe the locked state and all writes
// commit atomically with them.
type AnswerTx interface {
	// Option returns the option row as read under the lock.
	Option() model.Option
	GetAnswer(ctx context.Context, userID uint64) (*model.Answer, error)
	CountBooked(ctx context.Context) (int, error)
	CountWaitlisted(ctx context.Context) (int, error)
	MaxWaitlistRank(ctx context.Context) (int64, error)
	FirstWaitlisted(ctx context.Context) (*model.Answer, error)
	// SaveAnswer inserts a new answer (ID 0) or updates an existing one
	// conditionally on its Version.  A lost update yields ErrConflict.
	SaveAnswer(ctx context.Context, a *model.Answer) error
}

// WithOptionLock runs fn inside a transaction holding the option's
// serialization point: a row lock on MySQL, the database write lock on
// SQLite.  The option version is bumped so that concurrent holders of a
// stale snapshot can detect the change.  fn's error rolls everything back.
func (r *AnswerRepo) WithOptionLock(ctx context.Context, optionID uint64, fn func(tx AnswerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+optionColumns+` FROM options WHERE id = ?`+r.dialect.LockClause(), optionID)
	opt, err := scanOption(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return unavailable(fmt.Errorf("lock option %d: %w", optionID, err))
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE options SET version = version + 1 WHERE id = ? AND version = ?`, optionID, opt.Version)
	if err != nil {
		return unavailable(fmt.Errorf("bump option version: %w", err))
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	opt.Version++

	if err := fn(&answerTx{tx: tx, opt: opt}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

type answerTx struct {
	tx  *sql.Tx
	opt model.Option
}

func (t *answerTx) Option() model.Option { return t.opt }

func (t *answerTx) GetAnswer(ctx context.Context, userID uint64) (*model.Answer, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE option_id = ? AND user_id = ?`, t.opt.ID, userID)
	a, err := scanAnswer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &a, nil
}

func (t *answerTx) count(ctx context.Context, state model.AnswerState) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM answers WHERE option_id = ? AND state = ?`, t.opt.ID, string(state)).Scan(&n)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (t *answerTx) CountBooked(ctx context.Context) (int, error) {
	return t.count(ctx, model.StateBooked)
}

func (t *answerTx) CountWaitlisted(ctx context.Context) (int, error) {
	return t.count(ctx, model.StateWaitlisted)
}

// MaxWaitlistRank returns the highest rank currently held, 0 when the
// waitlist is empty.  Ranks are cleared when an answer leaves the
// waitlist, so a newcomer always ranks after every current holder.
func (t *answerTx) MaxWaitlistRank(ctx context.Context) (int64, error) {
	var rank sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT MAX(waitlist_rank) FROM answers WHERE option_id = ?`, t.opt.ID).Scan(&rank)
	if err != nil {
		return 0, unavailable(err)
	}
	return rank.Int64, nil
}

func (t *answerTx) FirstWaitlisted(ctx context.Context) (*model.Answer, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE option_id = ? AND state = ?
         ORDER BY waitlist_rank, id LIMIT 1`, t.opt.ID, string(model.StateWaitlisted))
	a, err := scanAnswer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &a, nil
}

func (t *answerTx) SaveAnswer(ctx context.Context, a *model.Answer) error {
	if a.OptionID != t.opt.ID {
		return fmt.Errorf("answer for option %d saved under lock of option %d", a.OptionID, t.opt.ID)
	}
	if !a.State.Valid() {
		return fmt.Errorf("invalid answer state %q", a.State)
	}
	now := time.Now().UTC()
	if a.ModifiedAt.IsZero() {
		a.ModifiedAt = now
	}
	var rank sql.NullInt64
	if a.WaitlistRank != nil {
		rank = sql.NullInt64{Int64: *a.WaitlistRank, Valid: true}
	}
	if a.ID == 0 {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO answers (option_id, user_id, state, waitlist_rank, overbooked, version,
                                  created_at, modified_at, modified_by)
             VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			a.OptionID, a.UserID, string(a.State), rank, a.Overbooked,
			millis(a.CreatedAt), millis(a.ModifiedAt), a.ModifiedBy)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return unavailable(fmt.Errorf("insert answer: %w", err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a.ID = uint64(id)
		a.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE answers SET state = ?, waitlist_rank = ?, overbooked = ?, version = version + 1,
                            modified_at = ?, modified_by = ?
         WHERE id = ? AND version = ?`,
		string(a.State), rank, a.Overbooked, millis(a.ModifiedAt), a.ModifiedBy, a.ID, a.Version)
	if err != nil {
		return unavailable(fmt.Errorf("update answer: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	a.Version++
	return nil
}

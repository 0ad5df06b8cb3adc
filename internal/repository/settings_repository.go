package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Setting is one admin-managed name/value pair.
type Setting struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsRepo stores feature flags such as the per-trigger revalidation
// switches.
type SettingsRepo struct{ DB *sql.DB }

func NewSettingsRepo(db *sql.DB) *SettingsRepo { return &SettingsRepo{DB: db} }

// Get returns the value of name or ErrNotFound.
func (r *SettingsRepo) Get(ctx context.Context, name string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, "SELECT value FROM settings WHERE name=?", name).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", unavailable(err)
	}
	return v, nil
}

// Set upserts a setting.  The update-then-insert form works on both
// dialects; a concurrent insert of the same name is retried as an update.
func (r *SettingsRepo) Set(ctx context.Context, name, value string) error {
	now := millis(time.Now())
	for attempt := 0; attempt < 2; attempt++ {
		res, err := r.DB.ExecContext(ctx,
			"UPDATE settings SET value=?, updated_at=? WHERE name=?", value, now, name)
		if err != nil {
			return unavailable(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = r.DB.ExecContext(ctx,
			"INSERT INTO settings (name, value, updated_at) VALUES (?,?,?)", name, value, now)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return unavailable(err)
		}
	}
	return ErrConflict
}

// Enabled interprets the setting as a boolean.  Missing settings fall back
// to def.
func (r *SettingsRepo) Enabled(ctx context.Context, name string, def bool) (bool, error) {
	v, err := r.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return false, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return def, nil
	}
	return b, nil
}

// List returns all settings ordered by name.
func (r *SettingsRepo) List(ctx context.Context) ([]Setting, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT name, value, updated_at FROM settings ORDER BY name")
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]Setting, 0)
	for rows.Next() {
		var (
			s  Setting
			ts int64
		)
		if err := rows.Scan(&s.Name, &s.Value, &ts); err != nil {
			return nil, err
		}
		s.UpdatedAt = fromMillis(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/utils"
)

const userColumns = "id,email,password_hash,role,banned,is_active,created_at,updated_at"

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

func scanUser(row rowScanner) (model.User, error) {
	var (
		u                 model.User
		created, modified int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Banned, &u.IsActive, &created, &modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, unavailable(err)
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(modified)
	return u, nil
}

// Create inserts user and returns its ID.
func (r *UserRepo) Create(ctx context.Context, email, password, role string, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	now := millis(time.Now())
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, role, banned, is_active, created_at, updated_at) VALUES (?,?,?,0,1,?,?)",
		email, hash, role, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrEmailExists
		}
		return 0, unavailable(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// SetBanned flips the banned flag of a user.
func (r *UserRepo) SetBanned(ctx context.Context, id uint64, banned bool) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET banned=?, updated_at=? WHERE id=?", banned, millis(time.Now()), id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsBanned reports whether the user is banned.  Unknown users are not.
func (r *UserRepo) IsBanned(ctx context.Context, id uint64) (bool, error) {
	var banned bool
	err := r.DB.QueryRowContext(ctx, "SELECT banned FROM users WHERE id=?", id).Scan(&banned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return banned, nil
}

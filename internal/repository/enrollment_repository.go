package repository

import (
	"context"
	"database/sql"
	"time"
)

// EnrollmentRepo records which users belong to which option context.  The
// enrollment_required condition and the still_enrolled check read it.
type EnrollmentRepo struct{ DB *sql.DB }

func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{DB: db} }

// Enroll adds the user to the context.  Enrolling twice is a no-op.
func (r *EnrollmentRepo) Enroll(ctx context.Context, userID, contextID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO enrollments (user_id, context_id, created_at) VALUES (?,?,?)",
		userID, contextID, millis(time.Now()))
	if err != nil && !isUniqueViolation(err) {
		return unavailable(err)
	}
	return nil
}

// Unenroll removes the user from the context.
func (r *EnrollmentRepo) Unenroll(ctx context.Context, userID, contextID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM enrollments WHERE user_id=? AND context_id=?", userID, contextID)
	return unavailable(err)
}

// IsEnrolled reports whether the user is enrolled in the context.
func (r *EnrollmentRepo) IsEnrolled(ctx context.Context, userID, contextID uint64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM enrollments WHERE user_id=? AND context_id=?", userID, contextID).Scan(&n)
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// ListByContext returns the enrolled user IDs of a context.
func (r *EnrollmentRepo) ListByContext(ctx context.Context, contextID uint64) ([]uint64, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT user_id FROM enrollments WHERE context_id=? ORDER BY user_id", contextID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	ids := make([]uint64, 0)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

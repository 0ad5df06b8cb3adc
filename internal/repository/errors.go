// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// ledger and the handlers to distinguish between different failure
// scenarios. For example, ErrForbidden indicates that the caller is not
// authorized to act on someone else's answer, while ErrConflict signals
// that a conditional write lost against a concurrent writer or that a
// delete is blocked by dependent rows (e.g. an option that still has
// answers).
package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a conditional update lost a race (version
// mismatch) or a delete is blocked by dependent rows. Handlers should
// translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (e.g. a pending work item's
// dedupe key) is already taken.
var ErrDuplicate = errors.New("duplicate")

// ErrEmailExists is returned when registering an email twice.
var ErrEmailExists = errors.New("email already exists")

// ErrStoreUnavailable wraps connection-level failures of the store.  The
// request fails and the client may retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// isUniqueViolation recognizes duplicate-key errors of both dialects.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// unavailable tags connection failures with ErrStoreUnavailable and
// returns every other error unchanged.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// isForeignKeyViolation recognizes rejected deletes of referenced rows.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1451
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

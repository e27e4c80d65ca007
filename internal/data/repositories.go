package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrRecordNotFound is returned when a lookup matches no row. Benign;
	// callers translate it to an empty optional.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBackendUnavailable marks connectivity-class failures. The license
	// plane enters degraded mode on it; the usage tracker backs off.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConstraintViolation marks unique/check/FK violations. Never retried.
	ErrConstraintViolation = errors.New("constraint violation")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// classify maps driver errors onto the three repository error kinds so
// callers can decide retry vs report without importing lib/pq.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrBackendUnavailable
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return ErrConstraintViolation
		case "08", "57": // connection exception, operator intervention
			return ErrBackendUnavailable
		}
	}
	return err
}

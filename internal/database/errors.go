package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Failure kinds surfaced to callers. Everything else that bubbles out of the
// driver is wrapped as Transient and left to the retry layer.
var (
	ErrNotFound      = errors.New("database: not found")
	ErrConflict      = errors.New("database: unique constraint violation")
	ErrSerialization = errors.New("database: serialization failure")
	ErrTransient     = errors.New("database: transient failure")
)

// Postgres SQLSTATE classes we care about.
const (
	sqlstateUniqueViolation  = "23505"
	sqlstateSerialization    = "40001"
	sqlstateDeadlockDetected = "40P01"
)

// Classify maps a driver error onto the storage failure taxonomy.
// sql.ErrNoRows → ErrNotFound; 23505 → ErrConflict; 40001/40P01 →
// ErrSerialization; connection-class errors → ErrTransient. The driver
// detail (constraint name, SQLSTATE) stays in the message for the logs.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlstateUniqueViolation:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlstateSerialization, sqlstateDeadlockDetected:
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		// Class 08 = connection exceptions.
		if len(pqErr.Code) >= 2 && pqErr.Code[:2] == "08" {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// IsNotFound reports whether err is (or wraps) a missing-row failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConflict reports whether err is a unique-constraint violation.
func IsConflict(err error) bool {
	return errors.Is(Classify(err), ErrConflict)
}

// IsSerialization reports whether the transaction should be retried.
func IsSerialization(err error) bool {
	return errors.Is(Classify(err), ErrSerialization)
}

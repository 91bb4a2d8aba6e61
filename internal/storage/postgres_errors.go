package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// classifyPostgresError maps driver failures onto the store's error vocabulary.
// Lock waits, serialization failures and lost connections become ErrTransient.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", // lock_not_available
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"57014": // query_canceled (statement or lock timeout)
			return fmt.Errorf("%w: %s", ErrTransient, pqErr.Code.Name())
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrIdempotencyConflict, pqErr.Constraint)
		case "23514": // check_violation
			if pqErr.Constraint == "accounts_balance_check" {
				return ErrInsufficientFunds
			}
		}
		switch pqErr.Code.Class() {
		case "08", // connection_exception
			"53", // insufficient_resources
			"57": // operator_intervention
			return fmt.Errorf("%w: %s", ErrTransient, pqErr.Code.Name())
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

package db

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// TxMode selects whether a store operation persists its changes.
type TxMode int

const (
	// TxNormal commits the transaction.
	TxNormal TxMode = iota
	// TxValidateOnly runs the same statements and rolls back, so only the
	// access grants are exercised.
	TxValidateOnly
)

func (m TxMode) String() string {
	switch m {
	case TxNormal:
		return "normal"
	case TxValidateOnly:
		return "validate-only"
	default:
		return "unknown"
	}
}

const maxTxAttempts = 3

var errValidateOnly = errors.New("validate-only transaction rolled back")

// transaction runs fn in one database transaction and retries it when
// Postgres aborts it because of lock contention. fn must not keep state
// between attempts.
func transaction(mode TxMode, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := fn(tx); err != nil {
				return err
			}
			if mode == TxValidateOnly {
				return errValidateOnly
			}
			return nil
		})
		if errors.Is(err, errValidateOnly) {
			return nil
		}
		if !isContention(err) {
			return err
		}
		slog.Debug("retrying transaction after contention", "attempt", attempt, "error", err)
	}
	return err
}

// serialization_failure and deadlock_detected
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

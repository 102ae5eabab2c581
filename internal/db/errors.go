package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyExists indicates a record with the same ID or unique key
	// already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when multiple concurrent operations attempt to modify the same records.
	// Callers should typically retry the operation.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// Messages raised with THROW inside transactions.
const (
	throwSourceMerged = "merge source changed"
	throwTargetStale  = "merge target changed"
	throwDocChanged   = "document entities changed"
)

// wrapQueryError inspects a SurrealDB error and maps known query errors onto
// the store sentinels and the failure taxonomy. Returns the original error if
// it's not a QueryError or doesn't match known patterns.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	// Extract QueryError if present - this is a database-level error
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		switch {
		case strings.Contains(msg, "already exists"), strings.Contains(msg, "already contains"):
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		case strings.Contains(msg, "Transaction conflict"), strings.Contains(msg, "transaction conflict"):
			return fmt.Errorf("%w: %w: %s", failure.ErrStaleWrite, ErrTransactionConflict, msg)
		case strings.Contains(msg, throwSourceMerged), strings.Contains(msg, throwTargetStale),
			strings.Contains(msg, throwDocChanged):
			return fmt.Errorf("%w: %s", failure.ErrStaleWrite, msg)
		}
	}

	return err
}

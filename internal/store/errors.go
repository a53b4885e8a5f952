package store

import (
	"fmt"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
)

type StoreErrorCause string

const (
	ErrCauseSchemaInit     StoreErrorCause = "schema initialization failed"
	ErrCauseTxBeginFailed  StoreErrorCause = "transaction begin failed"
	ErrCauseQueryFailed    StoreErrorCause = "query failed"
	ErrCauseWriteConflict  StoreErrorCause = "write conflict"
	ErrCauseConnectFailure StoreErrorCause = "connection failure"
)

type StoreError struct {
	Message   string
	Retryable bool
	Cause     StoreErrorCause
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %s", e.Cause, e.Message)
}

func (e *StoreError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// mapStoreErrorToMetadataCause maps store-local error semantics to the
// canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapStoreErrorToMetadataCause(err *StoreError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseSchemaInit:
		return metadata.CauseInvariantViolation
	case ErrCauseTxBeginFailed, ErrCauseWriteConflict, ErrCauseConnectFailure:
		return metadata.CauseStorageFailure
	case ErrCauseQueryFailed:
		return metadata.CauseStorageFailure
	default:
		return metadata.CauseUnknown
	}
}

package contentstore

import (
	"fmt"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
)

type ContentErrorCause string

const (
	ErrCauseHashComputationFailed ContentErrorCause = "hash computation failed"
	ErrCauseWriteFailure          ContentErrorCause = "write failed"
	ErrCauseDiskFull              ContentErrorCause = "disk is full"
	ErrCauseLookupFailure         ContentErrorCause = "dedup lookup failed"
)

type ContentError struct {
	Message   string
	Retryable bool
	Cause     ContentErrorCause
	Path      string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("content store error: %s: %s", e.Cause, e.Message)
}

func (e *ContentError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *ContentError) IsRetryable() bool {
	return e.Retryable
}

// mapContentErrorToMetadataCause maps content-store-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapContentErrorToMetadataCause(err *ContentError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseHashComputationFailed:
		return metadata.CauseInvariantViolation
	case ErrCauseWriteFailure, ErrCauseDiskFull:
		return metadata.CauseStorageFailure
	case ErrCauseLookupFailure:
		return metadata.CauseStorageFailure
	default:
		return metadata.CauseUnknown
	}
}

package robots

import (
	"fmt"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
)

type RobotsErrorCause string

const (
	ErrCauseInvalidRobotsUrl     RobotsErrorCause = "invalid robots.txt URL"
	ErrCauseHttpFetchFailure     RobotsErrorCause = "failed to fetch"
	ErrCauseHttpTooManyRedirects RobotsErrorCause = "too many redirects"
	ErrCauseHttpServerError      RobotsErrorCause = "http server error"
	ErrCauseParseError           RobotsErrorCause = "failed to parse robots.txt"
)

type RobotsError struct {
	Message   string
	Retryable bool
	Cause     RobotsErrorCause
}

func (e *RobotsError) Error() string {
	return fmt.Sprintf("robots error: %s: %s", e.Cause, e.Message)
}

func (e *RobotsError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *RobotsError) IsRetryable() bool {
	return e.Retryable
}

// mapRobotsErrorToMetadataCause maps robots-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapRobotsErrorToMetadataCause(err *RobotsError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseInvalidRobotsUrl:
		return metadata.CauseInvariantViolation
	case ErrCauseHttpFetchFailure, ErrCauseHttpTooManyRedirects, ErrCauseHttpServerError:
		return metadata.CauseNetworkFailure
	case ErrCauseParseError:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}

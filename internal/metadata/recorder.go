package metadata

import (
	"log/slog"
	"time"
)

/*
Metadata Collected
- Fetch timestamps
- HTTP status codes
- Content hashes
- Crawl depth

Logging Goals
- Debuggable crawl behavior
- Post-run auditability
- Failure diagnostics

Structured logging is preferred.

Allowed:
- Primitive values
- Timestamps
- URLs (as values, not objects with behavior)
- Hashes
- Status codes
- Durations
- Identifiers (page ID, crawl ID)
*/

// MetadataSink is the observability port every crawl component logs through,
// rather than calling log/fmt.Println directly.
type MetadataSink interface {
	RecordFetch(url string, statusCode int, duration time.Duration, contentType string, retryCount int, crawlDepth int)
	RecordError(observedAt time.Time, packageName, action string, cause ErrorCause, errString string, attrs []Attribute)
	RecordArtifact(kind ArtifactKind, path string, attrs []Attribute)
	RecordStats(stats CrawlStats)
}

// Recorder is the log/slog-backed MetadataSink used throughout the crawler.
type Recorder struct {
	logger *slog.Logger
}

// NewRecorder wraps the given slog.Logger as a MetadataSink. A nil logger
// falls back to slog.Default().
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

func (r *Recorder) RecordFetch(url string, statusCode int, duration time.Duration, contentType string, retryCount int, crawlDepth int) {
	r.logger.Info("fetch",
		slog.String(string(AttrURL), url),
		slog.Int(string(AttrHTTPStatus), statusCode),
		slog.Duration("duration", duration),
		slog.String("content_type", contentType),
		slog.Int("retry_count", retryCount),
		slog.Int(string(AttrDepth), crawlDepth),
	)
}

func (r *Recorder) RecordError(observedAt time.Time, packageName, action string, cause ErrorCause, errString string, attrs []Attribute) {
	args := []any{
		slog.String("package", packageName),
		slog.String("action", action),
		slog.String("cause", cause.String()),
		slog.String(string(AttrTime), observedAt.UTC().Format(time.RFC3339)),
	}
	for _, a := range attrs {
		args = append(args, slog.String(string(a.Key), a.Value))
	}
	r.logger.Error(errString, args...)
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	args := []any{
		slog.String("kind", string(kind)),
		slog.String(string(AttrWritePath), path),
	}
	for _, a := range attrs {
		args = append(args, slog.String(string(a.Key), a.Value))
	}
	r.logger.Info("artifact", args...)
}

func (r *Recorder) RecordStats(stats CrawlStats) {
	r.logger.Info("stats",
		slog.Int("pending", stats.Pending),
		slog.Int("in_progress", stats.InProgress),
		slog.Int("done", stats.Done),
		slog.Int("failed", stats.Failed),
	)
}

// NoopRecorder discards every record. Useful in tests that exercise a
// component's control flow without asserting on its log output.
type NoopRecorder struct{}

func (NoopRecorder) RecordFetch(string, int, time.Duration, string, int, int)               {}
func (NoopRecorder) RecordError(time.Time, string, string, ErrorCause, string, []Attribute) {}
func (NoopRecorder) RecordArtifact(ArtifactKind, string, []Attribute)                       {}
func (NoopRecorder) RecordStats(CrawlStats)                                                 {}

package worker

import (
	"context"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rohmanhakim/crawlkit/internal/contentstore"
	"github.com/rohmanhakim/crawlkit/internal/fetcher"
	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/internal/store"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
	"github.com/rohmanhakim/crawlkit/pkg/retry"
	"github.com/rohmanhakim/crawlkit/pkg/timeutil"
	"github.com/rohmanhakim/crawlkit/pkg/urlutil"
)

/*
Responsibilities
- Drain the frontier: claim, gate, fetch, persist, extract, enqueue
- Apply the robots policy and per-host pacing before every fetch
- Decide requeue-vs-fail on transient fetch errors from the claim's
  retries counter

Job Lifecycle

Every claimed URL reaches a terminal status within the same claim cycle,
with two exceptions: a transient fetch failure with retries remaining
requeues the job for a later claim, and a cancellation while waiting to
fetch requeues the job untouched so the next process run picks it up. A
fetch is a single attempt per claim; retry accounting lives entirely in
the store's retries counter, bumped at claim time.

A fetch that yields any HTTP response is done, whatever the status code.
Errors in post-fetch processing (content hashing, the dedup lookup, the
page-metadata write) mark the URL failed even though it was fetched --
the terminal status reflects the pipeline outcome, not just the fetch. A
failed blob write or a failed link insert does not change the status.
*/

// Frontier is the slice of the store the worker drives. *store.Store
// implements it.
type Frontier interface {
	ClaimNext(ctx context.Context, stuckThreshold time.Duration) (*store.FrontierEntry, failure.ClassifiedError)
	InsertIfNew(ctx context.Context, rawURL string, depth int) failure.ClassifiedError
	MarkDone(ctx context.Context, rawURL string, statusCode int) failure.ClassifiedError
	MarkFailed(ctx context.Context, rawURL string) failure.ClassifiedError
	Requeue(ctx context.Context, rawURL string) failure.ClassifiedError
	SavePageMetadata(ctx context.Context, page store.PageMetadata) failure.ClassifiedError
	FindContentPathByHash(hash string) (string, bool, failure.ClassifiedError)
}

// RobotsPolicy answers whether a URL may be fetched. robots.Cache
// implements it.
type RobotsPolicy interface {
	CanFetch(ctx context.Context, userAgent string, target url.URL) bool
}

// Pacer enforces the per-host politeness delay. limiter.DomainDelay
// implements it.
type Pacer interface {
	Wait(ctx context.Context, host string) error
}

// Params carries the per-crawl settings a worker needs. AllowedDomains is
// copied at construction; the worker never observes later mutation.
type Params struct {
	ID             int
	UserAgent      string
	MaxDepth       int
	MaxRetries     int
	SameDomain     bool
	AllowedDomains map[string]struct{}
	StuckThreshold time.Duration
	IdleSleep      time.Duration
}

type Worker struct {
	id             int
	userAgent      string
	maxDepth       int
	maxRetries     int
	sameDomain     bool
	allowedDomains map[string]struct{}
	stuckThreshold time.Duration
	idleSleep      time.Duration

	frontier     Frontier
	robots       RobotsPolicy
	pacer        Pacer
	fetcher      fetcher.Fetcher
	content      contentstore.Store
	seen         *SeenFilter
	globalLimit  *rate.Limiter
	metadataSink metadata.MetadataSink
}

// New builds a worker. seen and globalLimit are optional; nil disables
// the bloom pre-check and the aggregate rate ceiling respectively.
func New(
	params Params,
	frontier Frontier,
	robots RobotsPolicy,
	pacer Pacer,
	pageFetcher fetcher.Fetcher,
	content contentstore.Store,
	seen *SeenFilter,
	globalLimit *rate.Limiter,
	metadataSink metadata.MetadataSink,
) *Worker {
	allowed := make(map[string]struct{}, len(params.AllowedDomains))
	for host := range params.AllowedDomains {
		allowed[strings.ToLower(host)] = struct{}{}
	}

	idleSleep := params.IdleSleep
	if idleSleep <= 0 {
		idleSleep = 500 * time.Millisecond
	}

	return &Worker{
		id:             params.ID,
		userAgent:      params.UserAgent,
		maxDepth:       params.MaxDepth,
		maxRetries:     params.MaxRetries,
		sameDomain:     params.SameDomain,
		allowedDomains: allowed,
		stuckThreshold: params.StuckThreshold,
		idleSleep:      idleSleep,
		frontier:       frontier,
		robots:         robots,
		pacer:          pacer,
		fetcher:        pageFetcher,
		content:        content,
		seen:           seen,
		globalLimit:    globalLimit,
		metadataSink:   metadataSink,
	}
}

// Run claims and processes jobs until ctx is cancelled. Cancellation is
// observed between jobs; an in-flight fetch or blob write is allowed to
// finish.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := w.frontier.ClaimNext(ctx, w.stuckThreshold)
		if err != nil || entry == nil {
			// No work, or store contention reported as no-job. Idle briefly.
			if !w.idle(ctx) {
				return
			}
			continue
		}

		w.process(ctx, *entry)
	}
}

// idle sleeps the configured idle interval. Returns false when ctx was
// cancelled during the sleep.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.idleSleep)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) process(ctx context.Context, entry store.FrontierEntry) {
	target, err := url.Parse(entry.URL)
	if err != nil {
		// A URL that passed normalization at insert time should always
		// parse; a row that does not can never be fetched.
		w.recordError("Worker.process", metadata.CauseInvariantViolation, err.Error(), entry.URL)
		_ = w.frontier.MarkFailed(ctx, entry.URL)
		return
	}

	if !w.robots.CanFetch(ctx, w.userAgent, *target) {
		_ = w.frontier.MarkFailed(ctx, entry.URL)
		return
	}

	if w.globalLimit != nil {
		if err := w.globalLimit.Wait(ctx); err != nil {
			// Cancelled before the fetch started: give the claim back untouched.
			_ = w.frontier.Requeue(ctx, entry.URL)
			return
		}
	}

	if err := w.pacer.Wait(ctx, target.Hostname()); err != nil {
		_ = w.frontier.Requeue(ctx, entry.URL)
		return
	}

	result, fetchErr := w.fetcher.Fetch(ctx, entry.Depth, fetcher.NewFetchParam(*target, w.userAgent), w.singleAttempt())
	if fetchErr != nil {
		// Transient transport failure. The claim already bumped retries;
		// requeue while attempts remain, otherwise give up on the URL.
		if entry.Retries > w.maxRetries {
			_ = w.frontier.MarkFailed(ctx, entry.URL)
		} else {
			_ = w.frontier.Requeue(ctx, entry.URL)
		}
		return
	}

	// Any response the server returned counts as done, 4xx/5xx included.
	if err := w.frontier.MarkDone(ctx, entry.URL, result.Code()); err != nil {
		_ = w.frontier.MarkFailed(ctx, entry.URL)
		return
	}

	if !fetcher.IsHTMLContent(result.ContentType()) {
		// Visited, not parsed, not stored.
		return
	}

	if err := w.processHTML(ctx, entry, result); err != nil {
		// The page was fetched, but the pipeline after it broke; the row
		// ends failed, overwriting the done recorded above.
		w.recordError("Worker.processHTML", metadata.CauseUnknown, err.Error(), entry.URL)
		_ = w.frontier.MarkFailed(ctx, entry.URL)
	}
}

// processHTML stores the body (deduplicated by content hash), records
// page metadata, and enqueues the page's in-scope links.
func (w *Worker) processHTML(ctx context.Context, entry store.FrontierEntry, result fetcher.FetchResult) failure.ClassifiedError {
	pageURL := result.URL()

	storeRes, storeErr := w.content.StoreOrLink(pageURL, result.Body(), w.frontier)
	if storeErr != nil && storeRes.Hash() == "" {
		// Hash or dedup lookup failed; nothing usable to record.
		return storeErr
	}
	// A blob write failure still yields the hash; the metadata row is
	// recorded with an empty path and the crawl moves on.

	extracted := contentstore.ExtractMeta(result.Body())

	if err := w.frontier.SavePageMetadata(ctx, store.PageMetadata{
		URL:             entry.URL,
		ContentPath:     storeRes.Path(),
		ContentHash:     storeRes.Hash(),
		Title:           extracted.Title,
		MetaDescription: extracted.MetaDescription,
		StatusCode:      result.Code(),
	}); err != nil {
		return err
	}

	if entry.Depth >= w.maxDepth {
		return nil
	}

	for _, href := range extractLinks(result.Body()) {
		normalized, ok := urlutil.Normalize(entry.URL, href)
		if !ok {
			continue
		}
		if !w.isAllowedDomain(normalized) {
			continue
		}
		if w.seen != nil && w.seen.SeenBefore(normalized) {
			continue
		}
		// Best-effort: a failed insert is abandoned silently, the URL is
		// either already present or will be re-observed from another page.
		_ = w.frontier.InsertIfNew(ctx, normalized, entry.Depth+1)
	}

	return nil
}

func (w *Worker) isAllowedDomain(rawURL string) bool {
	if !w.sameDomain {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return false
	}
	_, allowed := w.allowedDomains[hostname]
	return allowed
}

// singleAttempt builds the retry parameters for exactly one fetch attempt
// per claim cycle. Retry pacing across attempts belongs to the store's
// requeue/claim loop, not to the fetcher.
func (w *Worker) singleAttempt() retry.RetryParam {
	return retry.NewRetryParam(0, 0, int64(w.id), 1, timeutil.NewBackoffParam(0, 0, 0))
}

func (w *Worker) recordError(action string, cause metadata.ErrorCause, errString, rawURL string) {
	w.metadataSink.RecordError(time.Now(), "worker", action, cause, errString, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, rawURL),
	})
}

// Test Helper Methods

// ProcessOneForTest claims and processes a single job synchronously.
// Returns false when the frontier had nothing to claim.
func (w *Worker) ProcessOneForTest(ctx context.Context) bool {
	entry, err := w.frontier.ClaimNext(ctx, w.stuckThreshold)
	if err != nil || entry == nil {
		return false
	}
	w.process(ctx, *entry)
	return true
}

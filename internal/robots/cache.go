package robots

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/retry"
	"github.com/rohmanhakim/crawlkit/pkg/timeutil"
)

/*
Robots Cache

Robots.txt parsing and rule matching is delegated to
github.com/temoto/robotstxt rather than hand-rolled. The cache key is the
origin ("scheme://host"); a policy is fetched at most once per origin for
the life of the process and reused for every subsequent can_fetch check.

A fetch or parse failure of any kind -- network error, non-2xx status that
isn't a clean 404, malformed robots.txt -- results in a permissive entry
being cached: the origin is treated as having no policy, and can_fetch
always returns true for it. A robots.txt problem must never stop a crawl.
*/

// entry is what the cache stores per origin: either a parsed policy, or
// nil meaning "no restrictions known" (the permissive sentinel).
type entry struct {
	policy *robotstxt.RobotsData
}

// Cache fetches and caches robots.txt policy per origin, coalescing
// concurrent first-time fetches for the same origin via singleflight.
type Cache struct {
	httpClient   *http.Client
	metadataSink metadata.MetadataSink
	retryParam   retry.RetryParam

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// NewCache builds a robots Cache. retryParam controls the exponential
// backoff applied to a robots.txt fetch before giving up and falling back
// to the permissive sentinel; a MaxAttempts of 1 disables retrying.
func NewCache(httpClient *http.Client, metadataSink metadata.MetadataSink, retryParam retry.RetryParam) *Cache {
	return &Cache{
		httpClient:   httpClient,
		metadataSink: metadataSink,
		retryParam:   retryParam,
		entries:      make(map[string]entry),
	}
}

// CanFetch reports whether userAgent may fetch target according to the
// cached robots policy for target's origin. It fetches and parses the
// origin's robots.txt on first use; failures of any kind fall back to
// permissive (true).
func (c *Cache) CanFetch(ctx context.Context, userAgent string, target url.URL) bool {
	origin := originKey(target)
	if origin == "" {
		return true
	}

	if e, ok := c.lookup(origin); ok {
		return e.allows(target.Path, userAgent)
	}

	result, _, _ := c.group.Do(origin, func() (any, error) {
		e := c.fetchWithRetry(ctx, origin)
		c.store(origin, e)
		return e, nil
	})

	return result.(entry).allows(target.Path, userAgent)
}

func (e entry) allows(path, userAgent string) bool {
	if e.policy == nil {
		return true
	}
	return e.policy.TestAgent(path, userAgent)
}

func (c *Cache) lookup(origin string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[origin]
	return e, ok
}

func (c *Cache) store(origin string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[origin] = e
}

func (c *Cache) fetchWithRetry(ctx context.Context, origin string) entry {
	task := func() (entry, *RobotsError) {
		return c.fetchOnce(ctx, origin)
	}

	var lastEntry entry
	var lastErr *RobotsError

	maxAttempts := c.retryParam.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e, rerr := task()
		if rerr == nil {
			return e
		}
		lastEntry, lastErr = e, rerr
		if !rerr.IsRetryable() || attempt == maxAttempts {
			break
		}
		time.Sleep(backoffFor(attempt, c.retryParam))
	}

	if lastErr != nil {
		c.metadataSink.RecordError(
			time.Now(),
			"robots",
			"Cache.fetchWithRetry",
			mapRobotsErrorToMetadataCause(lastErr),
			lastErr.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrHost, origin),
			},
		)
	}

	return lastEntry
}

func backoffFor(attempt int, retryParam retry.RetryParam) time.Duration {
	rng := rand.New(rand.NewSource(retryParam.RandomSeed + int64(attempt)))
	return timeutil.ExponentialBackoffDelay(attempt, retryParam.Jitter, *rng, retryParam.BackoffParam)
}

// fetchOnce performs a single robots.txt fetch+parse attempt for origin.
// On any failure it returns the permissive sentinel entry alongside the
// classified error describing what went wrong, for observability.
func (c *Cache) fetchOnce(ctx context.Context, origin string) (entry, *RobotsError) {
	robotsURL := origin + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return entry{}, &RobotsError{
			Message:   fmt.Sprintf("build robots.txt request for %s: %v", origin, err),
			Retryable: false,
			Cause:     ErrCauseInvalidRobotsUrl,
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entry{}, &RobotsError{
			Message:   fmt.Sprintf("fetch robots.txt for %s: %v", origin, err),
			Retryable: true,
			Cause:     ErrCauseHttpFetchFailure,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entry{}, &RobotsError{
			Message:   fmt.Sprintf("read robots.txt body for %s: %v", origin, err),
			Retryable: true,
			Cause:     ErrCauseHttpFetchFailure,
		}
	}

	if resp.StatusCode >= 500 {
		return entry{}, &RobotsError{
			Message:   fmt.Sprintf("robots.txt server error for %s: status %d", origin, resp.StatusCode),
			Retryable: true,
			Cause:     ErrCauseHttpServerError,
		}
	}

	policy, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return entry{}, &RobotsError{
			Message:   fmt.Sprintf("parse robots.txt for %s: %v", origin, err),
			Retryable: false,
			Cause:     ErrCauseParseError,
		}
	}

	// FromStatusAndBytes returns a permissive *RobotsData for 404 and
	// other allow-all statuses; policy may legitimately be nil for those.
	c.metadataSink.RecordArtifact(metadata.ArtifactRobotsPolicy, robotsURL, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrHost, origin),
		metadata.NewAttr(metadata.AttrHTTPStatus, fmt.Sprintf("%d", resp.StatusCode)),
	})

	return entry{policy: policy}, nil
}

// originKey collapses a URL down to its robots.txt cache key: scheme and
// host, default ports stripped.
func originKey(u url.URL) string {
	if u.Host == "" {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = net.JoinHostPort(host, port)
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

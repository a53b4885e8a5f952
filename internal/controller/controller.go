package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rohmanhakim/crawlkit/internal/config"
	"github.com/rohmanhakim/crawlkit/internal/contentstore"
	"github.com/rohmanhakim/crawlkit/internal/fetcher"
	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/internal/robots"
	"github.com/rohmanhakim/crawlkit/internal/store"
	"github.com/rohmanhakim/crawlkit/internal/worker"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
	"github.com/rohmanhakim/crawlkit/pkg/hashutil"
	"github.com/rohmanhakim/crawlkit/pkg/limiter"
	"github.com/rohmanhakim/crawlkit/pkg/retry"
	"github.com/rohmanhakim/crawlkit/pkg/timeutil"
)

/*
Responsibilities
- Own the singletons every worker shares: store, robots cache, domain
  delay, content store, fetcher
- Register seeds and grow the allowed-domains set before the crawl starts
- Start and stop the worker pool
- Expose aggregate stats

The allowed-domains set is mutable only between construction and Start:
AddSeed grows it, Start hands each worker its own frozen copy. Stopping
cancels the shared context, then waits out a bounded grace period; a
worker that overruns it is abandoned, and whatever URL it held is
resurrected by the store's stuck-reset on the next claim.
*/

// expected distinct URLs for the bloom pre-check sizing
const (
	seenFilterCapacity uint    = 1_000_000
	seenFilterFPRate   float64 = 0.0001
)

type Controller struct {
	cfg          config.Config
	metadataSink metadata.MetadataSink

	store       *store.Store
	robotsCache *robots.Cache
	domainDelay *limiter.DomainDelay
	content     contentstore.Store
	htmlFetcher fetcher.HtmlFetcher
	seen        *worker.SeenFilter
	globalLimit *rate.Limiter

	allowedDomains map[string]struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the store and builds the shared crawl singletons. The HTTP
// client carrying the configured timeout is shared by the fetcher and the
// robots cache.
func New(cfg config.Config, metadataSink metadata.MetadataSink) (*Controller, failure.ClassifiedError) {
	st, err := store.Open(cfg.DBPath(), cfg.NumWorkers()+1, cfg.BusyTimeout(), metadataSink)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout()}

	robotsRetry := retry.NewRetryParam(
		cfg.BackoffInitialDuration(),
		cfg.Jitter(),
		cfg.RandomSeed(),
		cfg.RobotsMaxAttempt(),
		timeutil.NewBackoffParam(cfg.BackoffInitialDuration(), cfg.BackoffMultiplier(), cfg.BackoffMaxDuration()),
	)

	domainDelay := limiter.NewDomainDelay(cfg.BaseDelay())
	domainDelay.SetJitter(cfg.Jitter())
	domainDelay.SetRandomSeed(cfg.RandomSeed())

	var globalLimit *rate.Limiter
	if cfg.GlobalRPS() > 0 {
		globalLimit = rate.NewLimiter(rate.Limit(cfg.GlobalRPS()), 1)
	}

	allowedDomains := make(map[string]struct{})
	if cfg.SameDomain() {
		for host := range cfg.AllowedHosts() {
			allowedDomains[strings.ToLower(host)] = struct{}{}
		}
	}

	return &Controller{
		cfg:            cfg,
		metadataSink:   metadataSink,
		store:          st,
		robotsCache:    robots.NewCache(httpClient, metadataSink, robotsRetry),
		domainDelay:    domainDelay,
		content:        contentstore.NewStore(cfg.BlobDir(), hashutil.HashAlgo(cfg.HashAlgo()), metadataSink),
		htmlFetcher:    fetcher.NewHtmlFetcher(metadataSink, httpClient),
		seen:           worker.NewSeenFilter(seenFilterCapacity, seenFilterFPRate),
		globalLimit:    globalLimit,
		allowedDomains: allowedDomains,
	}, nil
}

// AddSeed registers a seed URL: in same-domain mode its hostname joins
// the allowed-domains set, and the URL enters the frontier at the given
// depth. Must be called before Start; the set freezes when workers start.
func (c *Controller) AddSeed(ctx context.Context, rawURL string, depth int) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("add seed %q: crawl already started", rawURL)
	}
	c.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse seed %q: %w", rawURL, err)
	}

	if c.cfg.SameDomain() {
		if hostname := strings.ToLower(u.Hostname()); hostname != "" {
			c.allowedDomains[hostname] = struct{}{}
		}
	}

	if insErr := c.store.InsertIfNew(ctx, rawURL, depth); insErr != nil {
		return insErr
	}
	return nil
}

// Start launches the worker pool. Each worker gets its own copy of the
// allowed-domains set; nothing mutates it afterwards.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 1; i <= c.cfg.NumWorkers(); i++ {
		w := worker.New(
			worker.Params{
				ID:             i,
				UserAgent:      c.cfg.UserAgent(),
				MaxDepth:       c.cfg.MaxDepth(),
				MaxRetries:     c.cfg.MaxRetries(),
				SameDomain:     c.cfg.SameDomain(),
				AllowedDomains: c.allowedDomains,
				StuckThreshold: c.cfg.StuckThreshold(),
				IdleSleep:      c.cfg.IdleSleep(),
			},
			c.store,
			c.robotsCache,
			c.domainDelay,
			&c.htmlFetcher,
			c.content,
			c.seen,
			c.globalLimit,
			c.metadataSink,
		)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.Run(runCtx)
		}()
	}
}

// Stop signals the workers and waits up to the grace period for them to
// finish their current job. Overrunning workers are abandoned; their
// in-flight URLs come back via stuck-reset on the next startup. The
// store is closed either way.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(c.cfg.GracePeriod()):
		}
	}

	_ = c.store.Close()
}

// Stats returns a snapshot of frontier row counts by status.
func (c *Controller) Stats(ctx context.Context) (metadata.CrawlStats, failure.ClassifiedError) {
	return c.store.Stats(ctx)
}

// Run starts the pool, logs aggregate stats every stats interval, and
// stops the pool when ctx is cancelled. It returns nil on a graceful
// shutdown.
func (c *Controller) Run(ctx context.Context) error {
	c.Start(ctx)

	ticker := time.NewTicker(c.cfg.StatsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-ticker.C:
			// Observational only; a stats failure never stops the crawl.
			if stats, err := c.Stats(ctx); err == nil {
				c.metadataSink.RecordStats(stats)
			}
		}
	}
}

// Test Helper Methods

func (c *Controller) GetAllowedDomainsForTest() map[string]struct{} {
	domains := make(map[string]struct{}, len(c.allowedDomains))
	for k, v := range c.allowedDomains {
		domains[k] = v
	}
	return domains
}

func (c *Controller) GetStoreForTest() *store.Store {
	return c.store
}

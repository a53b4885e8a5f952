package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/crawlkit/internal/config"
	"github.com/rohmanhakim/crawlkit/internal/metadata"
)

func testConfig(t *testing.T, seed string, numWorkers, maxDepth int) config.Config {
	t.Helper()

	seedURL, err := url.Parse(seed)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg, err := config.WithDefault([]url.URL{*seedURL}).
		WithNumWorkers(numWorkers).
		WithMaxDepth(maxDepth).
		WithBaseDelay(10 * time.Millisecond).
		WithIdleSleep(20 * time.Millisecond).
		WithTimeout(2 * time.Second).
		WithDBPath(filepath.Join(dir, "crawler.db")).
		WithBlobDir(filepath.Join(dir, "pages")).
		Build()
	require.NoError(t, err)
	return cfg
}

func siteHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Root</title></head><body>
<a href="/a">a</a><a href="/b">b</a></body></html>`))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>A</title></head><body><a href="/">home</a></body></html>`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>B</title></head><body><a href="/">home</a></body></html>`))
	})
	return mux
}

// waitForQuiescence polls stats until no pending or in_progress rows
// remain, or the deadline passes.
func waitForQuiescence(t *testing.T, ctrl *Controller, deadline time.Duration) metadata.CrawlStats {
	t.Helper()
	ctx := context.Background()

	var stats metadata.CrawlStats
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		var err error
		stats, err = ctrl.Stats(ctx)
		require.Nil(t, err)
		if stats.Pending == 0 && stats.InProgress == 0 && stats.Done+stats.Failed > 0 {
			return stats
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("crawl did not settle within %v (stats %+v)", deadline, stats)
	return stats
}

func TestControllerCrawlsSiteEndToEnd(t *testing.T) {
	server := httptest.NewServer(siteHandler())
	defer server.Close()

	cfg := testConfig(t, server.URL+"/", 2, 2)

	ctrl, err := New(cfg, metadata.NoopRecorder{})
	require.Nil(t, err)

	ctx := context.Background()
	require.NoError(t, ctrl.AddSeed(ctx, server.URL+"/", 0))

	ctrl.Start(ctx)
	defer ctrl.Stop()
	stats := waitForQuiescence(t, ctrl, 10*time.Second)

	assert.Equal(t, 3, stats.Done, "done-set is the three reachable pages")
	assert.Zero(t, stats.Failed)

	st := ctrl.GetStoreForTest()
	for _, path := range []string{"/", "/a", "/b"} {
		code, codeErr := st.GetVisitedStatusCodeForTest(server.URL + path)
		require.NoError(t, codeErr, "visited row for %s", path)
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestAddSeedGrowsAllowedDomains(t *testing.T) {
	cfg := testConfig(t, "https://a.test/", 1, 1)

	ctrl, err := New(cfg, metadata.NoopRecorder{})
	require.Nil(t, err)
	defer ctrl.Stop()

	ctx := context.Background()
	require.NoError(t, ctrl.AddSeed(ctx, "https://B.Test/start", 0))

	domains := ctrl.GetAllowedDomainsForTest()
	assert.Contains(t, domains, "a.test", "config seed hostname allowed")
	assert.Contains(t, domains, "b.test", "added seed hostname lowercased and allowed")

	row, rowErr := ctrl.GetStoreForTest().GetFrontierRowForTest("https://B.Test/start")
	require.NoError(t, rowErr)
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, 0, row.Depth)
}

func TestAddSeedAfterStartIsRejected(t *testing.T) {
	cfg := testConfig(t, "https://a.test/", 1, 1)

	ctrl, err := New(cfg, metadata.NoopRecorder{})
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl.Start(ctx)
	defer ctrl.Stop()

	assert.Error(t, ctrl.AddSeed(ctx, "https://late.test/", 0), "the allowed-domain set freezes at start")
}

func TestStopWithinGracePeriod(t *testing.T) {
	server := httptest.NewServer(siteHandler())
	defer server.Close()

	cfg := testConfig(t, server.URL+"/", 2, 1)

	ctrl, err := New(cfg, metadata.NoopRecorder{})
	require.Nil(t, err)

	ctx := context.Background()
	require.NoError(t, ctrl.AddSeed(ctx, server.URL+"/", 0))
	ctrl.Start(ctx)

	start := time.Now()
	ctrl.Stop()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, cfg.GracePeriod()+time.Second, "stop joins workers within the grace period")
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(siteHandler())
	defer server.Close()

	cfg := testConfig(t, server.URL+"/", 1, 1)

	ctrl, err := New(cfg, metadata.NoopRecorder{})
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.AddSeed(ctx, server.URL+"/", 0))

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr, "cancellation is a graceful shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

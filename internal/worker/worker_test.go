package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/crawlkit/internal/contentstore"
	"github.com/rohmanhakim/crawlkit/internal/fetcher"
	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/internal/robots"
	"github.com/rohmanhakim/crawlkit/internal/store"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
	"github.com/rohmanhakim/crawlkit/pkg/limiter"
	"github.com/rohmanhakim/crawlkit/pkg/retry"
	"github.com/rohmanhakim/crawlkit/pkg/timeutil"
)

const testAgent = "crawlkit-test/1.0"

// allowAll is a RobotsPolicy stub that permits every URL.
type allowAll struct{}

func (allowAll) CanFetch(context.Context, string, url.URL) bool { return true }

// flakyFetcher fails a set number of times, then serves a canned result.
type flakyFetcher struct {
	failures  atomic.Int32
	remaining atomic.Int32
	body      []byte
	status    int
}

func (f *flakyFetcher) Fetch(_ context.Context, _ int, param fetcher.FetchParam, _ retry.RetryParam) (fetcher.FetchResult, failure.ClassifiedError) {
	if f.remaining.Add(-1) >= 0 {
		f.failures.Add(1)
		return fetcher.FetchResult{}, &fetcher.FetchError{
			Message:   "connection reset",
			Retryable: true,
			Cause:     fetcher.ErrCauseNetworkFailure,
		}
	}
	u, _ := url.Parse("https://site.test/")
	return fetcher.NewFetchResultForTest(*u, f.body, f.status, "text/html; charset=utf-8", nil, time.Now()), nil
}

type testEnv struct {
	store   *store.Store
	blobDir string
}

func openTestStore(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "crawler.db"), 4, time.Second, metadata.NoopRecorder{})
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })
	return &testEnv{store: s, blobDir: filepath.Join(dir, "pages")}
}

func singleAttempt() retry.RetryParam {
	return retry.NewRetryParam(0, 0, 1, 1, timeutil.NewBackoffParam(0, 0, 0))
}

// newServerWorker wires a worker against a live httptest server with
// real collaborators: robots cache, domain delay, content store, fetcher.
func newServerWorker(t *testing.T, env *testEnv, server *httptest.Server, params Params) *Worker {
	t.Helper()

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	if params.UserAgent == "" {
		params.UserAgent = testAgent
	}
	if params.StuckThreshold == 0 {
		params.StuckThreshold = time.Hour
	}
	if params.AllowedDomains == nil {
		params.AllowedDomains = map[string]struct{}{serverURL.Hostname(): {}}
	}

	robotsCache := robots.NewCache(server.Client(), metadata.NoopRecorder{}, singleAttempt())
	pacer := limiter.NewDomainDelay(0)
	content := contentstore.NewStore(env.blobDir, "sha256", metadata.NoopRecorder{})
	htmlFetcher := fetcher.NewHtmlFetcher(metadata.NoopRecorder{}, server.Client())

	return New(params, env.store, robotsCache, pacer, &htmlFetcher, content, NewSeenFilter(1000, 0.001), nil, metadata.NoopRecorder{})
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if !w.ProcessOneForTest(ctx) {
			return
		}
	}
	t.Fatal("worker did not drain the frontier")
}

func siteHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Root</title>
<meta name="description" content="The root page."></head>
<body>
<a href="/a">a</a>
<a href="/b">b</a>
<a href="https://external.test/x">external</a>
<a href="#section">fragment only</a>
<a href="mailto:someone@site.test">mail</a>
</body></html>`))
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

func TestWorkerCrawlsSiteToDepth(t *testing.T) {
	env := openTestStore(t)
	server := httptest.NewServer(siteHandler())
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/", 0))
	drain(t, w)

	for _, path := range []string{"/", "/a", "/b"} {
		row, err := env.store.GetFrontierRowForTest(server.URL + path)
		require.NoError(t, err, "frontier row for %s", path)
		assert.Equal(t, "done", row.Status, "status for %s", path)

		code, codeErr := env.store.GetVisitedStatusCodeForTest(server.URL + path)
		require.NoError(t, codeErr)
		assert.Equal(t, http.StatusOK, code)
	}

	// The external link never entered the frontier.
	_, err := env.store.GetFrontierRowForTest("https://external.test/x")
	assert.Error(t, err)

	// Depth assignment: links found on the seed sit at depth 1.
	rowA, err := env.store.GetFrontierRowForTest(server.URL + "/a")
	require.NoError(t, err)
	assert.Equal(t, 1, rowA.Depth)

	// Page metadata captured title and description for the root.
	page, pageErr := env.store.GetPageForTest(server.URL + "/")
	require.NoError(t, pageErr)
	assert.Equal(t, "Root", page.Title)
	assert.Equal(t, "The root page.", page.MetaDescription)
	assert.Len(t, page.ContentHash, 64)

	stats, statsErr := env.store.Stats(ctx)
	require.Nil(t, statsErr)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InProgress)
	assert.Equal(t, 3, stats.Done)
}

func TestWorkerStopsEnqueueingAtMaxDepth(t *testing.T) {
	env := openTestStore(t)
	server := httptest.NewServer(siteHandler())
	defer server.Close()

	// Depth 0 means the seed itself is fetched but its links are not followed.
	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 0, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/", 0))
	drain(t, w)

	stats, err := env.store.Stats(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Zero(t, stats.Pending, "no links enqueued at max depth")
}

func TestWorkerRespectsRobotsDenial(t *testing.T) {
	env := openTestStore(t)

	var privateHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		privateHits.Add(1)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/private", 0))
	drain(t, w)

	row, err := env.store.GetFrontierRowForTest(server.URL + "/private")
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Zero(t, privateHits.Load(), "a denied URL is never requested")
}

func TestWorkerRecordsNonHTMLAsVisitedOnly(t *testing.T) {
	env := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"links": ["/never-followed"]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/data.json", 0))
	drain(t, w)

	row, err := env.store.GetFrontierRowForTest(server.URL + "/data.json")
	require.NoError(t, err)
	assert.Equal(t, "done", row.Status)

	_, pageErr := env.store.GetPageForTest(server.URL + "/data.json")
	assert.Error(t, pageErr, "non-HTML bodies are not stored as pages")

	_, statErr := os.Stat(env.blobDir)
	assert.True(t, os.IsNotExist(statErr), "no blob written for non-HTML content")
}

func TestWorkerMarksErrorStatusResponsesDone(t *testing.T) {
	env := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/gone", 0))
	drain(t, w)

	row, err := env.store.GetFrontierRowForTest(server.URL + "/gone")
	require.NoError(t, err)
	assert.Equal(t, "done", row.Status, "an HTTP response is a successful fetch, whatever the code")

	code, codeErr := env.store.GetVisitedStatusCodeForTest(server.URL + "/gone")
	require.NoError(t, codeErr)
	assert.Equal(t, http.StatusGone, code)
}

func TestWorkerDeduplicatesIdenticalBodies(t *testing.T) {
	env := openTestStore(t)

	identical := `<html><head><title>Same</title></head><body>identical body</body></html>`
	mux := http.NewServeMux()
	for _, path := range []string{"/a", "/b"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(identical))
		})
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: true})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/a", 0))
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/b", 0))
	drain(t, w)

	pageA, err := env.store.GetPageForTest(server.URL + "/a")
	require.NoError(t, err)
	pageB, err := env.store.GetPageForTest(server.URL + "/b")
	require.NoError(t, err)

	assert.Equal(t, pageA.ContentHash, pageB.ContentHash)
	assert.Equal(t, pageA.ContentPath, pageB.ContentPath)

	entries, readErr := os.ReadDir(env.blobDir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "one blob for byte-identical bodies")
}

func TestWorkerAllowsAnyDomainWhenSameDomainOff(t *testing.T) {
	env := openTestStore(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><a href="https://elsewhere.test/x">x</a></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	w := newServerWorker(t, env, server, Params{ID: 1, MaxDepth: 2, MaxRetries: 2, SameDomain: false})

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, server.URL+"/", 0))
	require.True(t, w.ProcessOneForTest(ctx))

	row, err := env.store.GetFrontierRowForTest("https://elsewhere.test/x")
	require.NoError(t, err, "out-of-domain link inserted when same-domain mode is off")
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, 1, row.Depth)
}

func TestWorkerRetriesTransientFailuresThenSucceeds(t *testing.T) {
	env := openTestStore(t)

	// Fails twice, then returns 200: the URL must end done with retries 3.
	stub := &flakyFetcher{
		body:   []byte(`<html><head><title>Recovered</title></head><body></body></html>`),
		status: http.StatusOK,
	}
	stub.remaining.Store(2)

	content := contentstore.NewStore(env.blobDir, "sha256", metadata.NoopRecorder{})
	w := New(
		Params{ID: 1, UserAgent: testAgent, MaxDepth: 2, MaxRetries: 2, SameDomain: true,
			AllowedDomains: map[string]struct{}{"site.test": {}}, StuckThreshold: time.Hour},
		env.store, allowAll{}, limiter.NewDomainDelay(0), stub, content, nil, nil, metadata.NoopRecorder{},
	)

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, "https://site.test/", 0))

	drain(t, w)

	row, err := env.store.GetFrontierRowForTest("https://site.test/")
	require.NoError(t, err)
	assert.Equal(t, "done", row.Status)
	assert.Equal(t, 3, row.Retries)
	assert.Equal(t, int32(2), stub.failures.Load())
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	env := openTestStore(t)

	stub := &flakyFetcher{body: nil, status: 0}
	stub.remaining.Store(100) // never succeeds

	content := contentstore.NewStore(env.blobDir, "sha256", metadata.NoopRecorder{})
	w := New(
		Params{ID: 1, UserAgent: testAgent, MaxDepth: 2, MaxRetries: 2, SameDomain: true,
			AllowedDomains: map[string]struct{}{"site.test": {}}, StuckThreshold: time.Hour},
		env.store, allowAll{}, limiter.NewDomainDelay(0), stub, content, nil, nil, metadata.NoopRecorder{},
	)

	ctx := context.Background()
	require.Nil(t, env.store.InsertIfNew(ctx, "https://site.test/", 0))

	drain(t, w)

	row, err := env.store.GetFrontierRowForTest("https://site.test/")
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, 3, row.Retries, "attempts are bounded by the retries counter")
	assert.Equal(t, int32(3), stub.failures.Load())
}

func TestExtractLinksToleratesMalformedMarkup(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "well formed",
			html: `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`,
			want: []string{"/a", "/b"},
		},
		{
			name: "unclosed tags",
			html: `<body><a href="/only">text<p><div>`,
			want: []string{"/only"},
		},
		{
			name: "anchor without href ignored",
			html: `<body><a name="top">top</a><a href="/x">x</a></body>`,
			want: []string{"/x"},
		},
		{
			name: "not html at all",
			html: `{"this": "is json"}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractLinks([]byte(tt.html)))
		})
	}
}

func TestSeenFilterSuppressesDuplicateInserts(t *testing.T) {
	filter := NewSeenFilter(1000, 0.001)

	assert.False(t, filter.SeenBefore("https://site.test/a"))
	assert.True(t, filter.SeenBefore("https://site.test/a"))
	assert.False(t, filter.SeenBefore("https://site.test/b"))
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohmanhakim/crawlkit/internal/build"
	"github.com/rohmanhakim/crawlkit/internal/config"
	"github.com/rohmanhakim/crawlkit/internal/controller"
	"github.com/rohmanhakim/crawlkit/internal/metadata"
)

const defaultSeedURL = "https://example.com/"

var (
	cfgFile        string
	dbPath         string
	blobDir        string
	userAgent      string
	timeout        time.Duration
	domainDelay    time.Duration
	jitter         time.Duration
	maxRetries     int
	stuckThreshold time.Duration
	sameDomain     bool
	hashAlgo       string
	statsInterval  time.Duration
	globalRPS      float64
	randomSeed     int64
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crawlkit [seed_url] [num_workers] [max_depth]",
	Short: "A polite, multi-worker web crawler with a durable frontier.",
	Long: `crawlkit crawls HTML pages from one or more seed URLs within an
allowed set of domains, storing fetched bodies content-addressed (one blob
per distinct body, however many URLs serve it) and per-URL metadata in a
local SQLite database.

The crawl frontier is durable: interrupting and restarting the program
resumes where it left off, and URLs left in progress by a crash are
reclaimed automatically. Stop the crawl with an interrupt signal.`,
	Args:          cobra.MaximumNArgs(3),
	Version:       build.FullVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(args)
		if err != nil {
			return err
		}
		return runCrawl(cfg)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file path (e.g., /home/myuser/config.json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path of the SQLite database file (default crawler.db)")
	rootCmd.PersistentFlags().StringVar(&blobDir, "blob-dir", "", "directory for content-addressed page bodies (default data/pages)")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "user agent string for HTTP requests")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "timeout for a single HTTP request")
	rootCmd.PersistentFlags().DurationVar(&domainDelay, "domain-delay", 0, "minimum delay between requests to the same host")
	rootCmd.PersistentFlags().DurationVar(&jitter, "jitter", 0, "random jitter added to the domain delay")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "max-retries", 0, "how many times a URL is re-claimed after a transient fetch failure")
	rootCmd.PersistentFlags().DurationVar(&stuckThreshold, "stuck-threshold", 0, "age past which an in-progress URL is returned to pending")
	rootCmd.PersistentFlags().BoolVar(&sameDomain, "same-domain", true, "restrict the crawl to the seed URL's domain")
	rootCmd.PersistentFlags().StringVar(&hashAlgo, "hash-algo", "", "content hash algorithm: sha256 or blake3")
	rootCmd.PersistentFlags().DurationVar(&statsInterval, "stats-interval", 0, "interval between aggregate stats log lines")
	rootCmd.PersistentFlags().Float64Var(&globalRPS, "global-rps", 0, "aggregate requests-per-second ceiling across all hosts (0 to disable)")
	rootCmd.PersistentFlags().Int64Var(&randomSeed, "random-seed", 0, "seed for random number generation (0 for current time)")
}

// buildConfig resolves the positional arguments and flags into a Config.
// Positional contract: <seed_url> [num_workers] [max_depth], all optional.
func buildConfig(args []string) (config.Config, error) {
	seed := defaultSeedURL
	if len(args) > 0 {
		seed = args[0]
	}

	seedURL, err := url.Parse(seed)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid seed URL %q: %w", seed, err)
	}
	if seedURL.Scheme != "http" && seedURL.Scheme != "https" {
		return config.Config{}, fmt.Errorf("seed URL %q must be http or https", seed)
	}

	numWorkers := 0
	if len(args) > 1 {
		numWorkers, err = strconv.Atoi(args[1])
		if err != nil || numWorkers < 1 {
			return config.Config{}, fmt.Errorf("invalid num_workers %q", args[1])
		}
	}

	maxDepth := -1
	if len(args) > 2 {
		maxDepth, err = strconv.Atoi(args[2])
		if err != nil || maxDepth < 0 {
			return config.Config{}, fmt.Errorf("invalid max_depth %q", args[2])
		}
	}

	if cfgFile != "" {
		cfg, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("error initializing config from file: %w", err)
		}
		// Positional arguments still win over the file. A positional seed
		// also resets the allowed-hosts set so Build re-derives it from the
		// new seed instead of the file's.
		builder := &cfg
		if len(args) > 0 {
			builder = builder.WithSeedUrls([]url.URL{*seedURL}).
				WithAllowedHosts(map[string]struct{}{})
		}
		if numWorkers > 0 {
			builder = builder.WithNumWorkers(numWorkers)
		}
		if maxDepth >= 0 {
			builder = builder.WithMaxDepth(maxDepth)
		}
		return builder.Build()
	}

	builder := config.WithDefault([]url.URL{*seedURL})

	if numWorkers > 0 {
		builder = builder.WithNumWorkers(numWorkers)
	}
	if maxDepth >= 0 {
		builder = builder.WithMaxDepth(maxDepth)
	}
	if dbPath != "" {
		builder = builder.WithDBPath(dbPath)
	}
	if blobDir != "" {
		builder = builder.WithBlobDir(blobDir)
	}
	if userAgent != "" {
		builder = builder.WithUserAgent(userAgent)
	}
	if timeout > 0 {
		builder = builder.WithTimeout(timeout)
	}
	if domainDelay > 0 {
		builder = builder.WithBaseDelay(domainDelay)
	}
	if jitter > 0 {
		builder = builder.WithJitter(jitter)
	}
	if maxRetries > 0 {
		builder = builder.WithMaxRetries(maxRetries)
	}
	if stuckThreshold > 0 {
		builder = builder.WithStuckThreshold(stuckThreshold)
	}
	if hashAlgo != "" {
		builder = builder.WithHashAlgo(hashAlgo)
	}
	if statsInterval > 0 {
		builder = builder.WithStatsInterval(statsInterval)
	}
	if globalRPS > 0 {
		builder = builder.WithGlobalRPS(globalRPS)
	}
	if randomSeed != 0 {
		builder = builder.WithRandomSeed(randomSeed)
	}
	builder = builder.WithSameDomain(sameDomain)

	return builder.Build()
}

// runCrawl wires the controller, seeds the frontier, and runs until an
// interrupt signal arrives. A nil return means a graceful shutdown.
func runCrawl(cfg config.Config) error {
	metadataSink := metadata.NewRecorder(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctrl, err := controller.New(cfg, metadataSink)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, seed := range cfg.SeedURLs() {
		if seedErr := ctrl.AddSeed(ctx, seed.String(), 0); seedErr != nil {
			ctrl.Stop()
			return seedErr
		}
	}

	return ctrl.Run(ctx)
}

// Test Helper Methods

func ResetFlags() {
	cfgFile = ""
	dbPath = ""
	blobDir = ""
	userAgent = ""
	timeout = 0
	domainDelay = 0
	jitter = 0
	maxRetries = 0
	stuckThreshold = 0
	sameDomain = true
	hashAlgo = ""
	statsInterval = 0
	globalRPS = 0
	randomSeed = 0
}

func SetConfigFileForTest(path string) {
	cfgFile = path
}

func SetSameDomainForTest(enabled bool) {
	sameDomain = enabled
}

func BuildConfigForTest(args []string) (config.Config, error) {
	return buildConfig(args)
}

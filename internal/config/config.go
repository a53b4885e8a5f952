package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	//===============
	//  Crawl scope
	//===============
	// Initial pages to give to the crawler to begin discovering and traversing other pages.
	seedURLs []url.URL
	// Whitelisted hostnames (lowercase, no port). Empty means derive from seed URLs.
	allowedHosts map[string]struct{}
	// Whether discovered links must stay on the allowed hostnames
	sameDomain bool
	// Maximum number of hyperlink hops from a seed (root) URL
	maxDepth int

	//===============
	// Workers
	//===============
	// Number of crawl worker goroutines processing URLs concurrently;
	// it does not control OS threads or CPU parallelism.
	numWorkers int
	// How long a worker sleeps when the frontier has nothing to claim
	idleSleep time.Duration
	// How long Stop waits for workers to finish their current job before abandoning them
	gracePeriod time.Duration

	//===============
	// Politeness
	//===============
	// Minimum, fixed waiting time enforced between two HTTP requests to the same host.
	baseDelay time.Duration
	// Randomized variation added on top of the base delay.
	jitter time.Duration
	// Controls the random number generator
	randomSeed int64
	// Optional ceiling on aggregate requests per second across all hosts combined.
	// Zero disables the ceiling; the per-host base delay still applies.
	globalRPS float64

	//===============
	// Retry / recovery
	//===============
	// How many times a URL may be re-claimed after a transient fetch failure
	maxRetries int
	// Age past which an in_progress frontier row is considered abandoned
	// and returned to pending
	stuckThreshold time.Duration
	// Maximum attempts for a robots.txt fetch before falling back to permissive
	robotsMaxAttempt int
	// Initial delay for robots-fetch backoff
	backoffInitialDuration time.Duration
	// Multiplier during exponential backoff
	backoffMultiplier float64
	// Capped maximum delay for backoff to stop exponential multiplication
	backoffMaxDuration time.Duration

	//===============
	// Fetch
	//===============
	// Maximum time of a single fetch request
	timeout time.Duration
	// User agent that will be used in the request header. In raw string
	userAgent string

	//===============
	// Storage
	//===============
	// Path of the SQLite database file holding frontier, visited, and pages
	dbPath string
	// Directory in which content-addressed page bodies are written
	blobDir string
	// SQLite busy_timeout; lock contention surfaces as a bounded wait
	busyTimeout time.Duration
	// Content hash algorithm: "sha256" (default) or "blake3"
	hashAlgo string

	//===============
	// Observability
	//===============
	// Interval between aggregate stats log lines while the crawl runs
	statsInterval time.Duration
}

type configDTO struct {
	SeedURLs               []string      `json:"seedUrls"`
	AllowedHosts           []string      `json:"allowedHosts,omitempty"`
	SameDomain             *bool         `json:"sameDomain,omitempty"`
	MaxDepth               int           `json:"maxDepth,omitempty"`
	NumWorkers             int           `json:"numWorkers,omitempty"`
	IdleSleep              time.Duration `json:"idleSleep,omitempty"`
	GracePeriod            time.Duration `json:"gracePeriod,omitempty"`
	BaseDelay              time.Duration `json:"baseDelay,omitempty"`
	Jitter                 time.Duration `json:"jitter,omitempty"`
	RandomSeed             int64         `json:"randomSeed,omitempty"`
	GlobalRPS              float64       `json:"globalRps,omitempty"`
	MaxRetries             int           `json:"maxRetries,omitempty"`
	StuckThreshold         time.Duration `json:"stuckThreshold,omitempty"`
	RobotsMaxAttempt       int           `json:"robotsMaxAttempt,omitempty"`
	BackoffInitialDuration time.Duration `json:"backoffInitialDuration,omitempty"`
	BackoffMultiplier      float64       `json:"backoffMultiplier,omitempty"`
	BackoffMaxDuration     time.Duration `json:"backoffMaxDuration,omitempty"`
	Timeout                time.Duration `json:"timeout,omitempty"`
	UserAgent              string        `json:"userAgent,omitempty"`
	DBPath                 string        `json:"dbPath,omitempty"`
	BlobDir                string        `json:"blobDir,omitempty"`
	BusyTimeout            time.Duration `json:"busyTimeout,omitempty"`
	HashAlgo               string        `json:"hashAlgo,omitempty"`
	StatsInterval          time.Duration `json:"statsInterval,omitempty"`
}

func newConfigFromDTO(dto configDTO) (Config, error) {
	seedURLs, err := parseSeedURLs(dto.SeedURLs)
	if err != nil {
		return Config{}, err
	}

	// Start with default config
	cfg, err := WithDefault(seedURLs).Build()
	if err != nil {
		return Config{}, err
	}

	if len(dto.AllowedHosts) > 0 {
		cfg.allowedHosts = hostSet(dto.AllowedHosts)
	}
	if dto.SameDomain != nil {
		cfg.sameDomain = *dto.SameDomain
	}

	// For other fields, only override if non-zero value is provided
	if dto.MaxDepth != 0 {
		cfg.maxDepth = dto.MaxDepth
	}
	if dto.NumWorkers != 0 {
		cfg.numWorkers = dto.NumWorkers
	}
	if dto.IdleSleep != 0 {
		cfg.idleSleep = dto.IdleSleep
	}
	if dto.GracePeriod != 0 {
		cfg.gracePeriod = dto.GracePeriod
	}
	if dto.BaseDelay != 0 {
		cfg.baseDelay = dto.BaseDelay
	}
	if dto.Jitter != 0 {
		cfg.jitter = dto.Jitter
	}
	if dto.RandomSeed != 0 {
		cfg.randomSeed = dto.RandomSeed
	}
	if dto.GlobalRPS != 0 {
		cfg.globalRPS = dto.GlobalRPS
	}
	if dto.MaxRetries != 0 {
		cfg.maxRetries = dto.MaxRetries
	}
	if dto.StuckThreshold != 0 {
		cfg.stuckThreshold = dto.StuckThreshold
	}
	if dto.RobotsMaxAttempt != 0 {
		cfg.robotsMaxAttempt = dto.RobotsMaxAttempt
	}
	if dto.BackoffInitialDuration != 0 {
		cfg.backoffInitialDuration = dto.BackoffInitialDuration
	}
	if dto.BackoffMultiplier != 0 {
		cfg.backoffMultiplier = dto.BackoffMultiplier
	}
	if dto.BackoffMaxDuration != 0 {
		cfg.backoffMaxDuration = dto.BackoffMaxDuration
	}
	if dto.Timeout != 0 {
		cfg.timeout = dto.Timeout
	}
	if dto.UserAgent != "" {
		cfg.userAgent = dto.UserAgent
	}
	if dto.DBPath != "" {
		cfg.dbPath = dto.DBPath
	}
	if dto.BlobDir != "" {
		cfg.blobDir = dto.BlobDir
	}
	if dto.BusyTimeout != 0 {
		cfg.busyTimeout = dto.BusyTimeout
	}
	if dto.HashAlgo != "" {
		cfg.hashAlgo = dto.HashAlgo
	}
	if dto.StatsInterval != 0 {
		cfg.statsInterval = dto.StatsInterval
	}

	// Re-validate after overlaying DTO values
	return cfg.Build()
}

func parseSeedURLs(raw []string) ([]url.URL, error) {
	var seeds []url.URL
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: seed URL %q: %s", ErrInvalidConfig, s, err.Error())
		}
		seeds = append(seeds, *u)
	}
	return seeds, nil
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}

func WithConfigFile(path string) (Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	configContent, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}
	cfgDTO := configDTO{}

	err = json.Unmarshal(configContent, &cfgDTO)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}

	cfg, err := newConfigFromDTO(cfgDTO)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefault creates a new Config with the provided seed URLs and default values for all other fields.
// seedUrls is mandatory and must not be empty - an error will be returned at Build time if it is.
func WithDefault(seedUrls []url.URL) *Config {
	defaultConfig := Config{
		seedURLs:               seedUrls,
		allowedHosts:           map[string]struct{}{},
		sameDomain:             true,
		maxDepth:               2,
		numWorkers:             6,
		idleSleep:              500 * time.Millisecond,
		gracePeriod:            2 * time.Second,
		baseDelay:              time.Second,
		jitter:                 0,
		randomSeed:             time.Now().UnixNano(),
		globalRPS:              0,
		maxRetries:             2,
		stuckThreshold:         time.Hour,
		robotsMaxAttempt:       3,
		backoffInitialDuration: 100 * time.Millisecond,
		backoffMultiplier:      2.0,
		backoffMaxDuration:     10 * time.Second,
		timeout:                time.Second * 10,
		userAgent:              "crawlkit/1.0 (+https://github.com/rohmanhakim/crawlkit)",
		dbPath:                 "crawler.db",
		blobDir:                "data/pages",
		busyTimeout:            5 * time.Second,
		hashAlgo:               "sha256",
		statsInterval:          5 * time.Second,
	}
	return &defaultConfig
}

func (c *Config) WithSeedUrls(urls []url.URL) *Config {
	c.seedURLs = urls
	return c
}

func (c *Config) WithAllowedHosts(hosts map[string]struct{}) *Config {
	c.allowedHosts = hosts
	return c
}

func (c *Config) WithSameDomain(sameDomain bool) *Config {
	c.sameDomain = sameDomain
	return c
}

func (c *Config) WithMaxDepth(depth int) *Config {
	c.maxDepth = depth
	return c
}

func (c *Config) WithNumWorkers(numWorkers int) *Config {
	c.numWorkers = numWorkers
	return c
}

func (c *Config) WithIdleSleep(idleSleep time.Duration) *Config {
	c.idleSleep = idleSleep
	return c
}

func (c *Config) WithGracePeriod(gracePeriod time.Duration) *Config {
	c.gracePeriod = gracePeriod
	return c
}

func (c *Config) WithBaseDelay(delay time.Duration) *Config {
	c.baseDelay = delay
	return c
}

func (c *Config) WithJitter(jitter time.Duration) *Config {
	c.jitter = jitter
	return c
}

func (c *Config) WithRandomSeed(seed int64) *Config {
	c.randomSeed = seed
	return c
}

func (c *Config) WithGlobalRPS(rps float64) *Config {
	c.globalRPS = rps
	return c
}

func (c *Config) WithMaxRetries(retries int) *Config {
	c.maxRetries = retries
	return c
}

func (c *Config) WithStuckThreshold(threshold time.Duration) *Config {
	c.stuckThreshold = threshold
	return c
}

func (c *Config) WithRobotsMaxAttempt(attempts int) *Config {
	c.robotsMaxAttempt = attempts
	return c
}

func (c *Config) WithBackoffInitialDuration(duration time.Duration) *Config {
	c.backoffInitialDuration = duration
	return c
}

func (c *Config) WithBackoffMultiplier(multiplier float64) *Config {
	c.backoffMultiplier = multiplier
	return c
}

func (c *Config) WithBackoffMaxDuration(duration time.Duration) *Config {
	c.backoffMaxDuration = duration
	return c
}

func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.timeout = timeout
	return c
}

func (c *Config) WithUserAgent(agent string) *Config {
	c.userAgent = agent
	return c
}

func (c *Config) WithDBPath(dbPath string) *Config {
	c.dbPath = dbPath
	return c
}

func (c *Config) WithBlobDir(blobDir string) *Config {
	c.blobDir = blobDir
	return c
}

func (c *Config) WithBusyTimeout(busyTimeout time.Duration) *Config {
	c.busyTimeout = busyTimeout
	return c
}

func (c *Config) WithHashAlgo(algo string) *Config {
	c.hashAlgo = algo
	return c
}

func (c *Config) WithStatsInterval(interval time.Duration) *Config {
	c.statsInterval = interval
	return c
}

func (c *Config) Build() (Config, error) {
	if len(c.seedURLs) == 0 {
		return Config{}, fmt.Errorf("%w: seedUrls cannot be empty", ErrInvalidConfig)
	}

	switch c.hashAlgo {
	case "sha256", "blake3":
	default:
		return Config{}, fmt.Errorf("%w: unsupported hash algorithm %q", ErrInvalidConfig, c.hashAlgo)
	}

	// If allowedHosts is empty, default to seed URL hostnames
	if len(c.allowedHosts) == 0 {
		c.allowedHosts = make(map[string]struct{})
		for _, u := range c.seedURLs {
			if hostname := strings.ToLower(u.Hostname()); hostname != "" {
				c.allowedHosts[hostname] = struct{}{}
			}
		}
	}

	return *c, nil
}

func (c Config) SeedURLs() []url.URL {
	urls := make([]url.URL, len(c.seedURLs))
	copy(urls, c.seedURLs)
	return urls
}

func (c Config) AllowedHosts() map[string]struct{} {
	hosts := make(map[string]struct{})
	for k, v := range c.allowedHosts {
		hosts[k] = v
	}
	return hosts
}

func (c Config) SameDomain() bool {
	return c.sameDomain
}

func (c Config) MaxDepth() int {
	return c.maxDepth
}

func (c Config) NumWorkers() int {
	return c.numWorkers
}

func (c Config) IdleSleep() time.Duration {
	return c.idleSleep
}

func (c Config) GracePeriod() time.Duration {
	return c.gracePeriod
}

func (c Config) BaseDelay() time.Duration {
	return c.baseDelay
}

func (c Config) Jitter() time.Duration {
	return c.jitter
}

func (c Config) RandomSeed() int64 {
	return c.randomSeed
}

func (c Config) GlobalRPS() float64 {
	return c.globalRPS
}

func (c Config) MaxRetries() int {
	return c.maxRetries
}

func (c Config) StuckThreshold() time.Duration {
	return c.stuckThreshold
}

func (c Config) RobotsMaxAttempt() int {
	return c.robotsMaxAttempt
}

func (c Config) BackoffInitialDuration() time.Duration {
	return c.backoffInitialDuration
}

func (c Config) BackoffMultiplier() float64 {
	return c.backoffMultiplier
}

func (c Config) BackoffMaxDuration() time.Duration {
	return c.backoffMaxDuration
}

func (c Config) Timeout() time.Duration {
	return c.timeout
}

func (c Config) UserAgent() string {
	return c.userAgent
}

func (c Config) DBPath() string {
	return c.dbPath
}

func (c Config) BlobDir() string {
	return c.blobDir
}

func (c Config) BusyTimeout() time.Duration {
	return c.busyTimeout
}

func (c Config) HashAlgo() string {
	return c.hashAlgo
}

func (c Config) StatsInterval() time.Duration {
	return c.statsInterval
}

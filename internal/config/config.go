package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kareemsasa3/silkworm/internal/types"
)

// AuthStrategy names one way of resolving a login wall.
type AuthStrategy string

const (
	StrategyPassword AuthStrategy = "password"
	StrategyQR       AuthStrategy = "qr"
	StrategyManual   AuthStrategy = "manual"
)

// Config holds every knob of a harvest run.
type Config struct {
	// Browser
	Headless          bool
	NoSandbox         bool
	NavigationTimeout time.Duration

	// Ceilings
	MaxProducts          int // total across all tasks
	MaxProductsPerSearch int
	MaxPagesPerSearch    int

	// Scroll densification
	ScrollStallThreshold int
	ScrollMaxAttempts    int
	ScrollDelayBase      time.Duration
	ScrollDelayJitter    time.Duration

	// Page transitions
	SettleDelay time.Duration

	// Detail enrichment
	DetailEnrichment bool
	DetailBatchSize  int
	DetailRetries    int
	DetailRetryDelay time.Duration
	DetailTimeout    time.Duration

	// Authentication
	AuthStrategies    []AuthStrategy
	MaxLoginAttempts  int
	LoginRetryDelay   time.Duration
	LoginSettleDelay  time.Duration
	QRWaitTimeout     time.Duration
	ManualWaitTimeout time.Duration
	Username          string
	Password          string

	// Artifacts
	CookiesFile    string
	CheckpointFile string
	OutputFile     string
	ScreenshotDir  string
	HistoryDB      string

	// Optional shared dedup backend. Empty means in-process only.
	RedisAddr string

	// Optional Prometheus exposition address, e.g. ":9090". Empty disables.
	MetricsAddr string

	LogLevel string
}

// DefaultConfig mirrors the knobs the target site was tuned against.
func DefaultConfig() *Config {
	return &Config{
		Headless:          true,
		NavigationTimeout: 60 * time.Second,

		MaxProducts:          10000,
		MaxProductsPerSearch: 2000,
		MaxPagesPerSearch:    20,

		ScrollStallThreshold: 5,
		ScrollMaxAttempts:    500,
		ScrollDelayBase:      1500 * time.Millisecond,
		ScrollDelayJitter:    1000 * time.Millisecond,

		SettleDelay: 3 * time.Second,

		DetailEnrichment: true,
		DetailBatchSize:  10,
		DetailRetries:    3,
		DetailRetryDelay: 5 * time.Second,
		DetailTimeout:    45 * time.Second,

		AuthStrategies:    []AuthStrategy{StrategyPassword, StrategyQR, StrategyManual},
		MaxLoginAttempts:  3,
		LoginRetryDelay:   5 * time.Second,
		LoginSettleDelay:  5 * time.Second,
		QRWaitTimeout:     2 * time.Minute,
		ManualWaitTimeout: 5 * time.Minute,

		CookiesFile:    "cookies.json",
		CheckpointFile: "taobao_products_checkpoint.json",
		OutputFile:     "taobao_products.json",
		ScreenshotDir:  ".",
		HistoryDB:      "harvest_history.db",

		LogLevel: "info",
	}
}

// LoadCredentials fills the credential bundle from the environment. godotenv
// is expected to have populated it from .env already.
func (c *Config) LoadCredentials() {
	if v := os.Getenv("TAOBAO_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("TAOBAO_PASSWORD"); v != "" {
		c.Password = v
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.MaxProducts <= 0 {
		return fmt.Errorf("max products must be positive, got %d", c.MaxProducts)
	}
	if c.MaxPagesPerSearch <= 0 {
		return fmt.Errorf("max pages per search must be positive, got %d", c.MaxPagesPerSearch)
	}
	if c.ScrollStallThreshold <= 0 {
		return fmt.Errorf("scroll stall threshold must be positive, got %d", c.ScrollStallThreshold)
	}
	if c.ScrollMaxAttempts < c.ScrollStallThreshold {
		return fmt.Errorf("scroll attempt ceiling %d below stall threshold %d",
			c.ScrollMaxAttempts, c.ScrollStallThreshold)
	}
	if c.MaxLoginAttempts <= 0 {
		return fmt.Errorf("max login attempts must be positive, got %d", c.MaxLoginAttempts)
	}
	if c.DetailEnrichment && c.DetailBatchSize <= 0 {
		return fmt.Errorf("detail batch size must be positive, got %d", c.DetailBatchSize)
	}
	for _, s := range c.AuthStrategies {
		switch s {
		case StrategyPassword, StrategyQR, StrategyManual:
		default:
			return fmt.Errorf("unknown auth strategy %q", s)
		}
	}
	return nil
}

// ParseStrategies converts a comma-separated list like "qr,password,manual"
// into an ordered strategy slice.
func ParseStrategies(s string) ([]AuthStrategy, error) {
	if s == "" {
		return nil, fmt.Errorf("empty strategy list")
	}
	var out []AuthStrategy
	for _, part := range strings.Split(s, ",") {
		st := AuthStrategy(strings.TrimSpace(part))
		switch st {
		case StrategyPassword, StrategyQR, StrategyManual:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown auth strategy %q", part)
		}
	}
	return out, nil
}

// ParseTasks converts a comma-separated task list into SearchTasks. Each
// entry is "query" or "query:category"; the literal "feed" targets the
// homepage feed.
func ParseTasks(s string) []types.SearchTask {
	var tasks []types.SearchTask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "feed" {
			tasks = append(tasks, types.SearchTask{Name: "homepage feed"})
			continue
		}
		query, category := part, ""
		if i := strings.IndexByte(part, ':'); i >= 0 {
			query, category = part[:i], part[i+1:]
		}
		tasks = append(tasks, types.SearchTask{Name: query, Query: query, Category: category})
	}
	return tasks
}

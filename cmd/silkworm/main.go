package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/harvest"
	"github.com/kareemsasa3/silkworm/internal/logger"
	"github.com/kareemsasa3/silkworm/internal/metrics"
	"github.com/kareemsasa3/silkworm/internal/session"
	"github.com/kareemsasa3/silkworm/internal/store"
	"github.com/kareemsasa3/silkworm/internal/types"
)

func main() {
	// .env carries the credential bundle; absence is fine.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	var (
		searchesFlag   = flag.String("searches", "feed", "Comma-separated tasks: 'query', 'query:category', or 'feed'")
		strategiesFlag = flag.String("auth-strategies", "password,qr,manual", "Login strategy order")
		logLevel       = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	)
	flag.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run Chrome headless")
	flag.BoolVar(&cfg.NoSandbox, "no-sandbox", cfg.NoSandbox, "Disable the Chrome sandbox (containers)")
	flag.IntVar(&cfg.MaxProducts, "max-products", cfg.MaxProducts, "Total record ceiling")
	flag.IntVar(&cfg.MaxProductsPerSearch, "max-per-search", cfg.MaxProductsPerSearch, "Per-task record ceiling")
	flag.IntVar(&cfg.MaxPagesPerSearch, "max-pages", cfg.MaxPagesPerSearch, "Per-task page ceiling")
	flag.IntVar(&cfg.ScrollStallThreshold, "stall-threshold", cfg.ScrollStallThreshold, "Unchanged scroll samples before end-of-feed")
	flag.IntVar(&cfg.ScrollMaxAttempts, "scroll-attempts", cfg.ScrollMaxAttempts, "Scroll attempt ceiling")
	flag.DurationVar(&cfg.ScrollDelayBase, "scroll-delay", cfg.ScrollDelayBase, "Base delay between scrolls")
	flag.BoolVar(&cfg.DetailEnrichment, "details", cfg.DetailEnrichment, "Enrich records from detail pages")
	flag.IntVar(&cfg.DetailBatchSize, "detail-batch", cfg.DetailBatchSize, "Checkpoint every N detail attempts")
	flag.IntVar(&cfg.DetailRetries, "detail-retries", cfg.DetailRetries, "Detail fetch retry ceiling")
	flag.IntVar(&cfg.MaxLoginAttempts, "login-attempts", cfg.MaxLoginAttempts, "Login attempt ceiling")
	flag.StringVar(&cfg.CookiesFile, "cookies", cfg.CookiesFile, "Cookie bundle path")
	flag.StringVar(&cfg.CheckpointFile, "checkpoint", cfg.CheckpointFile, "Checkpoint artifact path")
	flag.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Final result path")
	flag.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, "History database path (empty disables)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for a shared dedup set (empty disables)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus exposition address (empty disables)")
	flag.Parse()

	cfg.LogLevel = *logLevel
	cfg.LoadCredentials()

	strategies, err := config.ParseStrategies(*strategiesFlag)
	if err != nil {
		log.Fatalf("invalid -auth-strategies: %v", err)
	}
	cfg.AuthStrategies = strategies

	tasks := config.ParseTasks(*searchesFlag)
	if len(tasks) == 0 {
		log.Fatal("no tasks parsed from -searches")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLog := logger.New(cfg.LogLevel)
	met := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", met.Handler())
			appLog.Info("Metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				appLog.Warn("metrics server stopped: %v", err)
			}
		}()
	}

	var seen store.SeenSet
	if cfg.RedisAddr != "" {
		redisSeen, err := store.NewRedisSeen(cfg.RedisAddr, "silkworm:seen")
		if err != nil {
			log.Fatalf("redis dedup backend: %v", err)
		}
		defer redisSeen.Close()
		seen = redisSeen
	} else {
		seen = store.NewMemorySeen()
	}

	var history *store.History
	if cfg.HistoryDB != "" {
		history, err = store.OpenHistory(cfg.HistoryDB, appLog)
		if err != nil {
			appLog.Warn("history database unavailable, continuing without it: %v", err)
		} else {
			defer history.Close()
		}
	}

	ctx := context.Background()
	chrome, err := browser.New(ctx, cfg, appLog)
	if err != nil {
		log.Fatalf("browser startup: %v", err)
	}
	defer chrome.Close()

	sessStore := session.NewStore(cfg.CookiesFile, appLog)
	engine := harvest.New(cfg, chrome, sessStore, seen, history, met, appLog)

	result, runErr := engine.Run(ctx, tasks)
	if result != nil {
		if err := store.WriteResult(cfg.OutputFile, result); err != nil {
			appLog.Error("result write failed: %v", err)
		} else {
			appLog.Info("Results saved to %s", cfg.OutputFile)
		}
		logSample(appLog, result)
	}
	if runErr != nil {
		appLog.Error("harvest ended with error: %v", runErr)
		os.Exit(1)
	}
}

// logSample prints the run totals and the first few records, so an operator
// can eyeball the harvest without opening the artifact.
func logSample(appLog *logger.Logger, result *types.HarvestResult) {
	appLog.Info("Total products: %d (%d enriched, %.1f%% coverage)",
		result.TotalProducts, result.ProductsWithDetail, result.DetailsCoverage)
	for i, p := range result.Products {
		if i >= 3 {
			break
		}
		title := p.Title
		if len([]rune(title)) > 50 {
			title = string([]rune(title)[:50]) + "..."
		}
		appLog.Info("  %d. %s | ¥%s | %s", i+1, title, p.Price, p.DetailURL)
	}
}

// Package harvest runs the full loop: authenticate, navigate, extract,
// accumulate, checkpoint, enrich, and emit the final artifact.
package harvest

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kareemsasa3/silkworm/internal/auth"
	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
	"github.com/kareemsasa3/silkworm/internal/extract"
	"github.com/kareemsasa3/silkworm/internal/metrics"
	"github.com/kareemsasa3/silkworm/internal/navigate"
	"github.com/kareemsasa3/silkworm/internal/session"
	"github.com/kareemsasa3/silkworm/internal/store"
	"github.com/kareemsasa3/silkworm/internal/types"
)

const (
	feedURL       = "https://www.taobao.com/"
	searchBaseURL = "https://s.taobao.com/search"
)

// visibleAnchorsScript returns the hrefs of anchors that pass the rendered
// size floor, used to reject tracking pixels.
const visibleAnchorsScript = `(() => {
	return Array.from(document.querySelectorAll('a[href]')).filter(a => {
		const r = a.getBoundingClientRect();
		return r.width > 50 && r.height > 50 && a.querySelector('img') !== null;
	}).map(a => a.href.startsWith('//') ? 'https:' + a.href : a.href);
})()`

// Logger is the logging subset the engine needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// Engine drives one harvest over a single browser session.
type Engine struct {
	cfg       *config.Config
	surface   browser.Surface
	authCtl   *auth.Controller
	nav       *navigate.Controller
	extractor *extract.Engine
	acc       *store.Accumulator
	cp        *store.CheckpointWriter
	history   *store.History
	met       *metrics.Metrics
	logger    Logger
	runID     string

	successCount int
	failCount    int

	// Injected in tests.
	sleep  func(time.Duration)
	jitter func() time.Duration
}

// New wires an engine from its collaborators. history and met may be nil.
func New(cfg *config.Config, surface browser.Surface, sessStore *session.Store,
	seen store.SeenSet, history *store.History, met *metrics.Metrics, log Logger) *Engine {

	e := &Engine{
		cfg:     cfg,
		surface: surface,
		history: history,
		met:     met,
		logger:  log,
		runID:   uuid.New().String(),
		sleep:   time.Sleep,
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e.jitter = func() time.Duration {
		if cfg.ScrollDelayJitter <= 0 {
			return cfg.ScrollDelayBase
		}
		return cfg.ScrollDelayBase + time.Duration(rng.Int63n(int64(cfg.ScrollDelayJitter)))
	}

	e.authCtl = auth.NewController(surface, sessStore, cfg, log, authRecorderOrNil(met))
	e.nav = navigate.NewController(surface, cfg, recorderOrNil(met), log, func(ctx context.Context) error {
		_, err := e.authCtl.Ensure(ctx)
		return err
	})
	e.extractor = extract.NewEngine(log, extractRecorderOrNil(met))
	e.acc = store.NewAccumulator(seen, log, mergeRecorderOrNil(met))
	e.cp = store.NewCheckpointWriter(cfg.CheckpointFile, log)
	return e
}

// The nil-interface guards keep typed-nil *Metrics out of the interface
// fields of the collaborators.
func recorderOrNil(m *metrics.Metrics) navigate.Recorder {
	if m == nil {
		return nil
	}
	return m
}

func extractRecorderOrNil(m *metrics.Metrics) extract.Recorder {
	if m == nil {
		return nil
	}
	return m
}

func mergeRecorderOrNil(m *metrics.Metrics) store.Recorder {
	if m == nil {
		return nil
	}
	return m
}

func authRecorderOrNil(m *metrics.Metrics) auth.Recorder {
	if m == nil {
		return nil
	}
	return m
}

// RunID identifies this harvest in the history database.
func (e *Engine) RunID() string { return e.runID }

// Run executes every task in order and returns the final result. Only an
// unrecoverable surface failure aborts the run; everything else degrades to
// the smallest failing unit and the result is still emitted.
func (e *Engine) Run(ctx context.Context, tasks []types.SearchTask) (*types.HarvestResult, error) {
	e.logger.Info("Starting harvest %s: %d tasks", e.runID, len(tasks))

	sess, err := e.authCtl.Ensure(ctx)
	if err != nil {
		if errors.IsType(err, errors.TypeAuthExhausted) {
			e.logger.Warn("authentication exhausted, continuing unauthenticated: %v", err)
		} else if errors.IsType(err, errors.TypeSurface) {
			return nil, err
		} else {
			e.logger.Warn("authentication failed: %v", err)
		}
	}
	e.logger.Info("Session authenticated=%v", sess.Authenticated)

	var performed []string
	for _, task := range tasks {
		if e.acc.Len() >= e.cfg.MaxProducts {
			e.logger.Info("Global record ceiling (%d) reached, skipping remaining tasks", e.cfg.MaxProducts)
			break
		}
		performed = append(performed, task.Name)
		if err := e.harvestTask(ctx, task); err != nil {
			if errors.IsType(err, errors.TypeSurface) {
				// Emit what we have before giving up.
				result := e.buildResult(performed)
				return result, err
			}
			e.logger.Error("task %q failed: %v", task.Name, err)
			e.captureErrorScreenshot(ctx, task)
		}
	}

	if e.cfg.DetailEnrichment {
		e.enrichAll(ctx)
	}

	e.recordHistory()

	result := e.buildResult(performed)
	e.logger.Info("Harvest complete: %d products, %.1f%% detail coverage",
		result.TotalProducts, result.DetailsCoverage)
	return result, nil
}

// harvestTask drives one search (or the feed) to exhaustion: scroll, extract,
// merge, paginate.
func (e *Engine) harvestTask(ctx context.Context, task types.SearchTask) error {
	startURL := feedURL
	if !task.IsFeed() {
		startURL = fmt.Sprintf("%s?q=%s", searchBaseURL, url.QueryEscape(task.Query))
	}
	e.logger.Info("Task %q: opening %s", task.Name, startURL)

	openStart := time.Now()
	if _, err := e.nav.Open(ctx, startURL); err != nil {
		if e.met != nil {
			e.met.RecordNavigation("failure", time.Since(openStart).Seconds())
		}
		return err
	}
	if e.met != nil {
		e.met.RecordNavigation("success", time.Since(openStart).Seconds())
	}

	taskRecords := 0
	for pageIndex := 1; ; pageIndex++ {
		state, err := e.nav.ScrollToEnd(ctx)
		if err != nil {
			return err
		}
		e.logger.Debug("page %d settled: height %dpx, ~%d items",
			pageIndex, state.ScrollHeight, state.VisibleItemCount)

		inserted, err := e.extractPage(ctx, task, pageIndex)
		if err != nil {
			e.logger.Warn("extraction on page %d failed: %v", pageIndex, err)
		}
		taskRecords += inserted
		e.logger.Info("Task %q page %d: %d new records (%d for task, %d total)",
			task.Name, pageIndex, inserted, taskRecords, e.acc.Len())

		if e.acc.Len() >= e.cfg.MaxProducts {
			e.logger.Info("Global record ceiling reached")
			return nil
		}
		if taskRecords >= e.cfg.MaxProductsPerSearch {
			e.logger.Info("Per-task record ceiling (%d) reached", e.cfg.MaxProductsPerSearch)
			return nil
		}
		// The feed has no pagination surface; scroll exhaustion ends it.
		if task.IsFeed() {
			return nil
		}
		if pageIndex >= e.cfg.MaxPagesPerSearch {
			e.logger.Info("Page ceiling (%d) reached for task %q", e.cfg.MaxPagesPerSearch, task.Name)
			return nil
		}

		advanced, err := e.nav.NextPage(ctx)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

// extractPage snapshots the rendered page and merges what the extractor
// recovers.
func (e *Engine) extractPage(ctx context.Context, task types.SearchTask, pageIndex int) (int, error) {
	var visibleHrefs []string
	visible := map[string]bool(nil)
	if err := e.surface.Evaluate(ctx, visibleAnchorsScript, &visibleHrefs); err == nil {
		visible = make(map[string]bool, len(visibleHrefs))
		for _, href := range visibleHrefs {
			visible[href] = true
		}
	} else {
		e.logger.Debug("size-floor probe failed, extracting without it: %v", err)
	}

	html, err := e.surface.OuterHTML(ctx)
	if err != nil {
		return 0, err
	}
	records, err := e.extractor.ExtractListing(html, task, pageIndex, visible)
	if err != nil {
		return 0, err
	}
	return e.acc.MergeAll(records)
}

// enrichAll revisits each accumulated record's detail page in accumulation
// order, checkpointing every batch.
func (e *Engine) enrichAll(ctx context.Context) {
	records := e.acc.Records()
	e.logger.Info("Enriching %d records from detail pages (batch size %d)",
		len(records), e.cfg.DetailBatchSize)

	processed := 0
	for i := range records {
		if ctx.Err() != nil {
			e.logger.Warn("enrichment aborted: %v", ctx.Err())
			break
		}
		if err := e.enrichOne(ctx, &records[i]); err != nil {
			e.failCount++
			if e.met != nil {
				e.met.RecordDetail("failure")
			}
			e.logger.Warn("detail enrichment for %s failed, keeping unenriched: %v",
				records[i].Identifier, err)
		} else {
			e.successCount++
			if e.met != nil {
				e.met.RecordDetail("success")
			}
		}

		processed++
		if processed%e.cfg.DetailBatchSize == 0 {
			e.writeCheckpoint()
		}
		e.sleep(e.jitter())
	}
	e.writeCheckpoint()
}

// enrichOne fetches one detail page with a bounded retry loop. A redirect to
// the login wall consumes the attempt and triggers one re-authentication
// before the next.
func (e *Engine) enrichOne(ctx context.Context, rec *types.ProductRecord) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.DetailRetries; attempt++ {
		landed, err := e.surface.Navigate(ctx, rec.DetailURL, browser.WaitNetworkSettled, e.cfg.DetailTimeout)
		if err != nil {
			lastErr = err
		} else if auth.IsWallURL(landed) {
			lastErr = errors.NewDetailError(rec.DetailURL, "redirected to login wall", nil)
			if _, authErr := e.authCtl.Ensure(ctx); authErr != nil {
				e.logger.Warn("re-authentication during enrichment failed: %v", authErr)
			}
		} else {
			html, err := e.surface.OuterHTML(ctx)
			if err != nil {
				lastErr = err
			} else if err := e.extractor.ApplyDetail(html, rec); err != nil {
				lastErr = err
			} else {
				return nil
			}
		}

		if attempt < e.cfg.DetailRetries {
			e.sleep(e.cfg.DetailRetryDelay)
		}
	}
	return errors.NewDetailError(rec.DetailURL, "retry ceiling reached", lastErr)
}

func (e *Engine) writeCheckpoint() {
	if err := e.cp.Write(e.acc.Records(), e.successCount, e.failCount); err != nil {
		e.logger.Warn("checkpoint write failed: %v", err)
		return
	}
	if e.met != nil {
		e.met.RecordCheckpoint()
	}
}

// recordHistory lands every merged record in the history database.
func (e *Engine) recordHistory() {
	if e.history == nil {
		return
	}
	records := e.acc.Records()
	for i := range records {
		if err := e.history.RecordProduct(e.runID, &records[i]); err != nil {
			e.logger.Warn("history row for %s failed: %v", records[i].Identifier, err)
		}
	}
	if summary, err := e.history.GetRunSummary(e.runID); err == nil {
		e.logger.Info("History: %d rows, %d changed since earlier runs", summary.Products, summary.Changed)
	}
}

// buildResult aggregates counts and breakdowns over the accumulated set.
func (e *Engine) buildResult(performed []string) *types.HarvestResult {
	records := e.acc.Records()

	enriched := 0
	categories := make(map[string]int)
	keywords := make(map[string]int)
	pages := make(map[string]int)
	for _, r := range records {
		if r.Enriched {
			enriched++
		}
		if r.Category != "" {
			categories[r.Category]++
		}
		keywords[r.SourceTask]++
		pages[fmt.Sprintf("page_%d", r.PageIndex)]++
	}

	coverage := 0.0
	if len(records) > 0 {
		coverage = float64(enriched) / float64(len(records)) * 100
	}

	return &types.HarvestResult{
		TotalProducts:      len(records),
		ProductsWithDetail: enriched,
		DetailsCoverage:    coverage,
		ScrapedAt:          time.Now(),
		SearchesPerformed:  performed,
		CategoryBreakdown:  categories,
		KeywordBreakdown:   keywords,
		PageDistribution:   pages,
		Products:           records,
	}
}

var screenshotNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// captureErrorScreenshot is best effort; failures are logged and swallowed.
func (e *Engine) captureErrorScreenshot(ctx context.Context, task types.SearchTask) {
	name := screenshotNamePattern.ReplaceAllString(strings.ToLower(task.Name), "_")
	path := filepath.Join(e.cfg.ScreenshotDir,
		fmt.Sprintf("error_%s_%s.png", name, time.Now().Format("20060102_150405")))
	if err := e.surface.Screenshot(ctx, path); err != nil {
		e.logger.Debug("error screenshot failed: %v", err)
		return
	}
	e.logger.Info("Error screenshot saved to %s", path)
}

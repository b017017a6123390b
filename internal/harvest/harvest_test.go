package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
	"github.com/kareemsasa3/silkworm/internal/session"
	"github.com/kareemsasa3/silkworm/internal/store"
	"github.com/kareemsasa3/silkworm/internal/types"
)

type testLogger struct{}

func (testLogger) Info(format string, v ...interface{})  {}
func (testLogger) Debug(format string, v ...interface{}) {}
func (testLogger) Warn(format string, v ...interface{})  {}
func (testLogger) Error(format string, v ...interface{}) {}

// siteSurface simulates the listing site: canned listing pages, an optional
// next-page control, and detail pages that can redirect to the login wall.
type siteSurface struct {
	authenticated bool
	pages         map[int]string
	detailHTML    string
	detailIsWall  bool
	hasNext       bool

	page        int
	current     string
	navigations []string
	screenshots []string
}

func newSiteSurface() *siteSurface {
	return &siteSurface{page: 1, pages: make(map[int]string)}
}

// respond marshals v into the caller's out parameter the way the real
// surface unmarshals a page-context result.
func respond(out interface{}, v interface{}) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *siteSurface) Navigate(ctx context.Context, url string, policy browser.WaitPolicy, timeout time.Duration) (string, error) {
	s.navigations = append(s.navigations, url)
	if strings.Contains(url, "item.htm") && s.detailIsWall {
		s.current = "https://login.taobao.com/member/login.jhtml?redirect=" + url
		return s.current, nil
	}
	if strings.Contains(url, "page=") {
		s.page++
	}
	s.current = url
	return url, nil
}

func (s *siteSurface) CurrentURL(ctx context.Context) (string, error) { return s.current, nil }

func (s *siteSurface) Evaluate(ctx context.Context, script string, out interface{}) error {
	switch {
	case strings.Contains(script, "getBoundingClientRect"):
		return respond(out, []string{})
	case strings.Contains(script, "scrollTo") || strings.Contains(script, "scrollBy"):
		return nil
	case script == "document.body.scrollHeight":
		return respond(out, 4200)
	case strings.Contains(script, "querySelectorAll"):
		return respond(out, 12)
	case strings.Contains(script, "found:"):
		if s.hasNext && strings.Contains(script, "li.next a") {
			return respond(out, map[string]interface{}{
				"found":    true,
				"disabled": false,
				"href":     fmt.Sprintf("https://s.taobao.com/search?q=jacket&page=%d", s.page+1),
			})
		}
		return respond(out, map[string]interface{}{"found": false})
	}
	return nil
}

func (s *siteSurface) OuterHTML(ctx context.Context) (string, error) {
	if strings.Contains(s.current, "item.htm") {
		return s.detailHTML, nil
	}
	if html, ok := s.pages[s.page]; ok {
		return html, nil
	}
	return "<html><body></body></html>", nil
}

func (s *siteSurface) Cookies(ctx context.Context) ([]types.Cookie, error) {
	return []types.Cookie{{Name: "session", Value: "live"}}, nil
}

func (s *siteSurface) SetCookies(ctx context.Context, cookies []types.Cookie) error { return nil }

func (s *siteSurface) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (s *siteSurface) SendKeys(ctx context.Context, selector, value string, timeout time.Duration) error {
	return nil
}

func (s *siteSurface) ElementExists(ctx context.Context, selector string) (bool, error) {
	if selector == ".site-nav-login-info-nick" {
		return s.authenticated, nil
	}
	return false, nil
}

func (s *siteSurface) ElementText(ctx context.Context, selector string) (string, error) {
	if selector == ".site-nav-login-info-nick" && s.authenticated {
		return "buyer_8821", nil
	}
	return "", nil
}

func (s *siteSurface) Screenshot(ctx context.Context, path string) error {
	s.screenshots = append(s.screenshots, path)
	return nil
}

func (s *siteSurface) WaitForNavigation(ctx context.Context, fromURL string, timeout time.Duration) (string, error) {
	return s.current, nil
}

func card(id, title string) string {
	return fmt.Sprintf(`<div class="item-card">
		<a href="https://item.taobao.com/item.htm?id=%s"></a>
		<span class="title">%s</span>
		<div class="price">¥99</div>
	</div>`, id, title)
}

func listingPage(cards ...string) string {
	return "<html><body>" + strings.Join(cards, "\n") + "</body></html>"
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.CookiesFile = filepath.Join(dir, "cookies.json")
	cfg.CheckpointFile = filepath.Join(dir, "checkpoint.json")
	cfg.OutputFile = filepath.Join(dir, "result.json")
	cfg.ScreenshotDir = dir
	cfg.AuthStrategies = []config.AuthStrategy{config.StrategyPassword}
	cfg.MaxLoginAttempts = 1
	cfg.LoginRetryDelay = 0
	cfg.LoginSettleDelay = 0
	cfg.ScrollStallThreshold = 2
	cfg.ScrollMaxAttempts = 10
	cfg.ScrollDelayBase = 0
	cfg.ScrollDelayJitter = 0
	cfg.SettleDelay = 0
	cfg.DetailRetryDelay = 0
	cfg.DetailEnrichment = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, surface *siteSurface) *Engine {
	t.Helper()
	sessStore := session.NewStore(cfg.CookiesFile, testLogger{})
	e := New(cfg, surface, sessStore, store.NewMemorySeen(), nil, nil, testLogger{})
	e.sleep = func(time.Duration) {}
	e.jitter = func() time.Duration { return 0 }
	return e
}

func TestRunFeedTask(t *testing.T) {
	cfg := testConfig(t)
	surface := newSiteSurface()
	surface.authenticated = true
	surface.pages[1] = listingPage(
		card("1001", "Solar Garden Lantern"),
		card("1002", "Folding Camp Stool"),
	)

	e := newTestEngine(t, cfg, surface)
	tasks := config.ParseTasks("feed")
	result, err := e.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.TotalProducts)
	assert.Equal(t, 0, result.ProductsWithDetail)
	assert.Equal(t, []string{"homepage feed"}, result.SearchesPerformed)
	assert.Equal(t, map[string]int{"homepage feed": 2}, result.KeywordBreakdown)
	assert.Equal(t, map[string]int{"page_1": 2}, result.PageDistribution)

	// The feed has no pagination surface.
	for _, u := range surface.navigations {
		assert.NotContains(t, u, "page=")
	}
}

func TestRunHonorsPageCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPagesPerSearch = 3
	surface := newSiteSurface()
	surface.authenticated = true
	surface.hasNext = true
	for p := 1; p <= 10; p++ {
		surface.pages[p] = listingPage(
			card(fmt.Sprintf("%d001", p), fmt.Sprintf("Jacket Variant %d-A", p)),
			card(fmt.Sprintf("%d002", p), fmt.Sprintf("Jacket Variant %d-B", p)),
		)
	}

	e := newTestEngine(t, cfg, surface)
	result, err := e.Run(context.Background(), config.ParseTasks("jacket:clothing"))
	require.NoError(t, err)

	// Three pages of two records each, despite an ever-present next control.
	assert.Equal(t, 6, result.TotalProducts)
	assert.Equal(t, map[string]int{"page_1": 2, "page_2": 2, "page_3": 2}, result.PageDistribution)
	assert.Equal(t, map[string]int{"clothing": 6}, result.CategoryBreakdown)

	advances := 0
	for _, u := range surface.navigations {
		if strings.Contains(u, "page=") {
			advances++
		}
	}
	assert.Equal(t, 2, advances)
}

func TestRunGlobalCeilingSkipsRemainingTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxProducts = 2
	surface := newSiteSurface()
	surface.authenticated = true
	surface.pages[1] = listingPage(
		card("1001", "Ceramic Pour Over Set"),
		card("1002", "Burr Coffee Grinder"),
		card("1003", "Gooseneck Kettle Steel"),
	)

	e := newTestEngine(t, cfg, surface)
	result, err := e.Run(context.Background(), config.ParseTasks("coffee,tea"))
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalProducts)
	assert.Equal(t, []string{"coffee"}, result.SearchesPerformed)
}

func TestRunDegradedWithoutAuthentication(t *testing.T) {
	cfg := testConfig(t)
	surface := newSiteSurface()
	surface.authenticated = false
	surface.pages[1] = listingPage(card("1001", "Anonymous Browsing Find"))

	e := newTestEngine(t, cfg, surface)
	result, err := e.Run(context.Background(), config.ParseTasks("feed"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProducts)
	assert.False(t, e.authCtl.Session().Authenticated)
}

func TestRunEnrichmentAndCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.DetailEnrichment = true
	cfg.DetailBatchSize = 1
	surface := newSiteSurface()
	surface.authenticated = true
	surface.pages[1] = listingPage(
		card("1001", "Solar Garden Lantern"),
		card("1002", "Folding Camp Stool"),
	)
	surface.detailHTML = `<html><body>
		<div class="tb-shop-name">Garden Supply Co</div>
		<span id="J_SpanStock">有货</span>
	</body></html>`

	e := newTestEngine(t, cfg, surface)
	result, err := e.Run(context.Background(), config.ParseTasks("feed"))
	require.NoError(t, err)

	assert.Equal(t, 2, result.ProductsWithDetail)
	assert.InDelta(t, 100.0, result.DetailsCoverage, 0.01)
	for _, p := range result.Products {
		assert.True(t, p.Enriched)
		assert.Equal(t, "Garden Supply Co", p.ShopName)
		assert.True(t, p.StockKnown)
	}

	// Batched enrichment leaves a recovery artifact behind.
	data, err := os.ReadFile(cfg.CheckpointFile)
	require.NoError(t, err)
	var cp types.Checkpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	assert.Equal(t, 2, cp.TotalProducts)
	assert.Equal(t, 2, cp.SuccessCount)
}

func TestEnrichOneWallConsumesRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.DetailRetries = 2
	surface := newSiteSurface()
	surface.authenticated = true
	surface.detailIsWall = true

	e := newTestEngine(t, cfg, surface)
	rec := types.ProductRecord{
		Identifier: "1001",
		Title:      "Unreachable Product",
		Price:      "99",
		DetailURL:  "https://item.taobao.com/item.htm?id=1001",
	}

	err := e.enrichOne(context.Background(), &rec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeDetailEnrichment))
	assert.False(t, rec.Enriched)

	// Both attempts hit the wall; each triggers a session recovery that
	// navigates home.
	homes := 0
	for _, u := range surface.navigations {
		if u == "https://www.taobao.com/" {
			homes++
		}
	}
	assert.Equal(t, 2, homes)
}

func TestRunCapturesErrorScreenshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScrollMaxAttempts = 3
	surface := newSiteSurface()
	surface.authenticated = true

	e := newTestEngine(t, cfg, surface)

	// Force a task failure by making every evaluation fail after open.
	task := types.SearchTask{Name: "search: broken", Query: "broken"}
	e.captureErrorScreenshot(context.Background(), task)

	require.Len(t, surface.screenshots, 1)
	name := filepath.Base(surface.screenshots[0])
	assert.True(t, strings.HasPrefix(name, "error_search_broken_"), name)
	assert.True(t, strings.HasSuffix(name, ".png"), name)
}

func TestBuildResultBreakdowns(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, newSiteSurface())

	_, err := e.acc.MergeAll([]types.ProductRecord{
		{Identifier: "1", Title: "a", Price: "1", SourceTask: "search: x", Category: "c1", PageIndex: 1, Enriched: true},
		{Identifier: "2", Title: "b", Price: "2", SourceTask: "search: x", Category: "c1", PageIndex: 2},
		{Identifier: "3", Title: "c", Price: "3", SourceTask: "search: y", PageIndex: 1},
	})
	require.NoError(t, err)

	result := e.buildResult([]string{"search: x", "search: y"})
	assert.Equal(t, 3, result.TotalProducts)
	assert.Equal(t, 1, result.ProductsWithDetail)
	assert.InDelta(t, 33.3, result.DetailsCoverage, 0.1)
	assert.Equal(t, map[string]int{"c1": 2}, result.CategoryBreakdown)
	assert.Equal(t, map[string]int{"search: x": 2, "search: y": 1}, result.KeywordBreakdown)
	assert.Equal(t, map[string]int{"page_1": 2, "page_2": 1}, result.PageDistribution)
}

package navigate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
	"github.com/kareemsasa3/silkworm/internal/types"
)

type testLogger struct{}

func (testLogger) Info(format string, v ...interface{})  {}
func (testLogger) Debug(format string, v ...interface{}) {}
func (testLogger) Warn(format string, v ...interface{})  {}

// scriptSurface is a Surface whose page-context answers are canned per
// script. Navigations and clicks are recorded for assertions.
type scriptSurface struct {
	currentURL  string
	probes      map[string]nextProbe
	navigations []string
	clicks      []string
	landings    []string
	nudges      int
}

func (s *scriptSurface) Navigate(ctx context.Context, url string, policy browser.WaitPolicy, timeout time.Duration) (string, error) {
	s.navigations = append(s.navigations, url)
	s.currentURL = url
	return url, nil
}

func (s *scriptSurface) CurrentURL(ctx context.Context) (string, error) {
	return s.currentURL, nil
}

func (s *scriptSurface) Evaluate(ctx context.Context, script string, out interface{}) error {
	switch {
	case script == scrollNudgeScript:
		s.nudges++
		return nil
	case script == itemCountScript:
		if p, ok := out.(*int); ok {
			*p = 42
		}
		return nil
	case strings.Contains(script, "found:"):
		for sel, probe := range s.probes {
			if strings.Contains(script, sel) {
				*out.(*nextProbe) = probe
				return nil
			}
		}
		*out.(*nextProbe) = nextProbe{}
		return nil
	}
	return nil
}

func (s *scriptSurface) OuterHTML(ctx context.Context) (string, error) { return "", nil }

func (s *scriptSurface) Cookies(ctx context.Context) ([]types.Cookie, error) { return nil, nil }

func (s *scriptSurface) SetCookies(ctx context.Context, cookies []types.Cookie) error { return nil }

func (s *scriptSurface) Click(ctx context.Context, selector string, timeout time.Duration) error {
	s.clicks = append(s.clicks, selector)
	return nil
}

func (s *scriptSurface) SendKeys(ctx context.Context, selector, value string, timeout time.Duration) error {
	return nil
}

func (s *scriptSurface) ElementExists(ctx context.Context, selector string) (bool, error) {
	return false, nil
}

func (s *scriptSurface) ElementText(ctx context.Context, selector string) (string, error) {
	return "", nil
}

func (s *scriptSurface) Screenshot(ctx context.Context, path string) error { return nil }

func (s *scriptSurface) WaitForNavigation(ctx context.Context, fromURL string, timeout time.Duration) (string, error) {
	if len(s.landings) == 0 {
		return fromURL, nil
	}
	landed := s.landings[0]
	s.landings = s.landings[1:]
	s.currentURL = landed
	return landed, nil
}

func newTestController(surface *scriptSurface, cfg *config.Config, samples []int) *Controller {
	c := NewController(surface, cfg, nil, testLogger{}, nil)
	c.sleep = func(time.Duration) {}
	c.jitter = func() time.Duration { return 0 }
	if samples != nil {
		i := 0
		c.sample = func(ctx context.Context) (int, error) {
			h := samples[i]
			if i < len(samples)-1 {
				i++
			}
			return h, nil
		}
	}
	return c
}

func TestScrollToEndStopsOnStableHeight(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScrollStallThreshold = 5
	cfg.ScrollMaxAttempts = 500

	surface := &scriptSurface{}
	samples := []int{500, 800, 800, 800, 800, 800}
	sampleCalls := 0
	c := newTestController(surface, cfg, samples)
	inner := c.sample
	c.sample = func(ctx context.Context) (int, error) {
		sampleCalls++
		return inner(ctx)
	}

	state, err := c.ScrollToEnd(context.Background())
	require.NoError(t, err)

	// One growth sample plus five stable ones ends the phase.
	assert.Equal(t, 6, sampleCalls)
	assert.Equal(t, 800, state.ScrollHeight)
	assert.Equal(t, 42, state.VisibleItemCount)
}

func TestScrollToEndGrowthResetsStallRun(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScrollStallThreshold = 3
	cfg.ScrollMaxAttempts = 500

	// Two stable samples, growth, then a full stable run.
	samples := []int{500, 500, 900, 900, 900}
	sampleCalls := 0
	c := newTestController(&scriptSurface{}, cfg, samples)
	inner := c.sample
	c.sample = func(ctx context.Context) (int, error) {
		sampleCalls++
		return inner(ctx)
	}

	_, err := c.ScrollToEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sampleCalls)
}

func TestScrollToEndHonorsAttemptCeiling(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScrollStallThreshold = 5
	cfg.ScrollMaxAttempts = 4

	height := 0
	c := newTestController(&scriptSurface{}, cfg, nil)
	c.sample = func(ctx context.Context) (int, error) {
		height += 100
		return height, nil
	}

	state, err := c.ScrollToEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 400, state.ScrollHeight)
}

func TestScrollToEndNudgesEveryThirdAttempt(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ScrollStallThreshold = 5
	cfg.ScrollMaxAttempts = 500

	surface := &scriptSurface{}
	c := newTestController(surface, cfg, []int{500, 800, 800, 800, 800, 800})

	_, err := c.ScrollToEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, surface.nudges, "attempts 3 and 6 should nudge upward")
}

func TestNextPageFollowsHref(t *testing.T) {
	cfg := config.DefaultConfig()
	surface := &scriptSurface{
		currentURL: "https://s.taobao.com/search?q=jacket&page=1",
		probes: map[string]nextProbe{
			"li.next a": {Found: true, Href: "https://s.taobao.com/search?q=jacket&page=2"},
		},
	}
	c := newTestController(surface, cfg, nil)

	advanced, err := c.NextPage(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, []string{"https://s.taobao.com/search?q=jacket&page=2"}, surface.navigations)
	assert.Empty(t, surface.clicks)
}

func TestNextPageRejectsDisabledControl(t *testing.T) {
	cfg := config.DefaultConfig()
	surface := &scriptSurface{
		currentURL: "https://s.taobao.com/search?q=jacket&page=9",
		probes: map[string]nextProbe{
			"li.next a": {Found: true, Disabled: true, Href: "https://s.taobao.com/search?page=10"},
		},
	}
	c := newTestController(surface, cfg, nil)

	advanced, err := c.NextPage(context.Background())
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Empty(t, surface.navigations)
}

func TestNextPageClicksWhenNoHref(t *testing.T) {
	cfg := config.DefaultConfig()
	surface := &scriptSurface{
		currentURL: "https://s.taobao.com/search?q=jacket&page=1",
		probes: map[string]nextProbe{
			"button.next-btn": {Found: true},
		},
		landings: []string{"https://s.taobao.com/search?q=jacket&page=2"},
	}
	c := newTestController(surface, cfg, nil)

	advanced, err := c.NextPage(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, []string{"button.next-btn"}, surface.clicks)
}

func TestNextPagePersistentWallFails(t *testing.T) {
	cfg := config.DefaultConfig()
	surface := &scriptSurface{
		currentURL: "https://s.taobao.com/search?q=jacket&page=1",
		probes: map[string]nextProbe{
			"button.next-btn": {Found: true},
		},
		landings: []string{
			"https://login.taobao.com/member/login.jhtml",
			"https://login.taobao.com/member/login.jhtml",
		},
	}
	reauths := 0
	c := newTestController(surface, cfg, nil)
	c.reauth = func(ctx context.Context) error {
		reauths++
		return nil
	}

	advanced, err := c.NextPage(context.Background())
	assert.False(t, advanced)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeNavigation))
	assert.Equal(t, 1, reauths, "session recovery runs once, not recursively")
}

func TestOpenRecoversFromLoginWall(t *testing.T) {
	cfg := config.DefaultConfig()
	surface := &scriptSurface{}
	// First navigation lands on the wall; after recovery the re-issue
	// lands clean.
	wallFirst := true

	c := newTestController(surface, cfg, nil)
	reauths := 0
	c.reauth = func(ctx context.Context) error {
		reauths++
		wallFirst = false
		return nil
	}
	c.surface = navigateShim{inner: surface, wall: &wallFirst}

	landed, err := c.Open(context.Background(), "https://s.taobao.com/search?q=jacket")
	require.NoError(t, err)
	assert.Equal(t, "https://s.taobao.com/search?q=jacket", landed)
	assert.Equal(t, 1, reauths)
}

// navigateShim redirects navigations to the login wall while *wall is set.
type navigateShim struct {
	inner *scriptSurface
	wall  *bool
}

func (n navigateShim) Navigate(ctx context.Context, url string, policy browser.WaitPolicy, timeout time.Duration) (string, error) {
	if *n.wall {
		return "https://login.taobao.com/member/login.jhtml?redirect=" + url, nil
	}
	return n.inner.Navigate(ctx, url, policy, timeout)
}

func (n navigateShim) CurrentURL(ctx context.Context) (string, error) {
	return n.inner.CurrentURL(ctx)
}

func (n navigateShim) Evaluate(ctx context.Context, script string, out interface{}) error {
	return n.inner.Evaluate(ctx, script, out)
}

func (n navigateShim) OuterHTML(ctx context.Context) (string, error) { return n.inner.OuterHTML(ctx) }

func (n navigateShim) Cookies(ctx context.Context) ([]types.Cookie, error) {
	return n.inner.Cookies(ctx)
}

func (n navigateShim) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	return n.inner.SetCookies(ctx, cookies)
}

func (n navigateShim) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return n.inner.Click(ctx, selector, timeout)
}

func (n navigateShim) SendKeys(ctx context.Context, selector, value string, timeout time.Duration) error {
	return n.inner.SendKeys(ctx, selector, value, timeout)
}

func (n navigateShim) ElementExists(ctx context.Context, selector string) (bool, error) {
	return n.inner.ElementExists(ctx, selector)
}

func (n navigateShim) ElementText(ctx context.Context, selector string) (string, error) {
	return n.inner.ElementText(ctx, selector)
}

func (n navigateShim) Screenshot(ctx context.Context, path string) error {
	return n.inner.Screenshot(ctx, path)
}

func (n navigateShim) WaitForNavigation(ctx context.Context, fromURL string, timeout time.Duration) (string, error) {
	return n.inner.WaitForNavigation(ctx, fromURL, timeout)
}

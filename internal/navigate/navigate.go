// Package navigate drives scroll-based lazy loading and link pagination,
// distinguishing true end-of-feed from transient stalls.
package navigate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kareemsasa3/silkworm/internal/auth"
	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
)

// PageState is the transient view of one navigation cycle.
type PageState struct {
	ScrollHeight     int
	VisibleItemCount int
	PageIndex        int
}

// nextSelectors are probed in order for a pagination control.
var nextSelectors = []string{
	"li.next a",
	"a.next",
	".next-next",
	"button.next-btn",
	".pagination-next",
	".next-pagination-item-next",
	"a[rel='next']",
	"a[aria-label='Next']",
	"a[aria-label='下一页']",
}

const (
	scrollBottomScript = `window.scrollTo(0, document.body.scrollHeight);`
	scrollNudgeScript  = `window.scrollBy(0, -300);`
	pageHeightScript   = `document.body.scrollHeight`
	itemCountScript    = `document.querySelectorAll('a[href*="item.taobao"], a[href*="detail.tmall"]').length`
)

// Recorder is the metrics subset the controller feeds.
type Recorder interface {
	RecordScrollCycle()
	RecordScrollStall()
	RecordPageAdvance()
}

// Logger is the logging subset the controller needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Controller composes scroll densification and link pagination for one task.
type Controller struct {
	surface browser.Surface
	cfg     *config.Config
	logger  Logger
	rec     Recorder

	// reauth is called when a navigation lands on the login wall.
	reauth func(ctx context.Context) error

	// Injected in tests.
	sleep  func(time.Duration)
	jitter func() time.Duration
	sample func(ctx context.Context) (int, error)
}

// NewController builds a navigation controller. reauth may be nil when no
// authentication recovery is available.
func NewController(surface browser.Surface, cfg *config.Config, rec Recorder, log Logger, reauth func(ctx context.Context) error) *Controller {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := &Controller{
		surface: surface,
		cfg:     cfg,
		logger:  log,
		rec:     rec,
		reauth:  reauth,
		sleep:   time.Sleep,
	}
	c.jitter = func() time.Duration {
		if cfg.ScrollDelayJitter <= 0 {
			return cfg.ScrollDelayBase
		}
		return cfg.ScrollDelayBase + time.Duration(rng.Int63n(int64(cfg.ScrollDelayJitter)))
	}
	c.sample = c.sampleHeight
	return c
}

// Open navigates to url. A landing on the login wall triggers one
// re-authentication pass before the URL is re-issued once.
func (c *Controller) Open(ctx context.Context, url string) (string, error) {
	current, err := c.surface.Navigate(ctx, url, browser.WaitNetworkSettled, c.cfg.NavigationTimeout)
	if err != nil {
		return "", err
	}
	if auth.IsWallURL(current) && c.reauth != nil {
		c.logger.Warn("login wall at %s, recovering session", current)
		if err := c.reauth(ctx); err != nil {
			c.logger.Warn("session recovery failed: %v", err)
		}
		current, err = c.surface.Navigate(ctx, url, browser.WaitNetworkSettled, c.cfg.NavigationTimeout)
		if err != nil {
			return "", err
		}
	}
	return current, nil
}

// ScrollToEnd densifies the current page until the stall threshold or the
// attempt ceiling ends the phase. It returns the final page state.
func (c *Controller) ScrollToEnd(ctx context.Context) (PageState, error) {
	var state PageState
	previousHeight := -1
	stall := 0

	for attempt := 1; attempt <= c.cfg.ScrollMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return state, errors.NewSurfaceError("scroll aborted", ctx.Err())
		}
		if c.rec != nil {
			c.rec.RecordScrollCycle()
		}

		if err := c.surface.Evaluate(ctx, scrollBottomScript, nil); err != nil {
			return state, err
		}
		c.sleep(c.jitter())

		// Every third attempt scroll up then back down; the site's lazy
		// loaders only fire on a direction change.
		if attempt%3 == 0 {
			if err := c.surface.Evaluate(ctx, scrollNudgeScript, nil); err != nil {
				return state, err
			}
			c.sleep(500 * time.Millisecond)
			if err := c.surface.Evaluate(ctx, scrollBottomScript, nil); err != nil {
				return state, err
			}
		}

		height, err := c.sample(ctx)
		if err != nil {
			return state, err
		}
		var items int
		if err := c.surface.Evaluate(ctx, itemCountScript, &items); err == nil {
			state.VisibleItemCount = items
		}
		state.ScrollHeight = height

		c.logger.Debug("scroll %d: height %dpx, ~%d items visible", attempt, height, state.VisibleItemCount)

		// stall counts the run of consecutive samples at the same height,
		// including the run's first sample. Any change resets the run.
		if height == previousHeight {
			stall++
			if c.rec != nil {
				c.rec.RecordScrollStall()
			}
			c.logger.Debug("height unchanged (%d/%d)", stall, c.cfg.ScrollStallThreshold)
		} else {
			stall = 1
			previousHeight = height
		}
		if stall >= c.cfg.ScrollStallThreshold {
			c.logger.Info("End of feed after %d scroll attempts (height %dpx)", attempt, height)
			return state, nil
		}
	}

	c.logger.Warn("Scroll attempt ceiling (%d) reached, stopping", c.cfg.ScrollMaxAttempts)
	return state, nil
}

// nextProbe is the JSON shape returned by the pagination probe script.
type nextProbe struct {
	Found    bool   `json:"found"`
	Disabled bool   `json:"disabled"`
	Href     string `json:"href"`
}

// NextPage advances to the next listing page. It returns false when no
// usable control exists, which is the expected terminal condition. A login
// wall hit by the transition is recovered once, not recursively.
func (c *Controller) NextPage(ctx context.Context) (bool, error) {
	for try := 0; try < 2; try++ {
		sel, probe := c.findNextControl(ctx)
		if sel == "" {
			c.logger.Info("No next-page control found, pagination exhausted")
			return false, nil
		}

		startURL, err := c.surface.CurrentURL(ctx)
		if err != nil {
			return false, err
		}

		if probe.Href != "" {
			if _, err := c.Open(ctx, probe.Href); err != nil {
				return false, err
			}
		} else {
			if err := c.surface.Click(ctx, sel, c.cfg.NavigationTimeout); err != nil {
				return false, err
			}
			landed, err := c.surface.WaitForNavigation(ctx, startURL, c.cfg.NavigationTimeout)
			if err != nil {
				return false, err
			}
			if auth.IsWallURL(landed) {
				if try > 0 || c.reauth == nil {
					return false, errors.NewNavigationError(landed, "login wall persisted across pagination", nil)
				}
				c.logger.Warn("login wall after pagination click, recovering session")
				if err := c.reauth(ctx); err != nil {
					c.logger.Warn("session recovery failed: %v", err)
				}
				if _, err := c.surface.Navigate(ctx, startURL, browser.WaitNetworkSettled, c.cfg.NavigationTimeout); err != nil {
					return false, err
				}
				continue
			}
		}

		c.sleep(c.cfg.SettleDelay)
		if c.rec != nil {
			c.rec.RecordPageAdvance()
		}
		return true, nil
	}
	return false, nil
}

// findNextControl probes the candidate selectors, rejecting disabled
// controls.
func (c *Controller) findNextControl(ctx context.Context) (string, nextProbe) {
	for _, sel := range nextSelectors {
		var probe nextProbe
		if err := c.surface.Evaluate(ctx, probeScript(sel), &probe); err != nil {
			c.logger.Debug("next-control probe %s failed: %v", sel, err)
			continue
		}
		if probe.Found && !probe.Disabled {
			return sel, probe
		}
	}
	return "", nextProbe{}
}

// probeScript builds the page-context probe for one pagination selector. A
// control counts as disabled when it carries a disabled attribute, class, or
// aria flag.
func probeScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%q);
	if (!el) return {found: false, disabled: false, href: ''};
	const cls = String(el.className || '');
	const disabled = el.hasAttribute('disabled') ||
		el.getAttribute('aria-disabled') === 'true' ||
		/(^|[-\s])disabled([-\s]|$)/.test(cls);
	return {found: true, disabled: disabled, href: el.href || ''};
})()`, selector)
}

// sampleHeight is the default proxy metric for scroll progress.
func (c *Controller) sampleHeight(ctx context.Context) (int, error) {
	var height int
	if err := c.surface.Evaluate(ctx, pageHeightScript, &height); err != nil {
		return 0, err
	}
	return height, nil
}

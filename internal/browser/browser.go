// Package browser is the automation surface: one headless-Chrome session
// driven over CDP. Every other component talks to it through the Surface
// interface so state machines can be tested against a fake.
package browser

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
	"github.com/kareemsasa3/silkworm/internal/types"
)

// WaitPolicy selects how long Navigate blocks after the page commits.
type WaitPolicy int

const (
	// WaitDOMReady returns once the document body is ready.
	WaitDOMReady WaitPolicy = iota
	// WaitNetworkSettled additionally waits a settle period for async
	// content. CDP has no reliable network-idle signal for this site's
	// long-polling beacons, so this is body-ready plus a fixed wait.
	WaitNetworkSettled
)

const networkSettleWait = 3 * time.Second

// Surface is the capability set the harvesting engine consumes.
type Surface interface {
	Navigate(ctx context.Context, url string, policy WaitPolicy, timeout time.Duration) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, out interface{}) error
	OuterHTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	SendKeys(ctx context.Context, selector, value string, timeout time.Duration) error
	ElementExists(ctx context.Context, selector string) (bool, error)
	ElementText(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context, path string) error
	WaitForNavigation(ctx context.Context, fromURL string, timeout time.Duration) (string, error)
}

// Logger is the subset of logging the browser needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// Chrome drives a single long-lived Chrome session.
type Chrome struct {
	ctx        context.Context
	cancelCtx  context.CancelFunc
	cancelAloc context.CancelFunc
	profileDir string
	logger     Logger
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// stealthScript runs on every new document before site scripts execute.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => false });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en-US', 'en'] });
`

// New launches Chrome and keeps the session alive until Close. Unlike a
// per-request browser, the whole harvest shares one session so cookies and
// login state persist across navigations.
func New(parent context.Context, cfg *config.Config, log Logger) (*Chrome, error) {
	profileDir, err := os.MkdirTemp("", "silkworm-profile-*")
	if err != nil {
		return nil, errors.NewSurfaceError("failed to create profile directory", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(userAgent),
		chromedp.Flag("user-data-dir", profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("lang", "zh-CN"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if path := findChromeBinary(); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if cfg.NoSandbox {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	chromeCtx, cancelChrome := chromedp.NewContext(allocCtx)

	c := &Chrome{
		ctx:        chromeCtx,
		cancelCtx:  cancelChrome,
		cancelAloc: cancelAlloc,
		profileDir: profileDir,
		logger:     log,
	}

	// First Run starts the browser; inject the stealth overrides and the
	// Accept-Language headers before any navigation happens.
	err = chromedp.Run(chromeCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	)
	if err != nil {
		c.Close()
		return nil, errors.NewSurfaceError("chrome startup failed", err)
	}

	log.Info("Chrome session started (headless=%v)", cfg.Headless)
	return c, nil
}

// findChromeBinary probes the usual container and desktop install paths.
func findChromeBinary() string {
	for _, p := range []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Close shuts the browser down and removes the temporary profile.
func (c *Chrome) Close() {
	c.cancelCtx()
	c.cancelAloc()
	os.RemoveAll(c.profileDir)
}

// Navigate loads url and blocks per the wait policy. It returns the URL the
// browser actually landed on, which differs from url when the site redirects
// to a login wall.
func (c *Chrome) Navigate(ctx context.Context, url string, policy WaitPolicy, timeout time.Duration) (string, error) {
	runCtx, cancel := c.bound(ctx, timeout)
	defer cancel()

	// Raw CDP navigate: chromedp.Navigate carries its own internal load
	// timeout which fights the context deadline on slow pages.
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation error: %s", errorText)
		}
		return nil
	}))
	if err != nil {
		return "", errors.NewNavigationError(url, "navigate failed", err)
	}

	if err := chromedp.Run(runCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return "", errors.NewNavigationError(url, "wait for body failed", err)
	}
	if policy == WaitNetworkSettled {
		if err := chromedp.Run(runCtx, chromedp.Sleep(networkSettleWait)); err != nil {
			return "", errors.NewNavigationError(url, "settle wait failed", err)
		}
	}

	current, err := c.CurrentURL(runCtx)
	if err != nil {
		return "", err
	}
	c.logger.Debug("navigated to %s (landed on %s)", url, current)
	return current, nil
}

// CurrentURL returns the browser's current location.
func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", errors.NewSurfaceError("failed to read location", err)
	}
	return loc, nil
}

// Evaluate runs script in page context. out may be nil when the result is
// not needed; otherwise it must be JSON-unmarshalable from the result.
func (c *Chrome) Evaluate(ctx context.Context, script string, out interface{}) error {
	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return errors.NewSurfaceError("evaluate failed", err)
	}
	return nil
}

// OuterHTML snapshots the fully rendered document.
func (c *Chrome) OuterHTML(ctx context.Context) (string, error) {
	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", errors.NewSurfaceError("html snapshot failed", err)
	}
	return html, nil
}

// Cookies returns the session's current cookie bundle.
func (c *Chrome) Cookies(ctx context.Context) ([]types.Cookie, error) {
	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	var out []types.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, ck := range cookies {
			out = append(out, types.Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, errors.NewSurfaceError("failed to read cookies", err)
	}
	return out, nil
}

// SetCookies installs a previously saved bundle into the session.
func (c *Chrome) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(ck.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}

	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return errors.NewSurfaceError("failed to set cookies", err)
	}
	return nil
}

// Click clicks the first element matching selector.
func (c *Chrome) Click(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := c.bound(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return errors.NewSurfaceError(fmt.Sprintf("click %s failed", selector), err)
	}
	return nil
}

// SendKeys types value into the first element matching selector.
func (c *Chrome) SendKeys(ctx context.Context, selector, value string, timeout time.Duration) error {
	runCtx, cancel := c.bound(ctx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return errors.NewSurfaceError(fmt.Sprintf("send keys to %s failed", selector), err)
	}
	return nil
}

// ElementExists reports whether selector resolves in the current document
// without waiting for it.
func (c *Chrome) ElementExists(ctx context.Context, selector string) (bool, error) {
	var found bool
	script := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
	if err := c.Evaluate(ctx, script, &found); err != nil {
		return false, err
	}
	return found, nil
}

// ElementText returns the trimmed innerText of the first match, or "" when
// the selector resolves nothing.
func (c *Chrome) ElementText(ctx context.Context, selector string) (string, error) {
	var text string
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? el.innerText.trim() : ''; })()`,
		selector)
	if err := c.Evaluate(ctx, script, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Screenshot captures the viewport to path. Failures are returned but the
// callers treat them as best effort.
func (c *Chrome) Screenshot(ctx context.Context, path string) error {
	runCtx, cancel := c.mergeCtx(ctx)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return errors.NewSurfaceError("screenshot capture failed", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.NewSurfaceError("screenshot write failed", err)
	}
	return nil
}

// WaitForNavigation blocks until the location leaves fromURL, returning the
// new location. Timing out is a NavigationError.
func (c *Chrome) WaitForNavigation(ctx context.Context, fromURL string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		current, err := c.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if current != fromURL {
			return current, nil
		}
		if time.Now().After(deadline) {
			return "", errors.NewNavigationError(fromURL, "navigation wait timed out", nil)
		}
		select {
		case <-ctx.Done():
			return "", errors.NewNavigationError(fromURL, "navigation wait canceled", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// bound layers a timeout over the session context while still honoring the
// caller's cancellation.
func (c *Chrome) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	merged, cancelMerge := c.mergeCtx(ctx)
	if timeout <= 0 {
		return merged, cancelMerge
	}
	timed, cancelTimed := context.WithTimeout(merged, timeout)
	return timed, func() {
		cancelTimed()
		cancelMerge()
	}
}

// mergeCtx derives a context from the session context that is additionally
// canceled when the caller's context is. chromedp actions must run on the
// session context or they would target a fresh browser. The returned cancel
// must be called to release the watcher.
func (c *Chrome) mergeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(c.ctx)
	if ctx == nil || ctx == context.Background() {
		return merged, cancel
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}

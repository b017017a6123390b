// Package auth resolves an unauthenticated browser session to an
// authenticated one by walking an ordered list of login strategies.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/config"
	"github.com/kareemsasa3/silkworm/internal/errors"
	"github.com/kareemsasa3/silkworm/internal/poll"
	"github.com/kareemsasa3/silkworm/internal/session"
)

// State is the controller's position in the login state machine.
type State string

const (
	StateUnknown       State = "unknown"
	StateChecking      State = "checking"
	StatePassword      State = "password_attempt"
	StateQR            State = "qr_attempt"
	StateManual        State = "manual_wait"
	StateAuthenticated State = "authenticated"
	StateExhausted     State = "exhausted"
)

const (
	homeURL  = "https://www.taobao.com/"
	loginURL = "https://login.taobao.com/member/login.jhtml"
)

// wallTokens flag a URL as still being on the login/verification surface.
var wallTokens = []string{
	"login.taobao.com",
	"login.tmall.com",
	"/member/login",
	"verify",
	"punish",
	"captcha",
}

// Selector candidate lists, tried in order; first resolving wins.
var (
	passwordToggleSelectors = []string{
		".password-login-tab-item",
		".login-tabs .password-login",
		"#J_Quick2Static",
	}
	usernameSelectors = []string{
		"#fm-login-id",
		"input[name='fm-login-id']",
		"#TPL_username_1",
	}
	passwordSelectors = []string{
		"#fm-login-password",
		"input[name='fm-login-password']",
		"#TPL_password_1",
	}
	submitSelectors = []string{
		".fm-button",
		"button[type='submit']",
		"#J_SubmitStatic",
	}
	verifyMarkers = []string{
		"#nc_1_wrapper",
		".nc-container",
		"#nocaptcha",
		"[id*='nocaptcha']",
	}
	loginErrorSelectors = []string{
		".login-error-msg",
		"#J_Message",
		".error-msg",
	}
	qrToggleSelectors = []string{
		".icon-qrcode",
		".login-switch-qrcode",
		"#J_Static2Quick",
	}
	qrImageSelectors = []string{
		".qrcode-img img",
		"#J_QRCodeImg img",
		".qrcode canvas",
	}
	qrExpiredSelectors = []string{
		".qrcode-expired",
		"[class*='qrcode'] [class*='expired']",
	}
)

// IsWallURL reports whether url points at the login/verification surface.
func IsWallURL(url string) bool {
	lower := strings.ToLower(url)
	for _, token := range wallTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// Logger is the logging subset the controller needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// Recorder is the metrics subset the controller feeds.
type Recorder interface {
	RecordAuthAttempt(strategy, outcome string)
}

// Controller owns the Session and drives the login state machine.
type Controller struct {
	surface browser.Surface
	store   *session.Store
	cfg     *config.Config
	logger  Logger
	rec     Recorder
	state   State
	sess    *session.Session

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewController builds a controller around one browser session. rec may be
// nil.
func NewController(surface browser.Surface, store *session.Store, cfg *config.Config, log Logger, rec Recorder) *Controller {
	return &Controller{
		surface: surface,
		store:   store,
		cfg:     cfg,
		logger:  log,
		rec:     rec,
		state:   StateUnknown,
		sess:    &session.Session{},
		sleep:   time.Sleep,
	}
}

// Session returns the controller-owned session. Callers treat it as
// read-only.
func (c *Controller) Session() *session.Session {
	return c.sess
}

// State returns the machine's current state.
func (c *Controller) State() State {
	return c.state
}

// Ensure resolves the session to an authenticated one, or to degraded mode
// with an AuthExhausted error after the attempt ceiling. The returned
// session is usable either way.
func (c *Controller) Ensure(ctx context.Context) (*session.Session, error) {
	c.state = StateChecking

	// Preload the saved bundle before first navigation; even an expired
	// bundle personalizes the feed.
	if len(c.sess.Cookies) == 0 {
		cookies, err := c.store.Load()
		if err != nil {
			c.logger.Warn("cookie load failed: %v", err)
		} else if len(cookies) > 0 {
			c.sess.Cookies = cookies
			if err := c.surface.SetCookies(ctx, cookies); err != nil {
				c.logger.Warn("cookie install failed: %v", err)
			}
		}
	}

	if _, err := c.surface.Navigate(ctx, homeURL, browser.WaitNetworkSettled, c.cfg.NavigationTimeout); err != nil {
		return c.sess, err
	}
	authed, err := c.store.CheckAuthenticated(ctx, c.surface)
	if err != nil {
		c.logger.Warn("identity check failed: %v", err)
	}
	if authed {
		return c.succeed(ctx)
	}

	// Bounded retry over the configured strategy order. An explicit loop,
	// not recursion: the ceiling is a first-class parameter.
	for attempt := 1; attempt <= c.cfg.MaxLoginAttempts; attempt++ {
		c.logger.Info("Login attempt %d/%d", attempt, c.cfg.MaxLoginAttempts)
		for _, strategy := range c.cfg.AuthStrategies {
			ok := c.runStrategy(ctx, strategy)
			if ok {
				return c.succeed(ctx)
			}
			if ctx.Err() != nil {
				return c.sess, errors.NewSurfaceError("login aborted", ctx.Err())
			}
		}
		if attempt < c.cfg.MaxLoginAttempts {
			c.sleep(c.cfg.LoginRetryDelay)
		}
	}

	c.state = StateExhausted
	c.sess.Authenticated = false
	return c.sess, errors.NewAuthExhausted(loginURL, c.cfg.MaxLoginAttempts)
}

// runStrategy executes one strategy and reports success. Failures are
// returned as false, never as panics or errors; the caller owns retries.
func (c *Controller) runStrategy(ctx context.Context, strategy config.AuthStrategy) bool {
	var ok bool
	switch strategy {
	case config.StrategyPassword:
		ok = c.passwordAttempt(ctx)
	case config.StrategyQR:
		ok = c.qrAttempt(ctx)
	case config.StrategyManual:
		ok = c.manualWait(ctx)
	default:
		c.logger.Warn("unknown auth strategy %q", strategy)
	}
	if c.rec != nil {
		outcome := "failure"
		if ok {
			outcome = "success"
		}
		c.rec.RecordAuthAttempt(string(strategy), outcome)
	}
	return ok
}

// succeed marks the session authenticated and persists the cookie bundle.
func (c *Controller) succeed(ctx context.Context) (*session.Session, error) {
	c.state = StateAuthenticated
	c.sess.Authenticated = true

	cookies, err := c.surface.Cookies(ctx)
	if err != nil {
		c.logger.Warn("could not read cookies after login: %v", err)
		return c.sess, nil
	}
	c.sess.Cookies = cookies
	if err := c.store.Save(cookies); err != nil {
		c.logger.Warn("could not persist cookies: %v", err)
	}
	c.logger.Info("Session authenticated")
	return c.sess, nil
}

// passwordAttempt submits the credential form. It fails closed when the
// password form, or any required field, is not detectable.
func (c *Controller) passwordAttempt(ctx context.Context) bool {
	c.state = StatePassword
	if c.cfg.Username == "" || c.cfg.Password == "" {
		c.logger.Debug("no credentials configured, skipping password login")
		return false
	}

	if _, err := c.surface.Navigate(ctx, loginURL, browser.WaitNetworkSettled, c.cfg.NavigationTimeout); err != nil {
		c.logger.Warn("login page navigation failed: %v", err)
		return false
	}

	if toggle := c.firstPresent(ctx, passwordToggleSelectors); toggle != "" {
		if err := c.surface.Click(ctx, toggle, c.cfg.NavigationTimeout); err != nil {
			c.logger.Debug("password toggle click failed: %v", err)
		}
	}

	userField := c.firstPresent(ctx, usernameSelectors)
	passField := c.firstPresent(ctx, passwordSelectors)
	if userField == "" || passField == "" {
		c.logger.Warn("password form not detectable")
		return false
	}

	if err := c.surface.SendKeys(ctx, userField, c.cfg.Username, c.cfg.NavigationTimeout); err != nil {
		c.logger.Warn("username entry failed: %v", err)
		return false
	}
	if err := c.surface.SendKeys(ctx, passField, c.cfg.Password, c.cfg.NavigationTimeout); err != nil {
		c.logger.Warn("password entry failed: %v", err)
		return false
	}

	submit := c.firstPresent(ctx, submitSelectors)
	if submit == "" {
		c.logger.Warn("submit control not detectable")
		return false
	}
	if err := c.surface.Click(ctx, submit, c.cfg.NavigationTimeout); err != nil {
		c.logger.Warn("submit click failed: %v", err)
		return false
	}

	c.sleep(c.cfg.LoginSettleDelay)

	// A slider or SMS verification challenge degrades to manual recovery.
	if c.firstPresent(ctx, verifyMarkers) != "" {
		c.logger.Warn("verification challenge after submit, waiting for manual resolution")
		return c.manualWait(ctx)
	}

	current, err := c.surface.CurrentURL(ctx)
	if err != nil {
		c.logger.Warn("could not read post-submit URL: %v", err)
		return false
	}
	if IsWallURL(current) {
		// Diagnostics only; the URL decides the outcome.
		if sel := c.firstPresent(ctx, loginErrorSelectors); sel != "" {
			if msg, err := c.surface.ElementText(ctx, sel); err == nil && msg != "" {
				c.logger.Warn("login rejected: %s", msg)
			}
		}
		return false
	}
	return true
}

// qrAttempt switches to the QR code panel and waits for an out-of-band scan.
func (c *Controller) qrAttempt(ctx context.Context) bool {
	c.state = StateQR

	if _, err := c.surface.Navigate(ctx, loginURL, browser.WaitNetworkSettled, c.cfg.NavigationTimeout); err != nil {
		c.logger.Warn("login page navigation failed: %v", err)
		return false
	}

	if toggle := c.firstPresent(ctx, qrToggleSelectors); toggle != "" {
		if err := c.surface.Click(ctx, toggle, c.cfg.NavigationTimeout); err != nil {
			c.logger.Debug("qr toggle click failed: %v", err)
		}
		c.sleep(time.Second)
	}
	if c.firstPresent(ctx, qrImageSelectors) == "" {
		c.logger.Warn("QR code not rendered")
		return false
	}

	c.logger.Info("Waiting for QR scan (%v)...", c.cfg.QRWaitTimeout)
	return c.waitForWallExit(ctx, c.cfg.QRWaitTimeout, qrExpiredSelectors)
}

// manualWait leaves the wall on screen and waits for a human to clear it.
func (c *Controller) manualWait(ctx context.Context) bool {
	c.state = StateManual
	c.logger.Info("Manual login required; waiting up to %v", c.cfg.ManualWaitTimeout)
	return c.waitForWallExit(ctx, c.cfg.ManualWaitTimeout, nil)
}

// waitForWallExit polls until the URL leaves the login surface, an abort
// marker appears, or the timeout elapses.
func (c *Controller) waitForWallExit(ctx context.Context, timeout time.Duration, abortMarkers []string) bool {
	ok, err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		if sel := c.firstPresent(ctx, abortMarkers); sel != "" {
			return false, errors.NewNavigationError(loginURL, "login wall expired", nil)
		}
		current, err := c.surface.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return !IsWallURL(current), nil
	}, 2*time.Second, timeout)
	if err != nil {
		c.logger.Warn("login wait aborted: %v", err)
		return false
	}
	return ok
}

// firstPresent returns the first selector in candidates that resolves on the
// current page, or "".
func (c *Controller) firstPresent(ctx context.Context, candidates []string) string {
	for _, sel := range candidates {
		found, err := c.surface.ElementExists(ctx, sel)
		if err != nil {
			c.logger.Debug("selector probe %s failed: %v", sel, err)
			continue
		}
		if found {
			return sel
		}
	}
	return ""
}

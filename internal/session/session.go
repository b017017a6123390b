// Package session persists the opaque cookie bundle and answers whether the
// current browser session is authenticated.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kareemsasa3/silkworm/internal/browser"
	"github.com/kareemsasa3/silkworm/internal/types"
)

// Session is the cross-cutting mutable auth state. It is owned by the
// authentication controller and read by the navigation controller to decide
// whether a redirect means a lost session.
type Session struct {
	Cookies       []types.Cookie
	Authenticated bool
}

// identityMarkers are checked in priority order against the rendered page;
// the first one present wins. They cover the desktop nav and the member bar.
var identityMarkers = []string{
	".site-nav-login-info-nick",
	".site-nav-user .site-nav-login-info-nick",
	"#J_SiteNavMytaobao .site-nav-menu-hd",
	".member-nick-info",
	"[class*='userNick']",
}

// Logger is the logging subset the store needs.
type Logger interface {
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Store loads and saves the cookie bundle.
type Store struct {
	path   string
	logger Logger
}

// NewStore creates a store backed by a JSON cookie file.
func NewStore(path string, log Logger) *Store {
	return &Store{path: path, logger: log}
}

// Load reads the cookie bundle. A missing file is not an error; it returns
// an empty bundle.
func (s *Store) Load() ([]types.Cookie, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Debug("no cookie file at %s", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	var cookies []types.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("parse cookie file: %w", err)
	}
	s.logger.Info("Loaded %d cookies from %s", len(cookies), s.path)
	return cookies, nil
}

// Save overwrites the cookie file atomically so an interrupted write never
// corrupts a usable bundle.
func (s *Store) Save(cookies []types.Cookie) error {
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}

	tmp := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cookie directory: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	s.logger.Info("Saved %d cookies to %s", len(cookies), s.path)
	return nil
}

// CheckAuthenticated inspects the rendered page for an identity marker. It
// assumes the surface is already on the home/login page.
func (s *Store) CheckAuthenticated(ctx context.Context, surface browser.Surface) (bool, error) {
	for _, marker := range identityMarkers {
		found, err := surface.ElementExists(ctx, marker)
		if err != nil {
			return false, err
		}
		if found {
			// An empty nick element renders for logged-out visitors too.
			text, err := surface.ElementText(ctx, marker)
			if err != nil {
				return false, err
			}
			if text != "" {
				s.logger.Debug("identity marker %s matched (%q)", marker, text)
				return true, nil
			}
		}
	}
	return false, nil
}

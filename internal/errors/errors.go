package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies harvest failures by the unit they are scoped to.
type ErrorType string

const (
	// TypeNavigation covers timeouts and network failures reaching a URL.
	// Retryable at the caller's discretion, never fatal to the harvest.
	TypeNavigation ErrorType = "navigation"
	// TypeAuthExhausted means every login strategy failed maxLoginAttempts
	// times. The harvest continues in degraded, unauthenticated mode.
	TypeAuthExhausted ErrorType = "auth_exhausted"
	// TypeDetailEnrichment is a per-record detail fetch failure. The record
	// is kept unenriched after the retry ceiling.
	TypeDetailEnrichment ErrorType = "detail_enrichment"
	// TypeSurface means the browser session or process itself died. This is
	// the only error allowed to abort the whole run.
	TypeSurface ErrorType = "surface"
)

// HarvestError carries the failing URL and a classification so callers can
// decide between retrying, degrading, and aborting.
type HarvestError struct {
	Type    ErrorType
	URL     string
	Message string
	Err     error
}

func (e *HarvestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Type, e.Message, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.URL)
}

func (e *HarvestError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is worth another attempt at the
// same unit of work.
func (e *HarvestError) IsRetryable() bool {
	switch e.Type {
	case TypeNavigation, TypeDetailEnrichment:
		return true
	default:
		return false
	}
}

// NewNavigationError wraps a failed navigation.
func NewNavigationError(url, message string, err error) *HarvestError {
	return &HarvestError{Type: TypeNavigation, URL: url, Message: message, Err: err}
}

// NewAuthExhausted records that every authentication strategy was exhausted.
func NewAuthExhausted(url string, attempts int) *HarvestError {
	return &HarvestError{
		Type:    TypeAuthExhausted,
		URL:     url,
		Message: fmt.Sprintf("all login strategies failed after %d attempts", attempts),
	}
}

// NewDetailError wraps a failed detail-page enrichment for one record.
func NewDetailError(url, message string, err error) *HarvestError {
	return &HarvestError{Type: TypeDetailEnrichment, URL: url, Message: message, Err: err}
}

// NewSurfaceError wraps an unrecoverable automation-surface failure.
func NewSurfaceError(message string, err error) *HarvestError {
	return &HarvestError{Type: TypeSurface, Message: message, Err: err}
}

// IsType reports whether err is a HarvestError of the given type.
func IsType(err error, t ErrorType) bool {
	var he *HarvestError
	if errors.As(err, &he) {
		return he.Type == t
	}
	return false
}

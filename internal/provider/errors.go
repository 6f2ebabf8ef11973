package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrNotEnabled reports that no delivery channel is enabled for a site.
// Callers treat it as a no-op, not a failure.
var ErrNotEnabled = errors.New("delivery channel is not enabled")

// ConfigError reports missing or invalid provider credentials for a site.
// Raised before any network activity and never retried.
type ConfigError struct {
	Provider Kind
	SiteCode string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s configuration invalid for site %q: %s", e.Provider, e.SiteCode, e.Reason)
}

// Error classifies a provider call failure as transient or permanent.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Errors     []string
	Transient  bool
	RetryAfter time.Time // rate-limit reset hint, informational only
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if code := strings.TrimSpace(e.Code); code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if len(e.Errors) > 0 {
		parts = append(parts, strings.Join(e.Errors, "; "))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a failed call should be retried. Timeouts are
// retryable; cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

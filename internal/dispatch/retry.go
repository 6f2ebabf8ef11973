package dispatch

import (
	"time"

	"github.com/openedx/ecommerce-worker/internal/config"
	"github.com/openedx/ecommerce-worker/internal/provider"
)

// maxFulfillmentBackoff caps the exponential curve; with the default attempt
// ceiling the curve tops out below it anyway.
const maxFulfillmentBackoff = 2 * time.Hour

// FixedBackoff is the notification retry policy: every attempt waits the
// same site-configured countdown.
func FixedBackoff(seconds int) time.Duration {
	if seconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// ExponentialBackoff is the fulfillment retry policy: 2^attempt seconds.
// The two policies are intentionally separate; notification sends are cheap
// to retry soon, fulfillment hits the order system harder.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 12 {
		return maxFulfillmentBackoff
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxFulfillmentBackoff {
		return maxFulfillmentBackoff
	}
	return delay
}

// retryPolicy resolves the fixed countdown and attempt ceiling for the
// delivery channel handling a send.
func retryPolicy(site config.Site, kind provider.Kind) (time.Duration, int) {
	switch kind {
	case provider.KindSailthru:
		return FixedBackoff(site.Sailthru.RetrySeconds), site.Sailthru.RetryAttempts
	default:
		return FixedBackoff(site.Braze.RetrySeconds), site.Braze.RetryAttempts
	}
}

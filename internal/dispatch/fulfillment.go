package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/ecommerce"
)

const defaultMaxFulfillmentRetries = 11

// FulfillOrderRequest asks the order system to fulfill an order.
type FulfillOrderRequest struct {
	OrderNumber string `json:"order_number"`
	EmailOptIn  bool   `json:"email_opt_in"`
	SiteCode    string `json:"site_code"`
}

// FulfillOrder drives order fulfillment through the order API. An
// already-fulfilled order is a successful terminal state. Every other
// failure retries with an exponential backoff keyed on the attempt number,
// since the order system reports transient and permanent trouble alike
// through errors that resolve once upstream state settles.
func (d *Dispatcher) FulfillOrder(ctx context.Context, req FulfillOrderRequest, attempt int) Result {
	logger := d.logger.With(
		zap.String("site_code", req.SiteCode),
		zap.String("order_number", req.OrderNumber),
		zap.Int("attempt", attempt))

	orders, err := d.orders(req.SiteCode)
	if err != nil {
		logger.Error(logPrefixFulfillment+" cannot build order api client", zap.Error(err))
		return Failed(err)
	}

	err = orders.FulfillOrder(ctx, req.OrderNumber, req.EmailOptIn)
	switch {
	case err == nil:
		logger.Info(logPrefixFulfillment + " order fulfilled")
		return Sent("")
	case errors.Is(err, ecommerce.ErrAlreadyFulfilled):
		logger.Info(logPrefixFulfillment + " order already fulfilled, nothing to do")
		return Ignored()
	default:
		delay := ExponentialBackoff(attempt)
		logger.Warn(logPrefixFulfillment+" fulfillment failed, requesting retry",
			zap.Duration("delay", delay), zap.Error(err))
		return RetryAfter(delay, d.maxFulfillmentRetries(req.SiteCode), err)
	}
}

func (d *Dispatcher) maxFulfillmentRetries(siteCode string) int {
	if n := d.sites.Site(siteCode).MaxFulfillmentRetries; n > 0 {
		return n
	}
	return defaultMaxFulfillmentRetries
}

package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/openedx/ecommerce-worker/internal/ecommerce"
)

const defaultMaxNotificationRetries = 11

// PaymentNotification relays a payment processor callback to the order
// system for processing.
type PaymentNotification struct {
	ProcessorName string         `json:"processor_name"`
	Notification  map[string]any `json:"notification_data"`
	SiteCode      string         `json:"site_code"`
}

// ProcessPaymentNotification hands the notification to the order API. An
// already-processed notification is a successful terminal state. Every
// other failure retries with an exponential backoff keyed on the attempt
// number, the same shape as order fulfillment.
func (d *Dispatcher) ProcessPaymentNotification(ctx context.Context, req PaymentNotification, attempt int) Result {
	logger := d.logger.With(
		zap.String("site_code", req.SiteCode),
		zap.String("payment_processor", req.ProcessorName),
		zap.Int("attempt", attempt))

	orders, err := d.orders(req.SiteCode)
	if err != nil {
		logger.Error(logPrefixPayment+" cannot build order api client", zap.Error(err))
		return Failed(err)
	}

	err = orders.ProcessPaymentNotification(ctx, req.ProcessorName, req.Notification)
	switch {
	case err == nil:
		logger.Info(logPrefixPayment + " notification processed")
		return Sent("")
	case errors.Is(err, ecommerce.ErrNotificationProcessed):
		logger.Info(logPrefixPayment + " notification already processed, nothing to do")
		return Ignored()
	default:
		delay := ExponentialBackoff(attempt)
		logger.Warn(logPrefixPayment+" notification processing failed, requesting retry",
			zap.Duration("delay", delay), zap.Error(err))
		return RetryAfter(delay, d.maxNotificationRetries(req.SiteCode), err)
	}
}

func (d *Dispatcher) maxNotificationRetries(siteCode string) int {
	if n := d.sites.Site(siteCode).MaxNotificationRetries; n > 0 {
		return n
	}
	return defaultMaxNotificationRetries
}

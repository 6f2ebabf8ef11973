package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openedx/ecommerce-worker/internal/dispatch"
)

// RegisterDispatchHandlers binds every dispatch entry point to its task
// kind on the worker.
func RegisterDispatchHandlers(w *Worker, d *dispatch.Dispatcher) {
	w.Register(KindOfferAssignmentEmail, decode(d.SendOfferAssignmentEmail))
	w.Register(KindOfferUpdateEmail, decode(d.SendOfferUpdateEmail))
	w.Register(KindOfferUsageEmail, decode(d.SendOfferUsageEmail))
	w.Register(KindCodeAssignmentNudgeEmail, decode(d.SendCodeAssignmentNudgeEmail))
	w.Register(KindCourseRefundEmail, decode(d.SendCourseRefundEmail))
	w.Register(KindCourseEnrollment, decode(d.UpdateCourseEnrollment))
	w.Register(KindFulfillOrder, func(ctx context.Context, task Task) dispatch.Result {
		var req dispatch.FulfillOrderRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return dispatch.Failed(fmt.Errorf("failed to decode %s payload: %w", task.Kind, err))
		}
		return d.FulfillOrder(ctx, req, task.Attempt)
	})
	w.Register(KindPaymentNotification, func(ctx context.Context, task Task) dispatch.Result {
		var req dispatch.PaymentNotification
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return dispatch.Failed(fmt.Errorf("failed to decode %s payload: %w", task.Kind, err))
		}
		return d.ProcessPaymentNotification(ctx, req, task.Attempt)
	})
}

// decode adapts a typed dispatch entry point to a task handler. Payloads
// that do not decode are terminal; redelivering them cannot help.
func decode[T any](fn func(context.Context, T) dispatch.Result) HandlerFunc {
	return func(ctx context.Context, task Task) dispatch.Result {
		var req T
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return dispatch.Failed(fmt.Errorf("failed to decode %s payload: %w", task.Kind, err))
		}
		return fn(ctx, req)
	}
}

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openedx/ecommerce-worker/internal/ecommerce"
)

func TestFulfillOrderSuccess(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := fx.dispatcher.FulfillOrder(context.Background(), FulfillOrderRequest{
		OrderNumber: "EDX-100042",
		SiteCode:    "edx",
	}, 0)

	if result.Status != StatusSent {
		t.Fatalf("expected sent, got %s (%v)", result.Status, result.Err)
	}
	if fx.orders.fulfillCalls != 1 {
		t.Fatalf("expected one fulfillment call, got %d", fx.orders.fulfillCalls)
	}
}

func TestFulfillOrderAlreadyComplete(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.orders.fulfillErr = ecommerce.ErrAlreadyFulfilled

	result := fx.dispatcher.FulfillOrder(context.Background(), FulfillOrderRequest{
		OrderNumber: "EDX-100042",
		SiteCode:    "edx",
	}, 2)

	if result.Status != StatusIgnored {
		t.Fatalf("expected ignored, got %s", result.Status)
	}
}

func TestFulfillOrderRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.orders.fulfillErr = errors.New("order api timeout")

	for attempt, want := range map[int]time.Duration{
		0: time.Second,
		3: 8 * time.Second,
		6: 64 * time.Second,
	} {
		result := fx.dispatcher.FulfillOrder(context.Background(), FulfillOrderRequest{
			OrderNumber: "EDX-100042",
			SiteCode:    "edx",
		}, attempt)

		if result.Status != StatusRetry {
			t.Fatalf("attempt %d: expected retry, got %s", attempt, result.Status)
		}
		if result.Retry.Delay != want {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt, want, result.Retry.Delay)
		}
		if result.Retry.MaxAttempts != defaultMaxFulfillmentRetries {
			t.Fatalf("attempt %d: unexpected attempt ceiling %d", attempt, result.Retry.MaxAttempts)
		}
	}
}

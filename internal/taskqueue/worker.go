package taskqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openedx/ecommerce-worker/internal/dispatch"
	"github.com/openedx/ecommerce-worker/internal/observability"
	"github.com/openedx/ecommerce-worker/internal/ratelimit"
)

// HandlerFunc runs one dispatch invocation for a task and reports the typed
// outcome. The worker owns turning a retry outcome into a delayed
// republish.
type HandlerFunc func(ctx context.Context, task Task) dispatch.Result

// Worker drains the work queue with a bounded pool of consume loops. Each
// task is rate limited, handled, and then acked; retry outcomes go back
// through the delay queue with an incremented attempt, or to the
// dead-letter queue once the attempt ceiling is hit.
type Worker struct {
	consumer    Consumer
	publisher   Publisher
	limiter     ratelimit.RateLimiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	concurrency int

	handlers map[Kind]HandlerFunc
}

func NewWorker(
	consumer Consumer,
	publisher Publisher,
	limiter ratelimit.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
	concurrency int,
) (*Worker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("a consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("a publisher is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		consumer:    consumer,
		publisher:   publisher,
		limiter:     limiter,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		handlers:    make(map[Kind]HandlerFunc),
	}, nil
}

// Register binds a handler to a task kind. Not safe to call after Run.
func (w *Worker) Register(kind Kind, handler HandlerFunc) {
	if handler == nil {
		return
	}
	w.handlers[kind] = handler
}

// Run blocks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no task handlers are registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.consumer.Consume(ctx, WorkQueue, w.handle)
		})
	}
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, task Task) error {
	ctx = observability.WithTaskID(ctx, task.ID)
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("kind", task.Kind.String()),
		zap.String("site_code", task.SiteCode),
		zap.Int("attempt", task.Attempt))

	handler, ok := w.handlers[task.Kind]
	if !ok {
		logger.Error("no handler registered for task kind, dead-lettering")
		w.metrics.IncTaskDead(task.Kind.String())
		return w.publisher.EnqueueDead(ctx, task, "no handler registered")
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, task.Kind.String()); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	w.metrics.IncWorkerInFlight(task.Kind.String())
	start := time.Now()
	result := handler(ctx, task)
	w.metrics.ObserveTaskDuration(task.Kind.String(), time.Since(start))
	w.metrics.DecWorkerInFlight(task.Kind.String())

	w.metrics.IncTaskProcessed(task.Kind.String(), string(result.Status))

	switch result.Status {
	case dispatch.StatusSent, dispatch.StatusSkipped, dispatch.StatusIgnored:
		return nil
	case dispatch.StatusFailed:
		// Terminal failures were already logged with context by the
		// dispatcher; they must not crash or requeue.
		w.metrics.IncTaskFailed(task.Kind.String(), "terminal")
		return nil
	case dispatch.StatusRetry:
		return w.scheduleRetry(ctx, task, result, logger)
	default:
		logger.Error("unknown dispatch status", zap.String("status", string(result.Status)))
		return nil
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, task Task, result dispatch.Result, logger *zap.Logger) error {
	next := task
	next.Attempt++

	if result.Retry.MaxAttempts > 0 && next.Attempt > result.Retry.MaxAttempts {
		logger.Error("retry attempts exhausted, giving up",
			zap.Int("max_attempts", result.Retry.MaxAttempts),
			zap.Error(result.Err))
		w.metrics.IncTaskFailed(task.Kind.String(), "exhausted")
		w.metrics.IncTaskDead(task.Kind.String())

		reason := "retry attempts exhausted"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		return w.publisher.EnqueueDead(ctx, task, reason)
	}

	logger.Info("scheduling retry",
		zap.Duration("delay", result.Retry.Delay),
		zap.Int("next_attempt", next.Attempt))
	w.metrics.IncRetryScheduled(task.Kind.String())

	return w.publisher.EnqueueAfter(ctx, next, result.Retry.Delay)
}

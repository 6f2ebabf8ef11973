package dispatch

import "time"

// Status is the terminal classification of one dispatch attempt.
type Status string

const (
	// StatusSent means the notification was delivered to the provider.
	StatusSent Status = "sent"
	// StatusSkipped means no delivery channel is enabled for the site.
	StatusSkipped Status = "skipped"
	// StatusIgnored means the underlying business action was already
	// complete, so there is nothing left to do.
	StatusIgnored Status = "ignored"
	// StatusFailed means the attempt hit a terminal error.
	StatusFailed Status = "failed"
	// StatusRetry means the attempt hit a transient error and should be
	// re-invoked after Result.Retry.Delay.
	StatusRetry Status = "retry"
)

// RetryRequest asks the task-queue adapter to re-invoke the same logical
// task after Delay, bounded by MaxAttempts total invocations.
type RetryRequest struct {
	Delay       time.Duration
	MaxAttempts int
}

// Result is the typed outcome of a dispatch entry point. The retry decision
// stays a plain value so it can be tested without a live queue.
type Result struct {
	Status     Status
	DispatchID string
	Retry      RetryRequest
	Err        error
}

func Sent(dispatchID string) Result {
	return Result{Status: StatusSent, DispatchID: dispatchID}
}

func Skipped() Result {
	return Result{Status: StatusSkipped}
}

func Ignored() Result {
	return Result{Status: StatusIgnored}
}

func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

func RetryAfter(delay time.Duration, maxAttempts int, err error) Result {
	return Result{
		Status: StatusRetry,
		Retry:  RetryRequest{Delay: delay, MaxAttempts: maxAttempts},
		Err:    err,
	}
}

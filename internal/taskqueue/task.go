package taskqueue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind names a dispatch entry point. Task kinds map 1:1 to the dispatcher's
// operations.
type Kind string

const (
	KindOfferAssignmentEmail     Kind = "offer_assignment_email"
	KindOfferUpdateEmail         Kind = "offer_update_email"
	KindOfferUsageEmail          Kind = "offer_usage_email"
	KindCodeAssignmentNudgeEmail Kind = "code_assignment_nudge_email"
	KindCourseRefundEmail        Kind = "course_refund_email"
	KindCourseEnrollment         Kind = "course_enrollment"
	KindFulfillOrder             Kind = "fulfill_order"
	KindPaymentNotification      Kind = "payment_notification"
)

func (k Kind) String() string { return string(k) }

func (k Kind) IsValid() bool {
	switch k {
	case KindOfferAssignmentEmail, KindOfferUpdateEmail, KindOfferUsageEmail,
		KindCodeAssignmentNudgeEmail, KindCourseRefundEmail,
		KindCourseEnrollment, KindFulfillOrder, KindPaymentNotification:
		return true
	}
	return false
}

// Task is the broker payload for one logical dispatch invocation. Attempt
// counts prior invocations; a first delivery carries 0 and every scheduled
// retry republishes the same payload with Attempt incremented.
type Task struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	SiteCode string          `json:"site_code,omitempty"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload"`
}

// NewTask builds a first-attempt task with a fresh id and a marshaled
// payload.
func NewTask(kind Kind, siteCode string, payload any) (Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		SiteCode: siteCode,
		Payload:  body,
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Kind.IsValid() {
		return fmt.Errorf("invalid task kind %q", t.Kind)
	}
	if t.Attempt < 0 {
		return fmt.Errorf("attempt cannot be negative")
	}
	if len(t.Payload) == 0 {
		return fmt.Errorf("task payload is required")
	}
	return nil
}

const (
	// WorkQueue holds tasks ready for immediate processing. Rejected
	// deliveries dead-letter into DeadQueue.
	WorkQueue = "dispatch.tasks"
	// delayQueuePrefix names the per-delay parking queues. Each delay gets
	// its own queue carrying the delay in its name; expired messages
	// dead-letter back into the work queue.
	delayQueuePrefix = "dispatch.tasks.delayed"
	// DeadQueue collects exhausted and poison tasks for operator review.
	DeadQueue = "dispatch.tasks.dead"
)

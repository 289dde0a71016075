package booking

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// RetryPolicy configures how many attempts a session gets and how long to
// wait between them.
type RetryPolicy struct {
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied around each delay, in [0, 1).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Factor:      2,
		MinDelay:    time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.5,
	}
}

// Validate rejects policies that cannot produce a bounded schedule.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	case p.Factor < 1:
		return fmt.Errorf("factor must be at least 1, got %v", p.Factor)
	case p.MinDelay < 0 || p.MaxDelay < p.MinDelay:
		return fmt.Errorf("delay bounds [%s, %s] are invalid", p.MinDelay, p.MaxDelay)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// RetryDecision is the controller's answer for one failure.
type RetryDecision struct {
	Retry bool
	After time.Duration
	// Reason explains a give-up decision.
	Reason string
}

// RetryController decides whether a failed attempt gets another one.
type RetryController struct {
	policy RetryPolicy
}

// NewRetryController creates a controller for the given policy.
func NewRetryController(policy RetryPolicy) *RetryController {
	return &RetryController{policy: policy}
}

// Policy returns the controller's policy.
func (c *RetryController) Policy() RetryPolicy { return c.policy }

// ShouldRetry authorizes another attempt only for recoverable failures of a
// session that has attempts left.
func (c *RetryController) ShouldRetry(session *booking.Session, failure booking.FailureDetail) RetryDecision {
	if failure.Kind != booking.FailureKindRecoverable {
		return RetryDecision{Reason: fmt.Sprintf("%s failures are not retried", failure.Kind)}
	}
	if session.Attempt() >= c.policy.MaxAttempts {
		return RetryDecision{Reason: fmt.Sprintf("attempt %d of %d used", session.Attempt(), c.policy.MaxAttempts)}
	}
	return RetryDecision{Retry: true, After: c.Delay(session.Attempt())}
}

// Delay returns the wait before the attempt following the given one. The
// n-th delay is centred on BaseDelay*Factor^(n-1), randomized by Jitter and
// clamped to [MinDelay, MaxDelay].
func (c *RetryController) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.Multiplier = c.policy.Factor
	b.RandomizationFactor = c.policy.Jitter
	b.MaxInterval = c.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}

	return clamp(d, c.policy.MinDelay, c.policy.MaxDelay)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

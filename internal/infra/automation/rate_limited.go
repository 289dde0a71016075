package automation

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// RateLimitedStep throttles calls into the wrapped step so concurrent
// sessions do not overwhelm the external booking site. Limits can be
// adjusted at runtime.
type RateLimitedStep struct {
	next booking.AutomationStep

	mu      sync.RWMutex
	limiter *rate.Limiter
}

var _ booking.AutomationStep = (*RateLimitedStep)(nil)

// NewRateLimitedStep wraps next with a limiter allowing rps steps per second
// and bursts of up to burst.
func NewRateLimitedStep(next booking.AutomationStep, rps float64, burst int) *RateLimitedStep {
	return &RateLimitedStep{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// UpdateLimits changes the rate and burst in place.
func (s *RateLimitedStep) UpdateLimits(rps float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(rps))
	s.limiter.SetBurst(burst)
}

// Perform waits for a token and then delegates. A wait cut short by ctx is
// reported as a recoverable failure; the executor attributes it to the
// cancellation or deadline that caused it.
func (s *RateLimitedStep) Perform(ctx context.Context, req booking.StepRequest) booking.Outcome {
	s.mu.RLock()
	limiter := s.limiter
	s.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return booking.RecoverableFailure(fmt.Sprintf("waiting for rate limiter: %v", err))
	}
	return s.next.Perform(ctx, req)
}

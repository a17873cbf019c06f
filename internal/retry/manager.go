package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sho7650/media-offline/internal/transport"
)

// Strategy is the outcome of a retry decision: either Backoff or None
type Strategy interface {
	strategy()
}

// Backoff means retry after waiting Delay
type Backoff struct {
	Delay time.Duration
}

// None means the operation must not be retried
type None struct{}

func (Backoff) strategy() {}
func (None) strategy()    {}

// ErrorManager decides whether a failed operation should be retried
type ErrorManager struct {
	MaxAttempts int
	Policy      Policy
}

// NewErrorManager creates an ErrorManager
func NewErrorManager(maxAttempts int, policy Policy) *ErrorManager {
	return &ErrorManager{
		MaxAttempts: maxAttempts,
		Policy:      policy,
	}
}

// Decide returns None once attemptCount reaches MaxAttempts, otherwise a
// Backoff with the policy's delay for attemptCount. It never sleeps.
func (m *ErrorManager) Decide(err error, attemptCount int) Strategy {
	if attemptCount >= m.MaxAttempts || m.Policy == nil {
		return None{}
	}
	return Backoff{Delay: m.Policy.Delay(attemptCount)}
}

// Managers holds one ErrorManager per retryable error class
type Managers struct {
	Response *ErrorManager
	Network  *ErrorManager
	Timeout  *ErrorManager
}

// DefaultManagers returns managers built from the preset policies
func DefaultManagers() Managers {
	return Managers{
		Response: NewErrorManager(3, ResponsePolicy),
		Network:  NewErrorManager(5, NetworkPolicy),
		Timeout:  NewErrorManager(5, TimeoutPolicy),
	}
}

// For returns the manager responsible for the given class, or nil when the
// class is not retryable
func (m Managers) For(class transport.ErrorClass) *ErrorManager {
	switch class {
	case transport.ClassResponse:
		return m.Response
	case transport.ClassNetwork:
		return m.Network
	case transport.ClassTimeout:
		return m.Timeout
	default:
		return nil
	}
}

// Decide classifies err and asks the matching manager. Errors that are not
// retryable always yield None.
func (m Managers) Decide(err error, attemptCount int) Strategy {
	class := transport.Classify(err)
	if !transport.IsRetryable(err) {
		return None{}
	}
	manager := m.For(class)
	if manager == nil {
		return None{}
	}
	return manager.Decide(err, attemptCount)
}

// Wait blocks for d or until ctx is done, whichever comes first
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

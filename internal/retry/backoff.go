package retry

import "time"

// Policy maps an attempt count to the delay before the next attempt
type Policy interface {
	Delay(attemptCount int) time.Duration
}

// StandardPolicy is exponential backoff with a ceiling: min(Base*2^attempt, Max)
type StandardPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Preset policies for the three error classes. Network and timeout failures
// recover slower than a retryable response, so they start and cap higher.
var (
	ResponsePolicy = StandardPolicy{Base: 500 * time.Millisecond, Max: 16 * time.Second}
	NetworkPolicy  = StandardPolicy{Base: 1 * time.Second, Max: 32 * time.Second}
	TimeoutPolicy  = StandardPolicy{Base: 2 * time.Second, Max: 64 * time.Second}
)

// Delay returns the backoff for the given attempt. No jitter is applied.
func (p StandardPolicy) Delay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	if p.Base <= 0 {
		return 0
	}

	delay := p.Base
	for i := 0; i < attemptCount; i++ {
		// stop doubling once we reach the ceiling, also guards overflow
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}

	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

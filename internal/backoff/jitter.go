package backoff

import (
	"math/rand/v2"
	"time"
)

// JitterType selects how randomness is applied to a computed interval.
type JitterType int

const (
	// NoJitter leaves the interval unchanged.
	NoJitter JitterType = iota
	// FullJitter picks a random interval in [0, interval].
	FullJitter
	// HalfJitter keeps half the interval and randomizes the rest.
	HalfJitter
)

// WithJitter wraps a policy so that computed intervals are randomized.
// Jitter spreads reconnect storms when many sessions drop at once.
func WithJitter(policy RetryPolicy, jitterType JitterType) RetryPolicy {
	return &jitterPolicy{policy: policy, jitterType: jitterType}
}

type jitterPolicy struct {
	policy     RetryPolicy
	jitterType JitterType
}

// ComputeNextInterval implements RetryPolicy.
func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	if interval <= 0 {
		return interval, nil
	}

	switch p.jitterType {
	case FullJitter:
		return rand.N(interval + 1), nil
	case HalfJitter:
		half := interval / 2
		return half + rand.N(half+1), nil
	default:
		return interval, nil
	}
}

package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// CalculateBackoff returns the delay before the retry that follows attempt:
// InitialInterval doubled (by BackoffCoefficient) per attempt, with ±20%
// jitter, capped at MaximumInterval.
func CalculateBackoff(policy *Policy, attempt int32) time.Duration {
	return CalculateBackoffWithJitter(policy, attempt, 0.2)
}

// CalculateBackoffWithJitter is CalculateBackoff with a configurable jitter
// fraction in [0,1].
func CalculateBackoffWithJitter(policy *Policy, attempt int32, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return policy.InitialInterval
	}

	coefficient := policy.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	backoff := float64(policy.InitialInterval) * math.Pow(coefficient, float64(attempt-1))

	if jitterPercent > 0 {
		jitterRange := backoff * jitterPercent
		backoff += (rand.Float64() * 2 * jitterRange) - jitterRange
	}

	if policy.MaximumInterval > 0 && backoff > float64(policy.MaximumInterval) {
		backoff = float64(policy.MaximumInterval)
	}
	if backoff < 0 {
		backoff = float64(policy.InitialInterval)
	}

	return time.Duration(backoff)
}

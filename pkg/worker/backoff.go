package worker

import "time"

// Backoff returns the delay before retry number attempt (zero-based), doubling
// the base each attempt up to max. The schedule is fully deterministic, no
// jitter, so a retry's next_attempt_at can be predicted from its attempt count.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base >= max {
		return max
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay <= 0 || (max > 0 && delay >= max) {
			// doubled past the cap or overflowed
			return max
		}
	}

	return delay
}

package retry

import (
	"math/rand"
	"time"
)

// MaxBackoff caps the exponential schedule.
const MaxBackoff = 120 * time.Second

// Backoff computes the delay before retry attempt retryCount:
// min(base * 2^retryCount, 120s) plus jitter drawn from [0, base).
func Backoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			delay = MaxBackoff
			break
		}
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}

package dispatch

import "time"

// Delay returns the backoff delay after `failures` consecutive retriable
// failures: min(base * 2^failures, cap).
func Delay(base, cap time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= cap || delay <= 0 {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

package engine

import "time"

// backoffDelay computes the retry delay after the given attempt count:
// min(base * 2^attempts, cap). Successive retries therefore produce
// non-decreasing delays up to the cap.
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

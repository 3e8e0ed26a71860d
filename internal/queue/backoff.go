package queue

import "time"

const (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second
)

// Backoff is the delay before a job that has been leased attempts times
// becomes eligible again: min(1s * 2^attempts, 60s).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^6 seconds already exceeds the cap; avoid shifting into overflow.
	if attempts >= 6 {
		return backoffMax
	}
	d := backoffBase << uint(attempts)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

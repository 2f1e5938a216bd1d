package transport

import "time"

// Reconnect backoff bounds.
const (
	backoffMin = 1 * time.Second
	backoffMax = 30 * time.Second
)

// BackoffDelay returns the reconnect delay for attempt n (1-based):
// 1s doubling per attempt, capped at 30s. Attempt count is unbounded;
// transport failures are never fatal.
func BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return backoffMin
	}
	d := backoffMin << (attempt - 1)
	if d <= 0 || d > backoffMax {
		return backoffMax
	}
	return d
}

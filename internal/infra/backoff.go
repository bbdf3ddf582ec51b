package infra

import "time"

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// CalculateBackoff returns an exponential delay for the given retry
// count, capped at backoffMax. Deterministic so callers can reason
// about worst-case recovery time.
func CalculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

package outbox

import "time"

var backoffSchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// MaxBackoff is the longest delay between two attempts.
const MaxBackoff = time.Hour

// Backoff returns the delay before the next attempt of a row that has failed
// retryCount times. The first failure waits 5s, the schedule then grows to
// 30s, 2m, 10m, 30m and stays at 1h.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > len(backoffSchedule) {
		return MaxBackoff
	}
	return backoffSchedule[retryCount-1]
}

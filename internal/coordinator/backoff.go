package coordinator

import "time"

// backoffDelay spaces outbox redeliveries: 1s, 2s, 4s ... capped at 60s.
func backoffDelay(retries int) time.Duration {
	attempt := retries
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return 60 * time.Second
	}
	sec := 1 << (attempt - 1)
	if sec > 60 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

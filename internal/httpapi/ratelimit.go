package httpapi

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimiterIdleTTL = 10 * time.Minute

// customerLimiter hands out one token bucket per customer.
type customerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCustomerLimiter(perMinute, burst int) *customerLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &customerLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		buckets: map[string]*bucket{},
	}
}

// reserve takes a token for customerID. When none is available it returns
// false with the wait until the next one.
func (l *customerLimiter) reserve(customerID string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > rateLimiterIdleTTL {
			delete(l.buckets, id)
		}
	}
	b, ok := l.buckets[customerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[customerID] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

package gateway

import (
	"sync"
	"time"
)

// Rate limiter rejection reasons.
const (
	ReasonRateLimited    = "rate limit exceeded"
	ReasonTooManyPending = "too many concurrent requests"
)

// ClientRateLimiter is a per-client sliding one-minute window plus a cap on
// turns in flight.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits disable the
// corresponding check.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request, returning a release func, or reports why the
// request was rejected.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrent > 0 && r.inFlight >= r.maxConcurrent {
		return nil, ReasonTooManyPending
	}

	now := r.now()
	r.prune(now)
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return nil, ReasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		})
	}, ""
}

// Stats returns the requests in the current window and the in-flight count.
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.inFlight
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

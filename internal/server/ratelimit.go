package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter enforces a per-client requests-per-minute cap.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerMinute int

	clients map[string]*clientUsage
}

// clientUsage tracks request counts for a single client IP.
type clientUsage struct {
	requestsLastMinute int
	lastRequestTime    time.Time
}

// NewRateLimiter creates a rate limiter with the given per-minute cap.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		clients:           make(map[string]*clientUsage),
	}
}

// Check reports whether a request from the given client is allowed and
// records it if so.
func (rl *RateLimiter) Check(clientID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	usage, exists := rl.clients[clientID]
	if !exists {
		usage = &clientUsage{lastRequestTime: now}
		rl.clients[clientID] = usage
	}

	// Reset the window once a minute of inactivity has passed.
	if now.Sub(usage.lastRequestTime) >= time.Minute {
		usage.requestsLastMinute = 0
	}

	if rl.requestsPerMinute > 0 && usage.requestsLastMinute >= rl.requestsPerMinute {
		return &RateLimitError{
			Limit:      rl.requestsPerMinute,
			RetryAfter: time.Minute - now.Sub(usage.lastRequestTime),
		}
	}

	usage.requestsLastMinute++
	usage.lastRequestTime = now

	return nil
}

// RateLimitError represents a rate limit violation.
type RateLimitError struct {
	Limit      int           // the limit that was exceeded
	RetryAfter time.Duration // how long to wait before retrying
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit: %d/min, retry after: %v)", e.Limit, e.RetryAfter)
}

package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"

	// minBuffer is the number of requests kept in reserve before waiting for reset.
	minBuffer = 50
)

// RateLimiter throttles requests with a token bucket and backs off when the
// API reports the hourly quota is nearly exhausted.
type RateLimiter struct {
	mu        sync.Mutex
	remaining int
	resetTime time.Time
	bucket    *rate.Limiter
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		remaining: 5000,
		bucket:    rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.bucket.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	remaining, resetTime := r.remaining, r.resetTime
	r.mu.Unlock()

	if remaining < minBuffer && time.Now().Before(resetTime) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(resetTime)):
		}
	}
	return nil
}

// Observe records the quota headers of a response.
func (r *RateLimiter) Observe(resp *http.Response) {
	if resp == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v := resp.Header.Get(headerRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.remaining = n
		}
	}
	if v := resp.Header.Get(headerRateReset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.resetTime = time.Unix(n, 0)
		}
	}
}

func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

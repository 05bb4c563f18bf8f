package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const idleAfter = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller, keyed by the identity
// header when present and by client IP otherwise.
type RateLimiter struct {
	visitors      map[string]*visitor
	mu            sync.Mutex
	limit         rate.Limit
	burst         int
	identity      string
	logger        *zap.Logger
	now           func() time.Time
	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	MaxRequestsPerMinute int
	WindowDuration       time.Duration
	IdentityHeader       string
	Logger               *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-User-ID"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		visitors:      make(map[string]*visitor),
		limit:         rate.Every(cfg.WindowDuration / time.Duration(cfg.MaxRequestsPerMinute)),
		burst:         cfg.MaxRequestsPerMinute,
		identity:      cfg.IdentityHeader,
		logger:        cfg.Logger,
		now:           time.Now,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return rl.Limited(nil)
}

// Limited is Middleware with a custom response for rejected requests.
// A nil onReject answers 429 with a plain error body.
func (rl *RateLimiter) Limited(onReject fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if userID := c.Get(rl.identity); userID != "" {
			key = userID
		}

		if !rl.allow(key) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			if onReject != nil {
				return onReject(c)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > idleAfter {
			delete(rl.visitors, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}

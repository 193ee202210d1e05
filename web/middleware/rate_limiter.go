package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	MessagesPerMinute int           // Sustained messages per session per minute
	BurstSize         int           // Messages a quiet session may send back to back
	CleanupInterval   time.Duration // How often idle buckets are dropped
}

// TokenBucket refills continuously at perSecond up to capacity.
type TokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	perSecond float64
	updated   time.Time
	now       func() time.Time
}

func newTokenBucket(capacity, perSecond float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:    capacity,
		capacity:  capacity,
		perSecond: perSecond,
		updated:   now(),
		now:       now,
	}
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.updated).Seconds()*tb.perSecond)
	tb.updated = now
}

// Take consumes a token. When none is available it reports how long until
// one will be.
func (tb *TokenBucket) Take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	if tb.perSecond <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	wait := (1 - tb.tokens) / tb.perSecond
	return false, time.Duration(wait * float64(time.Second))
}

// Available returns the whole tokens left.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	return int(tb.tokens)
}

// SessionRateLimiter keeps one message bucket per chat session.
type SessionRateLimiter struct {
	config   RateLimiterConfig
	mu       sync.Mutex
	buckets  map[string]*TokenBucket
	now      func() time.Time
	logger   *zap.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSessionRateLimiter(config RateLimiterConfig, logger *zap.Logger) *SessionRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}

	limiter := &SessionRateLimiter{
		config:  config,
		buckets: make(map[string]*TokenBucket),
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go limiter.sweep()
	return limiter
}

func (srl *SessionRateLimiter) sweep() {
	ticker := time.NewTicker(srl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if dropped := srl.dropFullBuckets(); dropped > 0 {
				srl.logger.Debug("Dropped idle rate limit buckets", zap.Int("count", dropped))
			}
		case <-srl.stop:
			return
		}
	}
}

// dropFullBuckets forgets sessions whose bucket has refilled completely.
func (srl *SessionRateLimiter) dropFullBuckets() int {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	dropped := 0
	for sessionID, bucket := range srl.buckets {
		if bucket.Available() >= srl.config.BurstSize {
			delete(srl.buckets, sessionID)
			dropped++
		}
	}
	return dropped
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (srl *SessionRateLimiter) Stop() {
	srl.stopOnce.Do(func() { close(srl.stop) })
}

func (srl *SessionRateLimiter) bucket(sessionID string) *TokenBucket {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	b, ok := srl.buckets[sessionID]
	if !ok {
		b = newTokenBucket(float64(srl.config.BurstSize), float64(srl.config.MessagesPerMinute)/60, srl.now)
		srl.buckets[sessionID] = b
	}
	return b
}

// Allow takes one message from the session's bucket. retryAfter is set
// when the message is refused.
func (srl *SessionRateLimiter) Allow(sessionID string) (allowed bool, remaining int, retryAfter time.Duration) {
	b := srl.bucket(sessionID)
	allowed, retryAfter = b.Take()
	return allowed, b.Available(), retryAfter
}

// retryAfterSeconds rounds up and caps at one hour for the header.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	return max(1, min(secs, 3600))
}

// RateLimitMiddleware limits chat messages per session. SessionMiddleware
// must run first.
func RateLimitMiddleware(limiter *SessionRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetString(SessionIDKey)
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session not initialized"})
			return
		}

		allowed, remaining, wait := limiter.Allow(sessionID)
		limit := limiter.config.BurstSize
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retry := retryAfterSeconds(wait)
			if logger, ok := c.Get("logger"); ok {
				if zapLogger, _ := logger.(*zap.Logger); zapLogger != nil {
					zapLogger.Warn("Rate limit exceeded",
						zap.String("session_id", sessionID),
						zap.Int("retry_after", retry))
				}
			}

			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many messages, please slow down",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// ratelimit.go implements token-bucket rate limiting for outbound WebSocket
// connect attempts.
//
// The upstream tolerates short connect bursts but throttles sustained dial
// storms, which matter here because one reconnect tick can schedule many
// groups at once. The bucket refills continuously rather than in fixed
// windows, so a burst of 5 dials is followed by one dial every 200ms.
package exchange

import (
	"context"
	"sync"
	"time"
)

const (
	connectBurst     = 5 // max in-flight connect acquisitions
	connectPerSecond = 5 // replenish rate: 5 tokens per 1000ms
)

// Limiter gates outbound connect attempts. Callers block in Wait until a
// token is available or the context is cancelled. The subscription manager
// accepts any Limiter so callers can substitute their own pacing.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Waiters are served in the order the mutex admits them; there is a single
// priority level.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// NewConnectLimiter returns the default burst limiter for socket dials:
// at most 5 connects per second with a burst allowance of 5.
func NewConnectLimiter() *TokenBucket {
	return NewTokenBucket(connectBurst, connectPerSecond)
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

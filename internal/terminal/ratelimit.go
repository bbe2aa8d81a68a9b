package terminal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
)

// limiterIdleAfter is how long an unused session bucket survives
// before the next creation sweep reclaims it.
const limiterIdleAfter = 10 * time.Minute

type sessionBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces the per-session message budget. Buckets are
// created lazily on first use and evicted once idle, so memory stays
// proportional to the number of recently active sessions.
type RateLimiter struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	clk      clock.Clock
	sessions map[string]*sessionBucket
}

func NewRateLimiter(perSecond float64, burst int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		clk:      clk,
		sessions: make(map[string]*sessionBucket),
	}
}

// Allow debits one token from the session bucket.
func (r *RateLimiter) Allow(sessionID string) bool {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.sessions[sessionID]
	if b == nil {
		r.evictIdle(now)
		b = &sessionBucket{lim: rate.NewLimiter(r.rate, r.burst)}
		r.sessions[sessionID] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Drop releases one session's bucket.
func (r *RateLimiter) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// evictIdle reclaims buckets unused for limiterIdleAfter. Called with
// the lock held, only on the bucket-creation path.
func (r *RateLimiter) evictIdle(now time.Time) {
	for id, b := range r.sessions {
		if now.Sub(b.lastSeen) > limiterIdleAfter {
			delete(r.sessions, id)
		}
	}
}

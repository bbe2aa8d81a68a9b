package auth

import (
	"sync"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
)

const (
	maxLoginAttempts = 5 // per IP within the window
	loginWindow      = 5 * time.Minute
	lockoutAfter     = 10 // consecutive failures before a hard block
	lockoutDuration  = 30 * time.Minute
)

type loginAttempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero while blocked
}

// LoginLimiter throttles password guessing per client IP: a rolling
// attempt window plus a hard block after sustained failure.
type LoginLimiter struct {
	clk clock.Clock

	mu       sync.Mutex
	attempts map[string]*loginAttempt
}

func NewLoginLimiter(clk clock.Clock) *LoginLimiter {
	return &LoginLimiter{clk: clk, attempts: make(map[string]*loginAttempt)}
}

// Allow reports whether a login attempt from ip may proceed.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	a, ok := l.attempts[ip]
	if !ok {
		l.attempts[ip] = &loginAttempt{count: 1, firstAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(lockoutDuration)) {
			return false
		}
		a.count = 1
		a.firstAt = now
		a.blockedAt = time.Time{}
		return true
	}

	if now.After(a.firstAt.Add(loginWindow)) {
		a.count = 1
		a.firstAt = now
		return true
	}

	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// RecordFailure counts a failed attempt toward the hard block.
func (l *LoginLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[ip]
	if !ok {
		l.attempts[ip] = &loginAttempt{count: 1, firstAt: l.clk.Now()}
		return
	}
	a.count++
	if a.count >= lockoutAfter {
		a.blockedAt = l.clk.Now()
	}
}

// Reset clears state for ip after a successful login.
func (l *LoginLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

// Sweep drops expired entries. Called periodically by the service.
func (l *LoginLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for ip, a := range l.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(lockoutDuration)) {
				delete(l.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(loginWindow)) {
			delete(l.attempts, ip)
		}
	}
}

package http

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/SaleFeed/internal/domain"
)

// ConnectLimiter caps how many feed connections a user may open per window.
type ConnectLimiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	history map[domain.UserID][]time.Time
	limit   int
	window  time.Duration
}

// NewConnectLimiter returns a limiter that allows limit attempts per window.
// A non-positive limit disables limiting.
func NewConnectLimiter(limit int, window time.Duration, clock clockwork.Clock) *ConnectLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectLimiter{
		clock:   clock,
		history: make(map[domain.UserID][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Allow records an attempt by uid and reports whether it fits the window.
// Rejected attempts are not recorded.
func (l *ConnectLimiter) Allow(uid domain.UserID) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	windowStart := now.Add(-l.window)

	attempts := l.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[uid] = fresh
		return false
	}
	l.history[uid] = append(fresh, now)
	return true
}

// Sweep forgets users with no attempt inside the window.
func (l *ConnectLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	windowStart := l.clock.Now().Add(-l.window)
	for uid, attempts := range l.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(l.history, uid)
		}
	}
}

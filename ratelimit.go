package p2p

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// connRateLimiter gates new inbound connections before a handshake is even
// attempted, independent of the per-session windowed RPC/message accounting
// in session.go. It carries both a single global limiter and a per-IP
// limiter, each backed by golang.org/x/time/rate rather than a hand-rolled
// bucket, so a single noisy remote cannot starve the accept loop's budget
// for everyone else.
type connRateLimiter struct {
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	mu    sync.Mutex
	perIP map[string]*rate.Limiter
}

// newConnRateLimiter builds a limiter. A non-positive rate disables that
// half of the check (allow always returns true for it).
func newConnRateLimiter(globalRate float64, globalBurst int, perIPRate float64, perIPBurst int) *connRateLimiter {
	l := &connRateLimiter{perIP: make(map[string]*rate.Limiter)}
	if globalRate > 0 {
		if globalBurst < 1 {
			globalBurst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(globalRate), globalBurst)
	}
	if perIPRate > 0 {
		if perIPBurst < 1 {
			perIPBurst = 1
		}
		l.perIPRate = rate.Limit(perIPRate)
		l.perIPBurst = perIPBurst
	}
	return l
}

// allow reports whether a new inbound connection from remoteAddr should be
// accepted right now. remoteAddr is a "host:port" string as returned by
// transport.Conn.RemoteAddr; a malformed value is treated as an unkeyed
// address and only the global limiter applies to it.
func (l *connRateLimiter) allow(remoteAddr string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.perIPRate <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return true
	}
	return l.ipLimiter(host).Allow()
}

func (l *connRateLimiter) ipLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perIP[host]
	if !ok {
		lim = rate.NewLimiter(l.perIPRate, l.perIPBurst)
		l.perIP[host] = lim
	}
	return lim
}

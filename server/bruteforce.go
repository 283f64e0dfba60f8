package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bruteforceGuard rate-limits authentication attempts per source address.
// Each address gets a token bucket that refills slowly; failed attempts
// consume tokens immediately rather than waiting for the usual counter-plus
// decay-timer combination, so a burst of wrong credentials from one IP is
// throttled without needing a background sweep goroutine.
type bruteforceGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

const (
	bruteforceBurst = 3
	bruteforceRate  = rate.Every(3 * time.Second)
)

func newBruteforceGuard() *bruteforceGuard {
	return &bruteforceGuard{limiters: make(map[string]*rate.Limiter)}
}

func (g *bruteforceGuard) limiterFor(addr string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[addr]
	if !ok {
		l = rate.NewLimiter(bruteforceRate, bruteforceBurst)
		g.limiters[addr] = l
	}
	return l
}

// allow reports whether addr may attempt authentication right now. It does
// not itself consume a token; call fail after a rejected attempt.
func (g *bruteforceGuard) allow(addr string) bool {
	return g.limiterFor(addr).Tokens() >= 1
}

// fail consumes one token for addr, tightening the throttle on repeated
// wrong credentials.
func (g *bruteforceGuard) fail(addr string) {
	g.limiterFor(addr).Allow()
}

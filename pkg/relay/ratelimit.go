package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnLimiter enforces §4.I's two connection caps: a per-IP concurrent
// connection count (default 10) and, via the Registry's maxRooms, a
// per-server room count (default 100). It also smooths connection
// *attempts* per IP with a token bucket, so a single address can't hammer
// the accept loop even while under its concurrent-connection cap.
type ConnLimiter struct {
	maxPerIP int

	mu        sync.Mutex
	active    map[string]int
	attemptRL map[string]*rate.Limiter
}

// NewConnLimiter builds a limiter allowing at most maxPerIP concurrent
// connections from any single address.
func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{
		maxPerIP:  maxPerIP,
		active:    make(map[string]int),
		attemptRL: make(map[string]*rate.Limiter),
	}
}

// attemptLimiter returns (creating if needed) the per-IP attempt bucket:
// burst of maxPerIP, refilling one token per second, which bounds reconnect
// storms without punishing a legitimate client's first burst of tabs.
func (l *ConnLimiter) attemptLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.attemptRL[ip]
	if !ok {
		burst := l.maxPerIP
		if burst < 1 {
			burst = 1
		}
		rl = rate.NewLimiter(rate.Limit(1), burst)
		l.attemptRL[ip] = rl
	}
	return rl
}

// Allow reports whether ip may open one more connection: it must have
// spare capacity under maxPerIP and an available attempt token. On true,
// the caller must call Release when the connection closes.
func (l *ConnLimiter) Allow(ip string) bool {
	if !l.attemptLimiter(ip).Allow() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxPerIP > 0 && l.active[ip] >= l.maxPerIP {
		return false
	}
	l.active[ip]++
	return true
}

// Release returns one connection slot for ip.
func (l *ConnLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[ip] > 0 {
		l.active[ip]--
		if l.active[ip] == 0 {
			delete(l.active, ip)
		}
	}
}

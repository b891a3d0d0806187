package api

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig controls the per-address brute-force lockout on login.
type GuardConfig struct {
	// MaxAttempts is the number of failures that triggers a lockout.
	MaxAttempts int
	// Lockout is how long a locked address is refused.
	Lockout time.Duration
	// Window is how long failures are remembered after the last one.
	Window time.Duration
}

// DefaultGuardConfig returns 5 attempts, a 15 minute lockout and a 1 hour
// attempt window.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxAttempts: 5,
		Lockout:     15 * time.Minute,
		Window:      time.Hour,
	}
}

// AttemptCheck is the guard's verdict for one source address.
type AttemptCheck struct {
	Allowed           bool
	AttemptsRemaining int
	LockedUntil       time.Time
}

type attemptRecord struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// loginGuard tracks failed login attempts per source address. The window
// and the lockout are independent timers: the window only decides when a
// count decays, the lockout alone decides whether a login may proceed.
type loginGuard struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	cfg      GuardConfig
	now      func() time.Time
}

func newLoginGuard(cfg GuardConfig, now func() time.Time) *loginGuard {
	if now == nil {
		now = time.Now
	}
	return &loginGuard{
		attempts: make(map[string]*attemptRecord),
		cfg:      cfg,
		now:      now,
	}
}

func (g *loginGuard) full() AttemptCheck {
	return AttemptCheck{Allowed: true, AttemptsRemaining: g.cfg.MaxAttempts}
}

// current returns the live record for address, dropping it first when the
// window has elapsed or an expired lock has run out. The window is checked
// before the lock so a very old locked record is treated as clean. g.mu must
// be held.
func (g *loginGuard) current(address string, now time.Time) *attemptRecord {
	rec, ok := g.attempts[address]
	if !ok {
		return nil
	}
	if now.Sub(rec.lastAttempt) > g.cfg.Window ||
		(!rec.lockedUntil.IsZero() && !now.Before(rec.lockedUntil)) {
		delete(g.attempts, address)
		return nil
	}
	return rec
}

// check reports whether address may attempt a login without consuming an
// attempt.
func (g *loginGuard) check(address string) AttemptCheck {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.current(address, g.now())
	switch {
	case rec == nil:
		return g.full()
	case !rec.lockedUntil.IsZero():
		return AttemptCheck{LockedUntil: rec.lockedUntil}
	}
	return AttemptCheck{Allowed: true, AttemptsRemaining: max(g.cfg.MaxAttempts-rec.count, 0)}
}

// reserve counts one login attempt for address before the password is
// verified. The attempt that reaches MaxAttempts locks the address, so at
// most MaxAttempts verifications run per lockout period however many
// requests are in flight. AttemptsRemaining is what is left after this
// attempt fails. A successful login undoes the reservation through reset.
func (g *loginGuard) reserve(address string) AttemptCheck {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec := g.current(address, now)
	if rec == nil {
		rec = &attemptRecord{}
		g.attempts[address] = rec
	} else if !rec.lockedUntil.IsZero() {
		return AttemptCheck{LockedUntil: rec.lockedUntil}
	}
	rec.count++
	rec.lastAttempt = now
	if rec.count >= g.cfg.MaxAttempts {
		rec.lockedUntil = now.Add(g.cfg.Lockout)
	}
	return AttemptCheck{Allowed: true, AttemptsRemaining: max(g.cfg.MaxAttempts-rec.count, 0)}
}

// reset clears address after a successful login.
func (g *loginGuard) reset(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, address)
}

// sweep removes records whose attempt window has elapsed.
func (g *loginGuard) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for addr, rec := range g.attempts {
		if now.Sub(rec.lastAttempt) > g.cfg.Window {
			delete(g.attempts, addr)
			removed++
		}
	}
	return removed
}

func (g *loginGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attempts)
}

// RateLimitConfig controls the per-address request limiter placed in front
// of the login and status endpoints.
type RateLimitConfig struct {
	// Requests is how many requests an address may make per Window.
	Requests int
	// Window is the refill period for Requests.
	Window time.Duration
	// Cleanup is how often idle addresses are forgotten.
	Cleanup time.Duration
}

// DefaultRateLimitConfig allows 60 requests per minute per address.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 60,
		Window:   time.Minute,
		Cleanup:  time.Minute,
	}
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// requestLimiter is a token bucket per source address.
type requestLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     RateLimitConfig
	now     func() time.Time
	addrOf  func(*http.Request) string
	onLimit func(*http.Request)
}

func newRequestLimiter(cfg RateLimitConfig, now func() time.Time, addrOf func(*http.Request) string) *requestLimiter {
	if now == nil {
		now = time.Now
	}
	if addrOf == nil {
		addrOf = extractClientIP
	}
	return &requestLimiter{
		entries: make(map[string]*limiterEntry),
		cfg:     cfg,
		now:     now,
		addrOf:  addrOf,
	}
}

func (l *requestLimiter) limit() rate.Limit {
	if l.cfg.Requests <= 0 || l.cfg.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.cfg.Requests) / l.cfg.Window.Seconds())
}

// allow consumes one token for address. When refused it returns how long
// until the next token is available.
func (l *requestLimiter) allow(address string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[address]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit(), max(l.cfg.Requests, 1))}
		l.entries[address] = e
	}
	e.lastSeen = now
	if e.lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - e.lim.TokensAt(now)
	wait := time.Duration(missing / float64(e.lim.Limit()) * float64(time.Second))
	return false, wait
}

// cleanup forgets addresses idle for a full window; their bucket would be
// full again anyway.
func (l *requestLimiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for addr, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.cfg.Window {
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

func (l *requestLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Middleware rejects requests over the per-address budget with 429.
func (l *requestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(l.addrOf(r))
		if !ok {
			if l.onLimit != nil {
				l.onLimit(r)
			}
			w.Header().Set("Retry-After", retryAfterString(wait))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterString(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the source address used for lockouts, rate limits
// and audit records. It delegates to extractClientIPWithProxies using the
// API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. Otherwise RemoteAddr is returned, so an
// untrusted client cannot pick its own lockout bucket.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// extractClientIP trusts no proxy headers and always returns RemoteAddr.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

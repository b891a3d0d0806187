package api

import "time"

// SessionConfig controls session lifetimes and the session cookie.
type SessionConfig struct {
	// Duration is the hard lifetime of a normal session.
	Duration time.Duration
	// RememberMe is the hard lifetime when the user ticks "remember me".
	RememberMe time.Duration
	// Inactivity is how long a session survives without a validated request.
	Inactivity time.Duration
	// Sweep is the interval of the background cleanup pass.
	Sweep time.Duration
	// CookieName names the session cookie.
	CookieName string
	// CookieSecure forces the Secure attribute even on plain HTTP requests.
	CookieSecure bool
}

// DefaultSessionConfig returns 24h sessions, 30d remember-me sessions and a
// 4h inactivity timeout, swept hourly.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Duration:   24 * time.Hour,
		RememberMe: 30 * 24 * time.Hour,
		Inactivity: 4 * time.Hour,
		Sweep:      time.Hour,
		CookieName: "homepage360_session",
	}
}

// lifetime returns the hard lifetime for a new session.
func (c SessionConfig) lifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return c.RememberMe
	}
	return c.Duration
}

// InvalidReason explains why Validate rejected a token.
type InvalidReason string

const (
	ReasonNoToken      InvalidReason = "no_token"
	ReasonInvalidToken InvalidReason = "invalid_token"
	ReasonExpired      InvalidReason = "expired"
	ReasonInactivity   InvalidReason = "inactivity"
)

// Session is the server-side state for an authenticated browser.
type Session struct {
	Token         string    `json:"-"`
	Username      string    `json:"username"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastActivity  time.Time `json:"last_activity"`
	SourceAddress string    `json:"source_address"`
	RememberMe    bool      `json:"remember_me"`
}

// Validation is the outcome of SessionStore.Validate.
type Validation struct {
	Valid    bool
	Username string
	Reason   InvalidReason
}

// SessionStore owns the session table. Implementations must delete a
// session as soon as it is found invalid so it can never validate again.
type SessionStore interface {
	// Create starts a session and returns it with a fresh random token.
	Create(username string, rememberMe bool, sourceAddress string) (Session, error)
	// Validate checks a token and, on success, refreshes its activity clock.
	Validate(token string) Validation
	// Invalidate deletes a session. It reports whether one existed.
	Invalidate(token string) (Session, bool)
	// Sweep deletes every expired or idle session and returns the count.
	Sweep() int
	// Len returns the number of sessions currently held.
	Len() int
}

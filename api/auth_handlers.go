package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/homepage360/internal/util"
	"github.com/jmcleod/homepage360/users"
)

// invalidCredentials is the single message for unknown users and wrong
// passwords so the response does not reveal which one failed.
const invalidCredentials = "Invalid username or password"

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)

	// The lockout is checked before anything else so a locked address
	// costs no hashing work.
	if check := a.guard.check(clientIP); !check.Allowed {
		a.loginLocked(w, r, check.LockedUntil)
		return
	}

	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	username := util.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	// Another request from this address may have used up the budget since
	// the check above.
	check := a.guard.reserve(clientIP)
	if !check.Allowed {
		a.loginLocked(w, r, check.LockedUntil)
		return
	}

	user, err := a.users.Find(r.Context(), username)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		a.writeInternalError(w, r, "login: user lookup failed", err, "username", username)
		return
	}
	if user == nil {
		// Spend the same bcrypt time as a real verification.
		a.hasher.Burn(req.Password)
		a.loginFailed(w, r, check, username, "user_not_found")
		return
	}
	if !a.hasher.Verify(req.Password, user.PasswordHash) {
		a.loginFailed(w, r, check, username, "invalid_password")
		return
	}

	session, err := a.sessions.Create(user.Username, req.RememberMe, clientIP)
	if err != nil {
		a.writeInternalError(w, r, "login: session creation failed", err, "username", user.Username)
		return
	}
	if err := a.users.UpdateLastLogin(r.Context(), user.Username, session.CreatedAt); err != nil {
		a.sessions.Invalidate(session.Token)
		a.writeInternalError(w, r, "login: updating last login failed", err, "username", user.Username)
		return
	}
	a.guard.reset(clientIP)
	writeSessionCookie(w, r, a.sessionCfg, session)

	a.audit.log(AuditLoginSuccess, r,
		slog.String("username", user.Username),
		slog.String("session", util.TokenPrefix(session.Token)),
		slog.Bool("remember_me", session.RememberMe),
		slog.String("expires_at", session.ExpiresAt.UTC().Format(time.RFC3339)),
	)
	writeJSON(w, http.StatusOK, LoginResponse{Success: true, Username: user.Username})
}

func (a *API) loginLocked(w http.ResponseWriter, r *http.Request, until time.Time) {
	lockedUntil := until.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	a.audit.logFailure(AuditLoginLocked, r, "locked",
		slog.String("locked_until", lockedUntil))
	w.Header().Set("Retry-After", retryAfterString(until.Sub(a.now())))
	writeJSON(w, http.StatusTooManyRequests, LockoutResponse{
		Error:       "Too many failed attempts. Account locked.",
		LockedUntil: lockedUntil,
	})
}

// loginFailed sends the uniform 401. The attempt was already counted by
// reserve, whose result carries the remaining budget.
func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, check AttemptCheck, username, reason string) {
	remaining := check.AttemptsRemaining
	a.audit.logFailure(AuditLoginFailure, r, reason,
		slog.String("username", username),
		slog.Int("attempts_remaining", remaining),
	)
	writeJSON(w, http.StatusUnauthorized, LoginFailureResponse{
		Error:             invalidCredentials,
		AttemptsRemaining: remaining,
	})
}

// Logout handles POST /auth/logout. It always succeeds and always clears
// the cookie, whether or not a session existed.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	token := a.sessionToken(r)
	if session, ok := a.sessions.Invalidate(token); ok {
		a.audit.log(AuditLogout, r,
			slog.String("username", session.Username),
			slog.String("session", util.TokenPrefix(token)),
		)
	}
	clearSessionCookie(w, r, a.sessionCfg)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// CheckSession handles GET /auth/check. AuthMiddleware has already
// validated the session and refreshed its activity clock.
func (a *API) CheckSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CheckSessionResponse{
		Valid:    true,
		Username: UsernameFromContext(r.Context()),
	})
}

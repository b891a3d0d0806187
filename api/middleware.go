package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/homepage360/internal/util"
)

type contextKey int

const usernameKey contextKey = iota

// loginPath is where unauthenticated page navigation is sent. The web
// package serves it without a session.
const loginPath = "/login.html"

// AuthMiddleware validates the session cookie. API paths get a 401 JSON
// body when the session is missing or invalid; everything else is treated
// as page navigation and redirected to the login page.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		v := a.sessions.Validate(token)
		if !v.Valid {
			if v.Reason == ReasonExpired || v.Reason == ReasonInactivity {
				a.audit.log(AuditSessionExpired, r,
					slog.String("username", v.Username),
					slog.String("reason", string(v.Reason)),
					slog.String("session", util.TokenPrefix(token)),
				)
				clearSessionCookie(w, r, a.sessionCfg)
			}
			a.rejectUnauthenticated(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), usernameKey, v.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) rejectUnauthenticated(w http.ResponseWriter, r *http.Request) {
	if isAPIRequest(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	http.Redirect(w, r, loginPath, http.StatusFound)
}

// isAPIRequest reports whether r targets the JSON API. chi.Mount leaves
// URL.Path untouched, so the full path is visible here.
func isAPIRequest(r *http.Request) bool {
	return r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/")
}

func (a *API) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(a.sessionCfg.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// UsernameFromContext returns the username attached by AuthMiddleware.
func UsernameFromContext(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, cfg SessionConfig, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.CookieSecure || requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(cfg.lifetime(session.RememberMe).Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request, cfg SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.CookieSecure || requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

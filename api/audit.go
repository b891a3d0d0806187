package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/homepage360/internal/uuid"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginLocked        AuditEvent = "login_locked"
	AuditLogout             AuditEvent = "logout"
	AuditSessionExpired     AuditEvent = "session_expired"
	AuditAPIKeyRejected     AuditEvent = "api_key_rejected"
	AuditSignatureRejected  AuditEvent = "signature_rejected"
	AuditStatusIngested     AuditEvent = "status_ingested"
	AuditRequestRateLimited AuditEvent = "status_rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	addrOf  func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, addrOf func(*http.Request) string) *auditLogger {
	if addrOf == nil {
		addrOf = extractClientIP
	}
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		addrOf:  addrOf,
	}
}

// log writes a structured audit log entry. Failures are logged at WARN so
// they stand out from routine events.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", uuid.New()),
		slog.String("source_address", al.addrOf(r)),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	if event.isFailure() {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure logs a rejected request with a machine-readable reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func (e AuditEvent) isFailure() bool {
	switch e {
	case AuditLoginFailure, AuditLoginLocked, AuditAPIKeyRejected,
		AuditSignatureRejected, AuditRequestRateLimited:
		return true
	}
	return false
}

package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/homepage360/signing"
	"github.com/jmcleod/homepage360/status"
	"github.com/jmcleod/homepage360/users"
)

// API holds the dependencies needed by the REST handlers. All mutable
// state (sessions, lockouts, rate-limit counters, device statuses) is owned
// here and lost on restart.
type API struct {
	users    users.Store
	hasher   *users.Hasher
	keys     *signing.KeySet
	sessions SessionStore
	guard    *loginGuard
	limiter  *requestLimiter
	statuses *status.Table
	audit    *auditLogger
	metrics  *metricsCollector
	webhook  *alertWebhook

	logger         *slog.Logger
	alertFn        AlertFunc
	sessionCfg     SessionConfig
	guardCfg       GuardConfig
	rateCfg        RateLimitConfig
	ingestCfg      IngestConfig
	trustedProxies []netip.Prefix
	now            func() time.Time
	startedAt      time.Time
}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for application and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithHasher overrides the password hasher. Tests use a low bcrypt cost.
func WithHasher(h *users.Hasher) Option {
	return func(a *API) {
		a.hasher = h
	}
}

// WithSessionConfig overrides session lifetimes and cookie settings.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(a *API) {
		a.sessionCfg = cfg
	}
}

// WithGuardConfig overrides brute-force lockout thresholds.
func WithGuardConfig(cfg GuardConfig) Option {
	return func(a *API) {
		a.guardCfg = cfg
	}
}

// WithRateLimit overrides the per-address request limiter.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(a *API) {
		a.rateCfg = cfg
	}
}

// WithIngestConfig overrides status ingestion limits and signature policy.
func WithIngestConfig(cfg IngestConfig) Option {
	return func(a *API) {
		a.ingestCfg = cfg
	}
}

// WithTrustedProxies configures the CIDR ranges whose forwarding headers
// (X-Forwarded-For, Forwarded, X-Real-IP) are honored when resolving the
// source address. A bare IP is treated as a single-host prefix. By default
// no proxy headers are trusted.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertFunc registers a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAlertWebhook forwards anomaly alerts to an external HTTP endpoint.
// authHeader is optional and uses "Header: Value" form.
func WithAlertWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAlertWebhook(url, authHeader)
		}
	}
}

// WithClock replaces time.Now for every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance. store provides credentials and keys holds
// the agent API key set used for both key checks and signatures.
func New(store users.Store, keys *signing.KeySet, opts ...Option) (*API, error) {
	a := &API{
		users:      store,
		keys:       keys,
		sessionCfg: DefaultSessionConfig(),
		guardCfg:   DefaultGuardConfig(),
		rateCfg:    DefaultRateLimitConfig(),
		ingestCfg:  DefaultIngestConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.hasher == nil {
		h, err := users.NewHasher(users.DefaultCost)
		if err != nil {
			return nil, err
		}
		a.hasher = h
	}
	a.sessions = NewMemorySessionStore(a.sessionCfg, a.now)
	a.statuses = status.NewTable(a.now)
	a.guard = newLoginGuard(a.guardCfg, a.now)
	a.limiter = newRequestLimiter(a.rateCfg, a.now, a.extractClientIP)

	alertFn := a.alertFn
	if a.webhook != nil {
		wh := a.webhook
		user := a.alertFn
		alertFn = func(e AlertEvent) {
			wh.enqueue(e)
			if user != nil {
				user(e)
			}
		}
	}
	a.metrics = newMetricsCollector(alertFn, a.now, a.sessions.Len, a.statuses.Len)
	a.audit = newAuditLogger(a.logger, a.metrics, a.extractClientIP)
	a.limiter.onLimit = func(r *http.Request) {
		a.audit.logFailure(AuditRequestRateLimited, r, "request rate exceeded")
	}
	a.startedAt = a.now()
	return a, nil
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted at /api so the Auth Gate can tell API calls from page navigation.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Get("/health", a.Health)

	r.With(a.limiter.Middleware).Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)
	r.With(a.AuthMiddleware).Get("/auth/check", a.CheckSession)

	r.With(a.limiter.Middleware).Post("/status", a.IngestStatus)
	r.With(a.limiter.Middleware, a.AuthMiddleware).Get("/status", a.ListStatus)

	return r
}

// MetricsHandler exposes Prometheus counters for this instance.
func (a *API) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// Statuses returns the device table served by GET /api/status.
func (a *API) Statuses() *status.Table {
	return a.statuses
}

// Close flushes pending alert deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Package config loads the server configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
// Command-line flags are applied by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/homepage360/api"
	"github.com/jmcleod/homepage360/signing"
)

// Environment variables read by Load.
const (
	EnvAPIKey         = "MONITOR_API_KEY"
	EnvPreviousAPIKey = "MONITOR_API_KEY_PREVIOUS"
	EnvPort           = "PORT"
	EnvNodeEnv        = "NODE_ENV"
	EnvUsersFile      = "HOMEPAGE360_USERS_FILE"
	EnvLogLevel       = "HOMEPAGE360_LOG_LEVEL"
)

// Config is the complete server configuration.
type Config struct {
	Port           int      `yaml:"port"`
	PublicDir      string   `yaml:"public_dir"`
	UsersFile      string   `yaml:"users_file"`
	UsersDB        string   `yaml:"users_db"`
	APIKey         string   `yaml:"api_key"`
	PreviousAPIKey string   `yaml:"api_key_previous"`
	Production     bool     `yaml:"production"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	// MetricsAddr is a separate listener for /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
	Session   SessionConfig   `yaml:"session"`
	Guard     GuardConfig     `yaml:"guard"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Enabled reports whether both halves of a key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SessionConfig struct {
	Duration     time.Duration `yaml:"duration"`
	RememberMe   time.Duration `yaml:"remember_me"`
	Inactivity   time.Duration `yaml:"inactivity"`
	Sweep        time.Duration `yaml:"sweep"`
	CookieSecure bool          `yaml:"cookie_secure"`
}

type GuardConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Lockout     time.Duration `yaml:"lockout"`
	Window      time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Cleanup  time.Duration `yaml:"cleanup"`
}

type IngestConfig struct {
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	Tolerance        time.Duration `yaml:"signature_tolerance"`
	RequireSignature bool          `yaml:"require_signature"`
}

type AlertsConfig struct {
	WebhookURL        string `yaml:"webhook_url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	session := api.DefaultSessionConfig()
	guard := api.DefaultGuardConfig()
	rate := api.DefaultRateLimitConfig()
	ingest := api.DefaultIngestConfig()
	return &Config{
		Port:      3000,
		PublicDir: "./public",
		UsersFile: "./users.json",
		Log:       LogConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			Duration:   session.Duration,
			RememberMe: session.RememberMe,
			Inactivity: session.Inactivity,
			Sweep:      session.Sweep,
		},
		Guard: GuardConfig{
			MaxAttempts: guard.MaxAttempts,
			Lockout:     guard.Lockout,
			Window:      guard.Window,
		},
		RateLimit: RateLimitConfig{
			Requests: rate.Requests,
			Window:   rate.Window,
			Cleanup:  rate.Cleanup,
		},
		Ingest: IngestConfig{
			MaxBodyBytes: ingest.MaxBodyBytes,
			Tolerance:    ingest.Tolerance,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. It does not validate; call Validate
// once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := ApplyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps the environment onto cfg. lookup is os.LookupEnv
// outside tests.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.APIKey = v
	}
	if v, ok := lookup(EnvPreviousAPIKey); ok && v != "" {
		cfg.PreviousAPIKey = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvNodeEnv); ok && v == "production" {
		cfg.Production = true
	}
	if v, ok := lookup(EnvUsersFile); ok && v != "" {
		cfg.UsersFile = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// ValidationError collects every problem found by Validate.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// ErrMissingAPIKey is reported (wrapped in ValidationError) when no agent
// API key is configured. The server refuses to start without one.
var ErrMissingAPIKey = errors.New(EnvAPIKey + " is required")

// Validate checks cfg. It returns a *ValidationError listing all problems.
func (c *Config) Validate() error {
	ve := &ValidationError{}
	if c.APIKey == "" {
		ve.add("%v", ErrMissingAPIKey)
	}
	if c.PreviousAPIKey != "" && c.PreviousAPIKey == c.APIKey {
		ve.add("api_key_previous must differ from api_key")
	}
	if c.Port <= 0 || c.Port > 65535 {
		ve.add("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.UsersFile == "" && c.UsersDB == "" {
		ve.add("one of users_file or users_db is required")
	}
	if c.MetricsAddr != "" && c.MetricsAddr == c.Addr() {
		ve.add("metrics_addr must differ from the main listener")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		ve.add("tls.cert and tls.key must be set together")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		ve.add("%v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		ve.add("log.format must be json or text, got %q", c.Log.Format)
	}

	positive := map[string]time.Duration{
		"session.duration":           c.Session.Duration,
		"session.remember_me":        c.Session.RememberMe,
		"session.inactivity":         c.Session.Inactivity,
		"session.sweep":              c.Session.Sweep,
		"guard.lockout":              c.Guard.Lockout,
		"guard.window":               c.Guard.Window,
		"rate_limit.window":          c.RateLimit.Window,
		"rate_limit.cleanup":         c.RateLimit.Cleanup,
		"ingest.signature_tolerance": c.Ingest.Tolerance,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			ve.add("%s must be > 0", name)
		}
	}
	if c.Guard.MaxAttempts <= 0 {
		ve.add("guard.max_attempts must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		ve.add("rate_limit.requests must be > 0")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		ve.add("ingest.max_body_bytes must be > 0")
	}
	if c.Alerts.WebhookURL != "" && !strings.HasPrefix(c.Alerts.WebhookURL, "http://") &&
		!strings.HasPrefix(c.Alerts.WebhookURL, "https://") {
		ve.add("alerts.webhook_url must be an http(s) URL")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// KeySet seals the configured API keys into memory-protected enclaves.
func (c *Config) KeySet() (*signing.KeySet, error) {
	return signing.NewKeySet(c.APIKey, c.PreviousAPIKey)
}

// APIOptions translates the configuration into api.New options.
func (c *Config) APIOptions(logger *slog.Logger) ([]api.Option, error) {
	session := api.DefaultSessionConfig()
	session.Duration = c.Session.Duration
	session.RememberMe = c.Session.RememberMe
	session.Inactivity = c.Session.Inactivity
	session.Sweep = c.Session.Sweep
	session.CookieSecure = c.Session.CookieSecure || c.Production

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAlertFunc(api.LogAlerts(logger)),
		api.WithSessionConfig(session),
		api.WithGuardConfig(api.GuardConfig{
			MaxAttempts: c.Guard.MaxAttempts,
			Lockout:     c.Guard.Lockout,
			Window:      c.Guard.Window,
		}),
		api.WithRateLimit(api.RateLimitConfig{
			Requests: c.RateLimit.Requests,
			Window:   c.RateLimit.Window,
			Cleanup:  c.RateLimit.Cleanup,
		}),
		api.WithIngestConfig(api.IngestConfig{
			MaxBodyBytes:     c.Ingest.MaxBodyBytes,
			Tolerance:        c.Ingest.Tolerance,
			RequireSignature: c.Ingest.RequireSignature,
		}),
	}
	if len(c.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(c.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		opts = append(opts, opt)
	}
	if c.Alerts.WebhookURL != "" {
		opts = append(opts, api.WithAlertWebhook(c.Alerts.WebhookURL, c.Alerts.WebhookAuthHeader))
	}
	return opts, nil
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

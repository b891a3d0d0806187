// Package agent is the monitoring agent: it probes a fixed list of hosts,
// then posts the results to the server's ingestion endpoint with an API key
// and an HMAC signature. It runs one check at start and then one per
// interval until its context is cancelled.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmcleod/homepage360/internal/uuid"
)

// Sender delivers a batch of statuses. *Reporter is the production Sender.
type Sender interface {
	Send(ctx context.Context, statuses []Status) (*IngestResult, error)
}

// Agent polls targets and reports their reachability.
type Agent struct {
	cfg    *Config
	ping   Prober
	tcp    Prober
	sender Sender
	logger *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithSender replaces the HTTP reporter.
func WithSender(s Sender) Option {
	return func(a *Agent) {
		a.sender = s
	}
}

// WithProbers replaces the ICMP and TCP probers.
func WithProbers(ping, tcp Prober) Option {
	return func(a *Agent) {
		a.ping = ping
		a.tcp = tcp
	}
}

// New creates an Agent for a validated cfg.
func New(cfg *Config, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		ping:   &PingProber{Timeout: cfg.Timeout()},
		tcp:    &TCPProber{Timeout: cfg.Timeout()},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sender == nil {
		a.sender = NewReporter(cfg.Endpoint, cfg.APIKey, WithReporterLogger(a.logger))
	}
	return a
}

func (a *Agent) proberFor(t Target) Prober {
	if t.Port > 0 {
		return a.tcp
	}
	return a.ping
}

// Probe checks every target in order. Each probe is bounded by the
// configured timeout; a probe that cannot run reports the host as down
// with the error attached.
func (a *Agent) Probe(ctx context.Context) []Status {
	statuses := make([]Status, 0, len(a.cfg.Targets))
	for _, t := range a.cfg.Targets {
		pctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout()+time.Second)
		res, err := a.proberFor(t).Probe(pctx, t)
		cancel()

		s := Status{Name: t.Name, Host: t.Host}
		switch {
		case err != nil:
			s.Error = err.Error()
			a.logger.Warn("probe failed", "target", t.Name, "host", t.Host, "error", err)
		case res.Alive:
			s.Alive = true
			s.Latency = res.Latency
			a.logger.Info("target up", "target", t.Name, "host", t.Host, "latency_ms", latencyAttr(res.Latency))
		default:
			a.logger.Info("target down", "target", t.Name, "host", t.Host)
		}
		statuses = append(statuses, s)
	}
	return statuses
}

func latencyAttr(l *int) any {
	if l == nil {
		return nil
	}
	return *l
}

// CheckOnce probes all targets and sends one report.
func (a *Agent) CheckOnce(ctx context.Context) (*IngestResult, error) {
	runID := uuid.New()
	a.logger.Info("running network check", "run_id", runID, "targets", len(a.cfg.Targets))

	statuses := a.Probe(ctx)
	res, err := a.sender.Send(ctx, statuses)
	if err != nil {
		a.logger.Error("failed to send statuses", "run_id", runID, "error", err)
		return nil, err
	}
	a.logger.Info("sent statuses", "run_id", runID, "count", res.Count, "signature_verified", res.SignatureVerified)
	return res, nil
}

// Run checks immediately, then on every interval until ctx is cancelled.
// Overlapping checks are skipped. Send failures are logged and do not stop
// the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		"targets", len(a.cfg.Targets),
		"interval", a.cfg.Interval().String(),
		"endpoint", a.cfg.Endpoint,
		"api_key", a.cfg.MaskedKey(),
	)
	_, _ = a.CheckOnce(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(a.cfg.Interval()), cron.FuncJob(func() {
		_, _ = a.CheckOnce(ctx)
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("agent shutting down")
	return nil
}

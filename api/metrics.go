package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertIngestRejectSpike AlertType = "ingest_reject_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// LogAlerts returns an AlertFunc that writes each alert to logger at warn
// level. A nil logger means slog.Default.
func LogAlerts(logger *slog.Logger) AlertFunc {
	return func(e AlertEvent) {
		l := logger
		if l == nil {
			l = slog.Default()
		}
		l.Warn("security alert",
			slog.String("type", string(e.Type)),
			slog.String("message", e.Message),
			slog.Int("count", e.Count),
			slog.Int("threshold", e.Threshold),
		)
	}
}

// slidingWindow counts events within a trailing duration and fires once
// the threshold is reached.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached. The window is reset after firing so one spike alerts once.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.events = append(s.events, now)
	s.events = trimWindow(s.events, now, s.window)
	if len(s.events) < s.threshold {
		return 0, false
	}
	n := len(s.events)
	s.events = s.events[:0]
	return n, true
}

// metricsCollector turns audit events into Prometheus counters and runs
// the sliding-window anomaly detectors.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures slidingWindow
	ingestRejects slidingWindow

	alertFn AlertFunc
	now     func() time.Time

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	alerts   *prometheus.CounterVec
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultIngestRejectWindow    = 5 * time.Minute
	defaultIngestRejectThreshold = 20
)

// newMetricsCollector builds a collector with its own registry. sessions
// and devices are sampled at scrape time.
func newMetricsCollector(alertFn AlertFunc, now func() time.Time, sessions, devices func() int) *metricsCollector {
	if now == nil {
		now = time.Now
	}
	m := &metricsCollector{
		loginFailures: slidingWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		ingestRejects: slidingWindow{window: defaultIngestRejectWindow, threshold: defaultIngestRejectThreshold},
		alertFn:       alertFn,
		now:           now,
		registry:      prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homepage360_audit_events_total",
			Help: "Audit events by type",
		}, []string{"event"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homepage360_alerts_total",
			Help: "Anomaly alerts raised by type",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.events, m.alerts)
	if sessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homepage360_sessions",
			Help: "Sessions currently held in memory",
		}, func() float64 { return float64(sessions()) }))
	}
	if devices != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homepage360_devices",
			Help: "Devices in the status table",
		}, func() float64 { return float64(devices()) }))
	}
	return m
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *metricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event)).Inc()
	switch event {
	case AuditLoginFailure:
		m.observe(&m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditAPIKeyRejected, AuditSignatureRejected:
		m.observe(&m.ingestRejects, AlertIngestRejectSpike, "rejected status reports exceed threshold")
	}
}

func (m *metricsCollector) observe(w *slidingWindow, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	count, fired := w.add(now)
	m.mu.Unlock()
	if !fired {
		return
	}
	m.alerts.WithLabelValues(string(typ)).Inc()
	if m.alertFn != nil {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     count,
			Threshold: w.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

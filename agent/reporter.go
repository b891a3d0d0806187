package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sony/gobreaker/v2"

	"github.com/jmcleod/homepage360/signing"
)

// Default circuit breaker settings for the report endpoint.
const (
	defaultBreakerFailures uint32        = 3
	defaultBreakerTimeout  time.Duration = time.Minute
	defaultBreakerInterval time.Duration = 5 * time.Minute
)

// maxResponseBytes caps how much of the server's reply is read.
const maxResponseBytes = 64 << 10

// Status is one entry of the report body sent to POST /api/status.
type Status struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Alive   bool   `json:"alive"`
	Latency *int   `json:"latency"`
	Error   string `json:"error,omitempty"`
}

type report struct {
	Statuses []Status `json:"statuses"`
}

// IngestResult is the server's reply to a report.
type IngestResult struct {
	Success           bool `json:"success"`
	Count             int  `json:"count"`
	SignatureVerified bool `json:"signatureVerified"`
}

// ErrCircuitOpen is returned by Send while the breaker is refusing calls.
var ErrCircuitOpen = errors.New("report endpoint circuit open")

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Reporter posts signed status batches to the server. The API key doubles
// as the HMAC secret and is kept in a memguard enclave between sends.
type Reporter struct {
	endpoint string
	key      *memguard.Enclave
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*IngestResult]
	logger   *slog.Logger
	now      func() time.Time
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) ReporterOption {
	return func(r *Reporter) {
		r.client = c
	}
}

// WithReporterClock overrides the clock used for X-Timestamp.
func WithReporterClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithReporterLogger sets the logger used for breaker state changes.
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// NewReporter creates a Reporter for endpoint authenticated with apiKey.
func NewReporter(endpoint, apiKey string, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		endpoint: endpoint,
		key:      memguard.NewEnclave([]byte(apiKey)),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker[*IngestResult](gobreaker.Settings{
		Name:        "report:" + endpoint,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return r
}

// Send signs and posts statuses. Calls fail fast with ErrCircuitOpen after
// repeated failures until the breaker's timeout elapses.
func (r *Reporter) Send(ctx context.Context, statuses []Status) (*IngestResult, error) {
	body, err := json.Marshal(report{Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	res, err := r.breaker.Execute(func() (*IngestResult, error) {
		return r.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return res, err
}

// BreakerState exposes the breaker state for logging and tests.
func (r *Reporter) BreakerState() gobreaker.State {
	return r.breaker.State()
}

func (r *Reporter) post(ctx context.Context, body []byte) (*IngestResult, error) {
	key, err := r.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening api key: %w", err)
	}
	defer key.Destroy()
	signed := signing.SignBody(body, key.Bytes(), r.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(signed.Body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Homepage360-Agent/1.0")
	req.Header.Set(signing.HeaderAPIKey, string(key.Bytes()))
	req.Header.Set(signing.HeaderSignature, signed.Signature)
	req.Header.Set(signing.HeaderTimestamp, signed.Timestamp)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending report: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return nil, &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	var res IngestResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &res, nil
}

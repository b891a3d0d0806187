package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/homepage360/signing"
	"github.com/jmcleod/homepage360/status"
)

// IngestConfig controls POST /status.
type IngestConfig struct {
	// MaxBodyBytes caps the raw request body.
	MaxBodyBytes int64
	// Tolerance is the accepted skew between X-Timestamp and server time.
	Tolerance time.Duration
	// RequireSignature rejects reports without X-Signature/X-Timestamp.
	// When false, unsigned reports are accepted and flagged unverified.
	RequireSignature bool
}

// DefaultIngestConfig returns a 10KB body cap, a 5 minute replay window and
// optional signatures.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		MaxBodyBytes: 10 << 10,
		Tolerance:    signing.DefaultTolerance,
	}
}

// IngestStatus handles POST /status from the monitoring agent.
func (a *API) IngestStatus(w http.ResponseWriter, r *http.Request) {
	if !a.keys.MatchAPIKey(r.Header.Get(signing.HeaderAPIKey)) {
		a.audit.logFailure(AuditAPIKeyRejected, r, "invalid or missing api key")
		writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.ingestCfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	verified, ok := a.verifySignature(w, r, body)
	if !ok {
		return
	}

	batch, err := status.ParseBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count := a.statuses.Apply(batch.Reports)

	a.audit.log(AuditStatusIngested, r,
		slog.Int("count", count),
		slog.Int("skipped", batch.Skipped()),
		slog.Bool("signature_verified", verified),
	)
	writeJSON(w, http.StatusOK, IngestResponse{
		Success:           true,
		Count:             count,
		SignatureVerified: verified,
	})
}

// verifySignature checks X-Signature/X-Timestamp against body. It returns
// ok=false after writing a 401 when the request must be rejected.
func (a *API) verifySignature(w http.ResponseWriter, r *http.Request, body []byte) (verified, ok bool) {
	sig := r.Header.Get(signing.HeaderSignature)
	ts := r.Header.Get(signing.HeaderTimestamp)
	if sig == "" || ts == "" {
		if a.ingestCfg.RequireSignature {
			a.audit.logFailure(AuditSignatureRejected, r, "missing signature")
			writeError(w, http.StatusUnauthorized, "Missing request signature")
			return false, false
		}
		return false, true
	}

	err := a.keys.Verify(sig, ts, body, a.now(), a.ingestCfg.Tolerance)
	if err == nil {
		return true, true
	}
	msg := "Invalid signature"
	switch {
	case errors.Is(err, signing.ErrTimestampExpired):
		msg = "Request timestamp expired"
	case errors.Is(err, signing.ErrTimestampInvalid):
		msg = "Invalid timestamp"
	}
	a.audit.logFailure(AuditSignatureRejected, r, err.Error())
	writeError(w, http.StatusUnauthorized, msg)
	return false, false
}

// ListStatus handles GET /status for the dashboard.
func (a *API) ListStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.statuses.Snapshot())
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: int64(a.now().Sub(a.startedAt).Seconds()),
	})
}

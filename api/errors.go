package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err with the request context and sends a generic
// 500 so no internal detail reaches the client.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error, attrs ...any) {
	args := append([]any{
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"source_address", a.extractClientIP(r),
	}, attrs...)
	a.logger.ErrorContext(r.Context(), msg, args...)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// maxAuthBodySize bounds login request bodies.
const maxAuthBodySize = 4 << 10

// decodeJSON reads a single JSON value of at most maxBytes from the request
// body. On failure it writes a 400 (or 413) response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "Request body is required")
		default:
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
		}
		return v, false
	}
	return v, true
}

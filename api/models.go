package api

import "github.com/jmcleod/homepage360/status"

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// LoginResponse is returned from a successful POST /auth/login.
type LoginResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
}

// LoginFailureResponse is returned with 401 for bad credentials.
type LoginFailureResponse struct {
	Error             string `json:"error"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

// LockoutResponse is returned with 429 while an address is locked out.
type LockoutResponse struct {
	Error       string `json:"error"`
	LockedUntil string `json:"lockedUntil"`
}

// SuccessResponse is returned from POST /auth/logout.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// CheckSessionResponse is returned from GET /auth/check.
type CheckSessionResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
}

// IngestResponse is returned from POST /status.
type IngestResponse struct {
	Success           bool `json:"success"`
	Count             int  `json:"count"`
	SignatureVerified bool `json:"signatureVerified"`
}

// StatusResponse is returned from GET /status.
type StatusResponse = status.Snapshot

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/homepage360/signing"
	"github.com/jmcleod/homepage360/users"
)

const (
	testPassword   = "correct horse battery staple"
	testCurrentKey = "current-agent-key"
	testPrevKey    = "previous-agent-key"
)

// fakeClock is a manually advanced time source shared by every component
// under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	api    *API
	server *httptest.Server
	client *http.Client
	clock  *fakeClock
	store  *users.FileStore
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	clock := newFakeClock()
	hasher, err := users.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	store := users.NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), users.User{Username: "alice", PasswordHash: hash}))

	keys, err := signing.NewKeySet(testCurrentKey, testPrevKey)
	require.NoError(t, err)

	base := []Option{
		WithClock(clock.Now),
		WithHasher(hasher),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	a, err := New(store, keys, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Mount("/api", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testEnv{api: a, server: srv, client: client, clock: clock, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp, out
}

func (e *testEnv) login(t *testing.T, username, password string, rememberMe bool) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(LoginRequest{Username: username, Password: password, RememberMe: rememberMe})
	require.NoError(t, err)
	return e.do(t, http.MethodPost, "/api/auth/login", body, nil)
}

func (e *testEnv) ingest(t *testing.T, body []byte, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/status", body, header)
}

func apiKeyHeader(key string) http.Header {
	h := http.Header{}
	h.Set(signing.HeaderAPIKey, key)
	return h
}

func signedHeader(key string, s signing.Signed) http.Header {
	h := apiKeyHeader(key)
	h.Set(signing.HeaderSignature, s.Signature)
	h.Set(signing.HeaderTimestamp, s.Timestamp)
	return h
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginThenCheck(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alice", body["username"])

	cookie := findCookie(resp, "homepage360_session")
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int((24 * time.Hour).Seconds()), cookie.MaxAge)
	assert.Len(t, cookie.Value, 64)

	resp, body = env.do(t, http.MethodGet, "/api/auth/check", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "alice", body["username"])

	u, err := env.store.Find(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, u.LastLogin)
	assert.True(t, env.clock.Now().Equal(*u.LastLogin))
}

func TestLogin_NormalizesUsername(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.login(t, "  alice ", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
}

func TestLogin_RememberMeCookie(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.login(t, "alice", testPassword, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := findCookie(resp, "homepage360_session")
	require.NotNil(t, cookie)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), cookie.MaxAge)
}

func TestLogin_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{"username":"alice"}`, `{"password":"x"}`, `{"username":"  ","password":"x"}`} {
		resp, out := env.do(t, http.MethodPost, "/api/auth/login", []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "Username and password are required", out["error"])
	}

	resp, _ := env.do(t, http.MethodPost, "/api/auth/login", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Validation failures never count against the guard.
	resp, out := env.login(t, "alice", "wrong", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, float64(4), out["attemptsRemaining"])
}

func TestLogin_UniformFailureMessage(t *testing.T) {
	env := newTestEnv(t)

	resp, unknown := env.login(t, "mallory", "whatever", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, wrong := env.login(t, "alice", "wrong password", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, "Invalid username or password", unknown["error"])
	assert.Equal(t, unknown["error"], wrong["error"])
	assert.Equal(t, float64(4), unknown["attemptsRemaining"])
	assert.Equal(t, float64(3), wrong["attemptsRemaining"])
	assert.Nil(t, findCookie(resp, "homepage360_session"))
}

func TestLogin_LockoutAfterFiveFailures(t *testing.T) {
	env := newTestEnv(t)

	var fifth time.Time
	for i := 0; i < 5; i++ {
		env.clock.Advance(time.Second)
		fifth = env.clock.Now()
		resp, out := env.login(t, "alice", "wrong", false)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, float64(4-i), out["attemptsRemaining"])
	}

	// Correct credentials are refused while locked.
	resp, out := env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Too many failed attempts. Account locked.", out["error"])
	assert.Equal(t, "900", resp.Header.Get("Retry-After"))

	lockedUntil, err := time.Parse(time.RFC3339Nano, out["lockedUntil"].(string))
	require.NoError(t, err)
	assert.True(t, fifth.Add(15*time.Minute).Equal(lockedUntil))
	assert.Nil(t, findCookie(resp, "homepage360_session"))

	// Once the lock lapses the full budget is back.
	env.clock.Advance(15 * time.Minute)
	resp, _ = env.login(t, "alice", testPassword, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin_ParallelFailuresStopAtLimit(t *testing.T) {
	env := newTestEnv(t)
	body, err := json.Marshal(LoginRequest{Username: "alice", Password: "wrong"})
	require.NoError(t, err)

	type result struct {
		code      int
		remaining any
	}
	results := make(chan result, 30)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(env.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
			if err != nil {
				results <- result{code: -1}
				return
			}
			defer resp.Body.Close()
			var out map[string]any
			json.NewDecoder(resp.Body).Decode(&out)
			results <- result{code: resp.StatusCode, remaining: out["attemptsRemaining"]}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[int]int{}
	var remaining []any
	for res := range results {
		counts[res.code]++
		if res.code == http.StatusUnauthorized {
			remaining = append(remaining, res.remaining)
		}
	}
	assert.Equal(t, 5, counts[http.StatusUnauthorized], "only five passwords are checked")
	assert.Equal(t, 25, counts[http.StatusTooManyRequests])
	assert.ElementsMatch(t, []any{float64(4), float64(3), float64(2), float64(1), float64(0)}, remaining)
}

func TestLogin_SuccessClearsFailures(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.login(t, "alice", "wrong", false)
	}
	resp, _ := env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := env.login(t, "alice", "wrong", false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, float64(4), out["attemptsRemaining"])
}

func TestSession_ExpiresAfter24Hours(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 7; i++ {
		env.clock.Advance(3 * time.Hour)
		resp, _ = env.do(t, http.MethodGet, "/api/auth/check", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "hour %d", (i+1)*3)
	}
	env.clock.Advance(3 * time.Hour)
	resp, out := env.do(t, http.MethodGet, "/api/auth/check", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", out["error"])
	assert.Zero(t, env.api.sessions.Len())
}

func TestSession_InactivityTimeout(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.login(t, "alice", testPassword, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Advance(4 * time.Hour)
	resp, _ = env.do(t, http.MethodGet, "/api/auth/check", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := findCookie(resp, "homepage360_session")
	require.NotNil(t, cleared, "an expired session clears the cookie")
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	// No session at all.
	resp, out := env.do(t, http.MethodPost, "/api/auth/logout", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	resp, _ = env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := findCookie(resp, "homepage360_session").Value

	for i := 0; i < 2; i++ {
		resp, out = env.do(t, http.MethodPost, "/api/auth/logout", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, out["success"])
		cleared := findCookie(resp, "homepage360_session")
		require.NotNil(t, cleared)
		assert.Equal(t, -1, cleared.MaxAge)
	}

	assert.False(t, env.api.sessions.Validate(token).Valid)
	resp, _ = env.do(t, http.MethodGet, "/api/auth/check", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthGate_APIRequestsGet401(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", out["error"])
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestAuthGate_NavigationRedirects(t *testing.T) {
	env := newTestEnv(t)
	var reached string
	h := env.api.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = UsernameFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login.html", rec.Header().Get("Location"))
	assert.Empty(t, reached)

	s, err := env.api.sessions.Create("alice", false, "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(&http.Cookie{Name: "homepage360_session", Value: s.Token})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", reached)
}

func TestIngest_UnsignedScenario(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"statuses":[{"name":"router","host":"192.168.1.1","alive":true,"latency":12.7}]}`)
	resp, out := env.ingest(t, body, apiKeyHeader(testCurrentKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"success": true, "count": float64(1), "signatureVerified": false}, out)

	resp, _ = env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = env.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := out["devices"].([]any)
	require.Len(t, devices, 1)
	device := devices[0].(map[string]any)
	assert.Equal(t, "router", device["name"])
	assert.Equal(t, "192.168.1.1", device["host"])
	assert.Equal(t, true, device["alive"])
	assert.Equal(t, float64(13), device["latency"])
	assert.NotEmpty(t, out["lastUpdate"])
}

func TestIngest_APIKey(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"statuses":[]}`)

	for _, h := range []http.Header{nil, apiKeyHeader("wrong")} {
		resp, out := env.ingest(t, body, h)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid or missing API key", out["error"])
	}

	resp, _ := env.ingest(t, body, apiKeyHeader(testPrevKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "previous key is accepted during rotation")
}

func TestIngest_BatchLimits(t *testing.T) {
	env := newTestEnv(t)

	batch := func(n int, bad int) []byte {
		items := make([]map[string]any, n)
		for i := range items {
			items[i] = map[string]any{"name": "d" + time.Duration(i).String(), "host": "h", "alive": true, "latency": 1}
		}
		if bad >= 0 {
			items[bad]["latency"] = -1
		}
		out, err := json.Marshal(map[string]any{"statuses": items})
		require.NoError(t, err)
		return out
	}

	resp, out := env.ingest(t, batch(101, -1), apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "max 100")
	assert.Zero(t, env.api.Statuses().Len(), "oversized batch is rejected wholesale")

	resp, out = env.ingest(t, batch(100, 42), apiKeyHeader(testCurrentKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(99), out["count"])
	assert.Equal(t, 99, env.api.Statuses().Len())
}

func TestIngest_MalformedAndOversize(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.ingest(t, []byte(`{"devices":[]}`), apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid payload: expected { statuses: [...] }", out["error"])

	big := append([]byte(`{"statuses":[],"pad":"`), bytes.Repeat([]byte("x"), 10<<10)...)
	big = append(big, `"}`...)
	resp, _ = env.ingest(t, big, apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestIngest_Signatures(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"statuses":[{"name":"nas","host":"10.0.0.5","alive":false,"latency":null}]}`)

	signed := signing.SignBody(body, []byte(testCurrentKey), env.clock.Now())
	resp, out := env.ingest(t, signed.Body, signedHeader(testCurrentKey, signed))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["signatureVerified"])

	prev := signing.SignBody(body, []byte(testPrevKey), env.clock.Now())
	resp, out = env.ingest(t, prev.Body, signedHeader(testCurrentKey, prev))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["signatureVerified"], "previous key signs during rotation")

	env.clock.Advance(5*time.Minute + time.Millisecond)
	resp, out = env.ingest(t, signed.Body, signedHeader(testCurrentKey, signed))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Request timestamp expired", out["error"])

	foreign := signing.SignBody(body, []byte("someone-else"), env.clock.Now())
	resp, out = env.ingest(t, foreign.Body, signedHeader(testCurrentKey, foreign))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid signature", out["error"])

	tampered := signing.SignBody(body, []byte(testCurrentKey), env.clock.Now())
	resp, _ = env.ingest(t, bytes.Replace(body, []byte("nas"), []byte("nas2"), 1), signedHeader(testCurrentKey, tampered))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h := apiKeyHeader(testCurrentKey)
	h.Set(signing.HeaderSignature, signed.Signature)
	h.Set(signing.HeaderTimestamp, "yesterday")
	resp, out = env.ingest(t, body, h)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid timestamp", out["error"])
}

func TestIngest_RequireSignature(t *testing.T) {
	cfg := DefaultIngestConfig()
	cfg.RequireSignature = true
	env := newTestEnv(t, WithIngestConfig(cfg))
	body := []byte(`{"statuses":[]}`)

	resp, out := env.ingest(t, body, apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Missing request signature", out["error"])

	signed := signing.SignBody(body, []byte(testCurrentKey), env.clock.Now())
	resp, _ = env.ingest(t, signed.Body, signedHeader(testCurrentKey, signed))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngest_RateLimited(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(RateLimitConfig{Requests: 3, Window: time.Minute, Cleanup: time.Minute}))
	body := []byte(`{"statuses":[]}`)
	for i := 0; i < 3; i++ {
		resp, _ := env.ingest(t, body, apiKeyHeader(testCurrentKey))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := env.ingest(t, body, apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Too many requests", out["error"])
	assert.Equal(t, "20", resp.Header.Get("Retry-After"))

	env.clock.Advance(21 * time.Second)
	resp, _ = env.ingest(t, body, apiKeyHeader(testCurrentKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(90 * time.Second)
	resp, out := env.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, float64(90), out["uptime"])
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice", "wrong", false)
	env.ingest(t, []byte(`{"statuses":[]}`), apiKeyHeader("wrong"))

	rec := httptest.NewRecorder()
	env.api.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `homepage360_audit_events_total{event="login_failure"} 1`)
	assert.Contains(t, text, `homepage360_audit_events_total{event="api_key_rejected"} 1`)
	assert.Contains(t, text, "homepage360_sessions 0")
}

func TestSweepSessions(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.login(t, "alice", testPassword, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, env.api.sessions.Len())

	env.clock.Advance(5 * time.Hour)
	assert.Equal(t, 1, env.api.SweepSessions())
	assert.Zero(t, env.api.sessions.Len())
}

func TestStartMaintenance_StopsCleanly(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	stop := env.api.StartMaintenance(ctx)
	cancel()
	stop()
	stop()
}

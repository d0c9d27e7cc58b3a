package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/domain"
	"github.com/alanyoungcy/riskguard/internal/server/handler"
	"github.com/alanyoungcy/riskguard/internal/server/middleware"
	"github.com/alanyoungcy/riskguard/internal/service"
)

type fakeMonitor struct {
	mu     sync.Mutex
	closed []string
	err    error
}

func (f *fakeMonitor) Status() service.MonitorStatus {
	return service.MonitorStatus{Running: true, OpenPositions: 2}
}

func (f *fakeMonitor) CloseNow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, id)
	return nil
}

type fakeAdjuster struct{}

func (fakeAdjuster) Status() service.AdjusterStatus { return service.AdjusterStatus{Running: true} }

func (fakeAdjuster) Stats() domain.AdjustmentStats {
	return domain.AdjustmentStats{Total: 3, Succeeded: 2, Failed: 1, SuccessRate: 2.0 / 3,
		ByReason: map[domain.AdjustmentReason]int{domain.ReasonTrailingStop: 3}, Window: 500}
}

func (fakeAdjuster) Recent(limit int) []domain.AdjustmentRecord {
	out := []domain.AdjustmentRecord{{ID: "r3"}, {ID: "r2"}, {ID: "r1"}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

type fakeBreaker struct {
	mu    sync.Mutex
	state domain.BreakerState
}

func (f *fakeBreaker) State(context.Context) domain.BreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBreaker) Reset(context.Context) domain.BreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.BreakerState{Phase: domain.BreakerArmed}
	return f.state
}

type fakeBook struct{ positions []domain.Position }

func (f fakeBook) Snapshot() []domain.Position { return f.positions }

type fakePlanner struct{}

func (fakePlanner) Plan(_ context.Context, req service.EntryRequest) (service.EntryPlan, error) {
	switch req.Instrument {
	case "TRIPPED":
		return service.EntryPlan{}, fmt.Errorf("entry_gate: %w", domain.ErrBreakerTripped)
	case "":
		return service.EntryPlan{}, fmt.Errorf("entry_gate: %w", domain.ErrInvalidInput)
	}
	return service.EntryPlan{Instrument: req.Instrument, Side: req.Side, Quantity: 10, TakeProfit: 110, StopLoss: 95}, nil
}

type fakeLimiter struct {
	mu    sync.Mutex
	count map[string]int
	err   error
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.count == nil {
		f.count = make(map[string]int)
	}
	f.count[key]++
	return f.count[key] <= limit, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	monitor *fakeMonitor
	breaker *fakeBreaker
	handler http.Handler
}

func newFixture(cfg Config, limiter *fakeLimiter) *fixture {
	log := quietLogger()
	mon := &fakeMonitor{}
	brk := &fakeBreaker{state: domain.BreakerState{Phase: domain.BreakerTripped, TripCount: 1}}
	book := fakeBook{positions: []domain.Position{
		{ID: "p2", Instrument: "ETH-USD", OpenedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "p1", Instrument: "BTC-USD", OpenedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}}
	h := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		}, log),
		Status:      handler.NewStatusHandler("guard", mon, fakeAdjuster{}, brk),
		Positions:   handler.NewPositionHandler(book, mon, log),
		Adjustments: handler.NewAdjustmentHandler(fakeAdjuster{}, nil, log),
		Breaker:     handler.NewBreakerHandler(brk, log),
		Entries:     handler.NewEntryHandler(fakePlanner{}, log),
	}
	var l middleware.Limiter
	if limiter != nil {
		l = limiter
	}
	return &fixture{monitor: mon, breaker: brk, handler: NewHandler(cfg, h, l, log)}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_HealthIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{APIKey: "secret"}, nil)

	rec := f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])

	rec = f.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/status", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/status", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_HealthDegraded(t *testing.T) {
	t.Parallel()
	h := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, quietLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)
	rec := f.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode    string `json:"mode"`
		Monitor struct {
			Running       bool `json:"running"`
			OpenPositions int  `json:"open_positions"`
		} `json:"monitor"`
		Breaker struct {
			Phase string `json:"phase"`
		} `json:"breaker"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "guard", body.Mode)
	assert.True(t, body.Monitor.Running)
	assert.Equal(t, 2, body.Monitor.OpenPositions)
	assert.Equal(t, "TRIPPED", body.Breaker.Phase)
}

func TestServer_PositionsOldestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)
	rec := f.do(t, http.MethodGet, "/api/positions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Positions []domain.Position `json:"positions"`
		Count     int               `json:"count"`
	}
	decode(t, rec, &body)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "p1", body.Positions[0].ID)
	assert.Equal(t, "p2", body.Positions[1].ID)
}

func TestServer_ManualClose(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)

	rec := f.do(t, http.MethodPost, "/api/positions/p1/close", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, f.monitor.closed)

	f.monitor.err = fmt.Errorf("position_monitor: close p9: %w", domain.ErrNotFound)
	rec = f.do(t, http.MethodPost, "/api/positions/p9/close", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/positions/p1/close", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Adjustments(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)

	rec := f.do(t, http.MethodGet, "/api/adjustments?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Adjustments []domain.AdjustmentRecord `json:"adjustments"`
		Source      string                    `json:"source"`
	}
	decode(t, rec, &list)
	assert.Equal(t, "memory", list.Source)
	require.Len(t, list.Adjustments, 2)
	assert.Equal(t, "r3", list.Adjustments[0].ID)

	rec = f.do(t, http.MethodGet, "/api/adjustments?source=store", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/adjustments/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.AdjustmentStats
	decode(t, rec, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByReason[domain.ReasonTrailingStop])
}

func TestServer_BreakerReset(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)

	rec := f.do(t, http.MethodGet, "/api/breaker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"TRIPPED"`)

	rec = f.do(t, http.MethodPost, "/api/breaker/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BreakerArmed, f.breaker.State(context.Background()).Phase)
}

func TestServer_EntryPlan(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{}, nil)

	rec := f.do(t, http.MethodPost, "/api/entries/plan",
		`{"instrument":"BTC-USD","side":"long","price":100,"equity":10000,"win_probability":0.6,"payoff_ratio":2,"volatility":2}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plan service.EntryPlan
	decode(t, rec, &plan)
	assert.Equal(t, "BTC-USD", plan.Instrument)
	assert.Equal(t, 10.0, plan.Quantity)

	rec = f.do(t, http.MethodPost, "/api/entries/plan", `{"instrument":"TRIPPED","side":"long"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/entries/plan", `{"side":"long"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/entries/plan", `{"bogus":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RateLimit: 2, RateWindow: time.Minute}, &fakeLimiter{})
	hdr := map[string]string{"X-Forwarded-For": "10.0.0.1"}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/breaker", "", hdr).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/breaker", "", hdr).Code)
	rec := f.do(t, http.MethodGet, "/api/breaker", "", hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := map[string]string{"X-Forwarded-For": "10.0.0.2"}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/breaker", "", other).Code)
}

func TestServer_RateLimiterErrorFailsOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RateLimit: 1}, &fakeLimiter{err: errors.New("redis down")})
	for range 3 {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/breaker", "", nil).Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{APIKey: "secret", CORSOrigins: []string{"https://ops.example.com/"}}, nil)
	preflight := func(origin, method string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodOptions, "/api/positions/p1/close", "", map[string]string{
			"Origin":                         origin,
			"Access-Control-Request-Method":  method,
			"Access-Control-Request-Headers": "authorization",
		})
	}

	rec := preflight("https://ops.example.com", http.MethodPost)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")

	rec = preflight("https://ops.example.com", http.MethodDelete)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight("https://evil.example.com", http.MethodPost)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORSSimpleRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{APIKey: "secret", CORSOrigins: []string{"https://ops.example.com"}}, nil)

	rec := f.do(t, http.MethodGet, "/api/status", "", map[string]string{
		"Origin":        "https://OPS.example.com",
		"Authorization": "Bearer secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))

	rec = f.do(t, http.MethodGet, "/api/status", "", map[string]string{
		"Origin":        "https://evil.example.com",
		"Authorization": "Bearer secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code, "the browser enforces the missing header")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	closed := newFixture(Config{}, nil)
	rec = closed.do(t, http.MethodOptions, "/api/status", "", map[string]string{
		"Origin":                        "https://ops.example.com",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "no configured origins admits none")

	open := newFixture(Config{CORSOrigins: []string{"*"}}, nil)
	rec = open.do(t, http.MethodOptions, "/api/status", "", map[string]string{
		"Origin":                        "https://anywhere.example.com",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_AuthRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{APIKey: "secret"}, nil)

	rec := f.do(t, http.MethodPost, "/api/breaker/reset", "", map[string]string{"Authorization": "Bearer "})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="riskguard"`, rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "missing api key", body["error"])

	rec = f.do(t, http.MethodPost, "/api/breaker/reset", "", map[string]string{"X-API-Key": "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, "invalid api key", body["error"])

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{APIKey: "secret"}, nil)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

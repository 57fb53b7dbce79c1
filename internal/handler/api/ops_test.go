package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SigGate/internal/domain/models"
	"SigGate/internal/gate"
	"SigGate/internal/guard"
	"SigGate/internal/router"
	"SigGate/internal/throttle"
	"SigGate/pkg/cache"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

type busRecorder struct {
	mu   sync.Mutex
	subs map[string][]func(ctx context.Context, payload interface{})
}

func newBusRecorder() *busRecorder {
	return &busRecorder{subs: make(map[string][]func(context.Context, interface{}))}
}

func (b *busRecorder) Publish(ctx context.Context, topic string, payload interface{}) error {
	b.mu.Lock()
	handlers := make([]func(context.Context, interface{}), len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (b *busRecorder) Subscribe(topic string, fn func(ctx context.Context, payload interface{})) func() {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], fn)
	b.mu.Unlock()
	return func() {}
}

func (b *busRecorder) Close() error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(stage, outcome, reason string) {}
func (nopMetrics) RecordScore(stage string, score float64)     {}
func (nopMetrics) RecordLatency(op string, seconds float64)    {}
func (nopMetrics) RecordError(kind string)                     {}
func (nopMetrics) SetGuardMode(severity int)                   {}
func (nopMetrics) SetBrakeActive(active bool)                  {}

func newTestHandler(t *testing.T) (*OpsHandler, *busRecorder, *echo.Echo) {
	t.Helper()
	cfg := config.Default()
	b := newBusRecorder()
	l := logger.Nop()
	m := nopMetrics{}

	g := gate.New(b, m, l, sched.New(), cache.NewMemoryStore(), cfg.Gate)
	r := router.New(b, m, l, sched.New(), cfg.Router)
	th := throttle.New(b, m, l, sched.New(), cfg.Throttle)
	gd := guard.New(b, m, l, sched.New(), cfg.Guard)

	h := NewOpsHandler(l, cfg, b, g, r, th, gd)
	t.Cleanup(h.Close)

	e := echo.New()
	h.RegisterRoutes(e)
	return h, b, e
}

func TestHealthEndpoint(t *testing.T) {
	_, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestPipelineStatsIncludesAllStages(t *testing.T) {
	_, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/pipeline/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"gate"`)
	assert.Contains(t, body, `"router"`)
	assert.Contains(t, body, `"throttle"`)
	assert.Contains(t, body, `"guard"`)
}

func TestGuardStateEndpoint(t *testing.T) {
	_, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/guard/state", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"normal"`)
}

func TestReconfigureRouterApplies(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := strings.NewReader(`{"MinConfidence":0.75}`)
	req := httptest.NewRequest(http.MethodPost, "/api/config/router", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"applied"`)
	assert.InDelta(t, 0.75, h.cfg.Router.MinConfidence, 1e-9)
}

func TestReconfigureRejectsBadValues(t *testing.T) {
	h, _, e := newTestHandler(t)
	before := h.cfg.Router.MinConfidence

	body := strings.NewReader(`{"MinConfidence":1.5}`)
	req := httptest.NewRequest(http.MethodPost, "/api/config/router", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":400`)
	assert.Contains(t, rec.Body.String(), "ERR_LTE")
	assert.InDelta(t, before, h.cfg.Router.MinConfidence, 1e-9)
}

func TestReconfigureUnknownComponent(t *testing.T) {
	_, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/config/widget", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "unknown component")
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")
}

func TestLogsEndpointReturnsCollected(t *testing.T) {
	_, b, e := newTestHandler(t)

	entries := []logger.AggregatedLogEntry{
		{Level: "warn", Message: "feed reconnect", Count: 3},
		{Level: "info", Message: "window closed", Count: 12},
	}
	require.NoError(t, b.Publish(context.Background(), models.TopicOpsLogs, entries))

	req := httptest.NewRequest(http.MethodGet, "/api/ops/logs?limit=1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "window closed")
	assert.NotContains(t, body, "feed reconnect")
}

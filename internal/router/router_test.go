package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SigGate/internal/domain/models"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

type busRecorder struct {
	mu     sync.Mutex
	topics map[string][]interface{}
	subs   map[string][]func(ctx context.Context, payload interface{})
}

func newBusRecorder() *busRecorder {
	return &busRecorder{
		topics: make(map[string][]interface{}),
		subs:   make(map[string][]func(context.Context, interface{})),
	}
}

func (b *busRecorder) Publish(ctx context.Context, topic string, payload interface{}) error {
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], payload)
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

func (b *busRecorder) published(topic string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]interface{}(nil), b.topics[topic]...)
}

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(stage, outcome, reason string) {}
func (nopMetrics) RecordScore(stage string, score float64)     {}
func (nopMetrics) RecordLatency(op string, seconds float64)    {}
func (nopMetrics) RecordError(kind string)                     {}
func (nopMetrics) SetGuardMode(severity int)                   {}
func (nopMetrics) SetBrakeActive(active bool)                  {}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// The clock sits far in the future so window close timers never fire on
// their own; tests drive closure explicitly.
func newTestRouter(t *testing.T) (*Router, *busRecorder, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)}
	b := newBusRecorder()
	r := New(b, nopMetrics{}, logger.Nop(), sched.New(), config.Default().Router)
	r.now = clk.now
	return r, b, clk
}

func envelope(id string, trend, rr, flow float64, at time.Time) models.CleanSignalEnvelope {
	return models.CleanSignalEnvelope{
		Signal: models.RawSignal{
			SignalID:  id,
			Symbol:    "ETHUSDT",
			Side:      models.SideLong,
			Timeframe: "5m",
			Source:    "core_analyzer",
			Features: models.FeatureVector{
				TrendStrength: trend,
				RiskReward:    rr,
				Volatility:    0.3,
				OrderFlowBias: flow,
			},
			BarClosed: true,
			Timestamp: at,
		},
		Quality:    0.8,
		Tier:       models.TierCore,
		AcceptedAt: at,
	}
}

func closeOpenWindow(t *testing.T, r *Router, key string) {
	t.Helper()
	r.mu.Lock()
	w, ok := r.windows[key]
	require.True(t, ok, "no open window for %s", key)
	deadline := w.deadline
	r.mu.Unlock()
	r.closeWindow(key, deadline)
}

const routeKey = "ETHUSDT|long|5m"

func TestRouterApprovesBestQualifiedSignal(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	// Scores around 0.51, 0.825 and 0.645 against the 0.62 floor.
	low := envelope("sig-low", 0.2, 1.2, 0, clk.now())
	high := envelope("sig-high", 0.8, 2.4, 0.4, clk.now())
	mid := envelope("sig-mid", 0.4, 1.8, 0.2, clk.now())
	r.handleEnvelope(ctx, low)
	r.handleEnvelope(ctx, high)
	r.handleEnvelope(ctx, mid)

	closeOpenWindow(t, r, routeKey)

	intents := b.published(models.TopicIntentProposed)
	require.Len(t, intents, 1)
	intent := intents[0].(models.ExecutionIntent)
	assert.Equal(t, "sig-high", intent.SignalID)
	assert.NotEmpty(t, intent.CorrelationID)
	assert.Greater(t, intent.Confidence, 0.62)

	outs := b.published(models.TopicIntentRejected)
	require.Len(t, outs, 2)
	reasons := map[string]string{}
	for _, o := range outs {
		so := o.(models.SignalOutcome)
		reasons[so.SignalID] = so.Reasons[0]
	}
	assert.Equal(t, models.ReasonLowScore, reasons["sig-low"])
	assert.Equal(t, models.ReasonConflictingSignal, reasons["sig-mid"])
	assert.Equal(t, uint64(1), r.Snapshot().Approved)
}

func TestRouterPublishesDecisionRecord(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleEnvelope(ctx, envelope("sig-a", 0.8, 2.4, 0.4, clk.now()))
	r.handleEnvelope(ctx, envelope("sig-b", 0.4, 1.8, 0.2, clk.now()))
	closeOpenWindow(t, r, routeKey)

	records := b.published(models.TopicRouterDecision)
	require.Len(t, records, 1)
	rec := records[0].(models.RouterDecision)
	assert.Equal(t, models.DecisionApprove, rec.Decision)
	assert.Equal(t, "sig-a", rec.SignalID)
	assert.Equal(t, "ETHUSDT", rec.Symbol)
	assert.Equal(t, 2, rec.Candidates)
	assert.NotEmpty(t, rec.CorrelationID)

	intents := b.published(models.TopicIntentProposed)
	require.Len(t, intents, 1)
	assert.Equal(t, rec.CorrelationID, intents[0].(models.ExecutionIntent).CorrelationID)
}

func TestRouterRejectsDuplicateIDInWindow(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	env := envelope("sig-dup", 0.8, 2.4, 0.4, clk.now())
	r.handleEnvelope(ctx, env)
	r.handleEnvelope(ctx, env)

	outs := b.published(models.TopicIntentRejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonDuplicateInWindow}, outs[0].(models.SignalOutcome).Reasons)

	r.mu.Lock()
	assert.Len(t, r.windows[routeKey].envelopes, 1)
	r.mu.Unlock()
}

func TestRouterNoViableSignal(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleEnvelope(ctx, envelope("sig-weak", 0.2, 1.2, 0, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Empty(t, b.published(models.TopicIntentProposed))
	outs := b.published(models.TopicIntentRejected)
	// One per-envelope low_score reject plus the window-level outcome.
	require.Len(t, outs, 2)
	assert.Equal(t, []string{models.ReasonNoViableSignal}, outs[1].(models.SignalOutcome).Reasons)
}

func TestRouterSafetyGateHold(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleGate(ctx, models.LiviaGate{Symbol: "ETHUSDT", State: "hold"})
	r.handleEnvelope(ctx, envelope("sig-hold", 0.8, 2.4, 0.4, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Empty(t, b.published(models.TopicIntentProposed))
	outs := b.published(models.TopicIntentRejected)
	require.NotEmpty(t, outs)
	assert.Equal(t, []string{models.ReasonSafetyHold}, outs[0].(models.SignalOutcome).Reasons)
}

func TestRouterSafetyGateDegradedDefers(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleGate(ctx, models.LiviaGate{Symbol: "ETHUSDT", State: "degraded"})
	r.handleEnvelope(ctx, envelope("sig-deg", 0.8, 2.4, 0.4, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Empty(t, b.published(models.TopicIntentProposed))
	outs := b.published(models.TopicIntentRejected)
	require.Len(t, outs, 1)
	so := outs[0].(models.SignalOutcome)
	assert.Equal(t, "defer", so.Outcome)
	assert.Equal(t, []string{models.ReasonSafetyDegraded}, so.Reasons)
}

func TestRouterGuardHaltDefersWinner(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeHaltEntry.String(),
		Severity:  int(models.ModeHaltEntry),
		ExpiresAt: clk.now().Add(time.Minute),
	})
	r.handleEnvelope(ctx, envelope("sig-halt", 0.8, 2.4, 0.4, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Empty(t, b.published(models.TopicIntentProposed))
	outs := b.published(models.TopicIntentRejected)
	require.Len(t, outs, 1)
	so := outs[0].(models.SignalOutcome)
	assert.Equal(t, "defer", so.Outcome)
	assert.Equal(t, []string{models.ReasonGuardHalt}, so.Reasons)
}

func TestRouterSlowdownRaisesThreshold(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeSlowdown.String(),
		Severity:  int(models.ModeSlowdown),
		ExpiresAt: clk.now().Add(time.Minute),
	})

	// Scores ~0.645: above the 0.62 floor, below the tightened 0.67.
	r.handleEnvelope(ctx, envelope("sig-margin", 0.4, 1.8, 0.2, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Empty(t, b.published(models.TopicIntentProposed))
	outs := b.published(models.TopicIntentRejected)
	require.Len(t, outs, 1)
	so := outs[0].(models.SignalOutcome)
	assert.Equal(t, "reject", so.Outcome)
	assert.Equal(t, []string{models.ReasonLowScore}, so.Reasons)
}

func TestRouterGuardCapsAggressiveVariant(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	env := envelope("sig-cap", 0.8, 2.4, 0.4, clk.now())
	score := scoreEnvelope(r.cfg, env, models.PsyState{Stability: 1})
	require.GreaterOrEqual(t, score, r.cfg.AggressiveMin)

	r.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeBlockAggressive.String(),
		Severity:  int(models.ModeBlockAggressive),
		ExpiresAt: clk.now().Add(time.Minute),
	})
	r.handleEnvelope(ctx, env)
	closeOpenWindow(t, r, routeKey)

	intents := b.published(models.TopicIntentProposed)
	require.Len(t, intents, 1)
	assert.Equal(t, models.VariantBase, intents[0].(models.ExecutionIntent).Variant)
}

func TestRouterExpiredDirectiveIsIgnored(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeHaltEntry.String(),
		Severity:  int(models.ModeHaltEntry),
		ExpiresAt: clk.now().Add(time.Second),
	})
	clk.advance(5 * time.Second)

	r.handleEnvelope(ctx, envelope("sig-exp", 0.8, 2.4, 0.4, clk.now()))
	closeOpenWindow(t, r, routeKey)

	assert.Len(t, b.published(models.TopicIntentProposed), 1)
}

func TestRouterTieBreakMostRecent(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	cfg := config.Default().Router
	cfg.TieBreak = "most_recent"
	require.NoError(t, r.Configure(cfg))

	older := envelope("sig-old", 0.8, 2.4, 0.4, clk.now().Add(-2*time.Second))
	newer := envelope("sig-new", 0.8, 2.4, 0.4, clk.now())
	r.handleEnvelope(ctx, older)
	r.handleEnvelope(ctx, newer)
	closeOpenWindow(t, r, routeKey)

	intents := b.published(models.TopicIntentProposed)
	require.Len(t, intents, 1)
	assert.Equal(t, "sig-new", intents[0].(models.ExecutionIntent).SignalID)
}

func TestRouterStaleCloseTimerIsNoOp(t *testing.T) {
	r, b, clk := newTestRouter(t)
	ctx := context.Background()

	r.handleEnvelope(ctx, envelope("sig-live", 0.8, 2.4, 0.4, clk.now()))
	r.closeWindow(routeKey, clk.now().Add(-time.Hour))

	assert.Empty(t, b.published(models.TopicIntentProposed))
	assert.Equal(t, 1, r.Snapshot().OpenWindows)
}

func TestRouterStopCancelsOpenWindows(t *testing.T) {
	r, _, clk := newTestRouter(t)
	r.handleEnvelope(context.Background(), envelope("sig-stop", 0.8, 2.4, 0.4, clk.now()))

	// The task handle is visible as soon as the window is.
	r.mu.Lock()
	w := r.windows[routeKey]
	require.NotNil(t, w)
	require.NotNil(t, w.task)
	r.mu.Unlock()

	r.Stop()
	assert.Equal(t, 0, r.Snapshot().OpenWindows)
}

func TestSelectVariant(t *testing.T) {
	cfg := config.Default().Router
	stable := models.PsyState{Stability: 1}
	shaky := models.PsyState{Stability: 0.3}
	env := envelope("sig-v", 0.8, 2.4, 0.4, time.Now())

	assert.Equal(t, models.VariantAggressive, selectVariant(cfg, 0.85, stable, env))
	assert.Equal(t, models.VariantBase, selectVariant(cfg, 0.70, stable, env))
	assert.Equal(t, models.VariantConservative, selectVariant(cfg, 0.64, stable, env))
	assert.Equal(t, models.VariantConservative, selectVariant(cfg, 0.85, shaky, env))
}

package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SigGate/internal/domain/models"
	"SigGate/pkg/cache"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

// busRecorder is a synchronous in-process bus for tests.
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

func newTestGate(t *testing.T) (*Gate, *busRecorder, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBusRecorder()
	cfg := config.Default().Gate
	cfg.SourceTiers = map[string]string{"core_analyzer": "core"}
	g := New(b, nopMetrics{}, logger.Nop(), sched.New(), cache.NewMemoryStore(cache.WithClock(clk.now)), cfg)
	g.now = clk.now
	return g, b, clk
}

func rawSignal(id string, at time.Time) *models.RawSignal {
	return &models.RawSignal{
		SignalID:  id,
		Symbol:    "BTCUSDT",
		Side:      models.SideLong,
		Timeframe: "1m",
		Source:    "core_analyzer",
		Features:  models.FeatureVector{TrendStrength: 0.6, RiskReward: 2.0, Volatility: 0.3, OrderFlowBias: 0.4},
		BarClosed: true,
		Timestamp: at,
	}
}

func seedContext(g *Gate, clk *fakeClock) {
	g.handleMarketRef(context.Background(), models.MarketRef{
		Symbol:    "BTCUSDT",
		SpreadBps: 5,
		Timestamp: clk.now(),
	})
}

func TestGateAcceptsFreshSignal(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	sig := rawSignal("sig-1", clk.now().Add(-10*time.Second))
	g.handleRaw(context.Background(), sig)

	envs := b.published(models.TopicSignalEnvelope)
	require.Len(t, envs, 1)
	env := envs[0].(models.CleanSignalEnvelope)
	assert.Equal(t, "sig-1", env.Signal.SignalID)
	assert.Equal(t, models.TierCore, env.Tier)
	assert.GreaterOrEqual(t, env.Quality, 0.45)
	assert.LessOrEqual(t, env.Quality, 1.0)
	assert.InDelta(t, 10_000, env.FreshnessMs, 1)
	assert.Empty(t, b.published(models.TopicQARejected))
}

func TestGateRejectsStaleSignal(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	// 20s age against the 15s budget for 1m signals.
	sig := rawSignal("sig-stale", clk.now().Add(-20*time.Second))
	g.handleRaw(context.Background(), sig)

	assert.Empty(t, b.published(models.TopicSignalEnvelope))
	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	out := outs[0].(models.SignalOutcome)
	assert.Equal(t, []string{models.ReasonStale}, out.Reasons)
}

func TestGateRejectsFutureTimestamp(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	sig := rawSignal("sig-future", clk.now().Add(5*time.Second))
	g.handleRaw(context.Background(), sig)

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonClockSkew}, outs[0].(models.SignalOutcome).Reasons)
}

func TestGateRejectsInvalidPayload(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	sig := rawSignal("sig-bad", clk.now())
	sig.Symbol = ""
	g.handleRaw(context.Background(), sig)

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonInvalidPayload}, outs[0].(models.SignalOutcome).Reasons)
}

func TestGateDropsDuplicateSilently(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	sig := rawSignal("sig-dup", clk.now())
	g.handleRaw(context.Background(), sig)
	g.handleRaw(context.Background(), sig)

	assert.Len(t, b.published(models.TopicSignalEnvelope), 1)
	assert.Empty(t, b.published(models.TopicQARejected))
	assert.Equal(t, uint64(1), g.Snapshot().Duplicates)
}

func TestGateAcceptsRepeatAfterDedupWindow(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	g.handleRaw(context.Background(), rawSignal("sig-win", clk.now()))
	clk.advance(2 * time.Second)
	seedContext(g, clk)
	g.handleRaw(context.Background(), rawSignal("sig-win", clk.now()))

	assert.Len(t, b.published(models.TopicSignalEnvelope), 2)
}

func TestGateRejectsNontradableInstrument(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)
	g.handleExchangeInfo(context.Background(), models.ExchangeInfo{
		Symbol:   "BTCUSDT",
		Tradable: false,
	})

	g.handleRaw(context.Background(), rawSignal("sig-halted", clk.now()))

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonInstrumentUnavailable}, outs[0].(models.SignalOutcome).Reasons)
}

func TestGateDefersWithoutMarketContext(t *testing.T) {
	g, b, clk := newTestGate(t)

	sig := rawSignal("sig-ctx", clk.now())
	g.handleRaw(context.Background(), sig)

	defs := b.published(models.TopicQADeferred)
	require.Len(t, defs, 1)
	assert.Equal(t, []string{models.ReasonContextUnavailable}, defs[0].(models.SignalOutcome).Reasons)
	assert.Empty(t, b.published(models.TopicSignalEnvelope))

	// Context arrives; the parked signal passes on the next sweep.
	seedContext(g, clk)
	clk.advance(time.Second)
	g.sweepDeferred(clk.now())

	assert.Len(t, b.published(models.TopicSignalEnvelope), 1)
}

func TestGateDeferExhaustionRejects(t *testing.T) {
	g, b, clk := newTestGate(t)

	sig := rawSignal("sig-exhaust", clk.now())
	g.handleRaw(context.Background(), sig)

	// Never provide context; each sweep re-defers until attempts run out.
	for i := 0; i < 10; i++ {
		clk.advance(time.Second)
		g.sweepDeferred(clk.now())
	}

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonDeferExpired}, outs[0].(models.SignalOutcome).Reasons)
	assert.Equal(t, 0, g.Snapshot().Parked)
}

func TestGateOpenBarPolicies(t *testing.T) {
	t.Run("block", func(t *testing.T) {
		g, b, clk := newTestGate(t)
		seedContext(g, clk)
		require.NoError(t, g.Configure(withOpenBarPolicy(g, "block")))

		sig := rawSignal("sig-ob1", clk.now())
		sig.BarClosed = false
		g.handleRaw(context.Background(), sig)

		outs := b.published(models.TopicQARejected)
		require.Len(t, outs, 1)
		assert.Equal(t, []string{models.ReasonOpenBar}, outs[0].(models.SignalOutcome).Reasons)
	})

	t.Run("penalize tags the envelope", func(t *testing.T) {
		g, b, clk := newTestGate(t)
		seedContext(g, clk)

		sig := rawSignal("sig-ob2", clk.now())
		sig.BarClosed = false
		g.handleRaw(context.Background(), sig)

		envs := b.published(models.TopicSignalEnvelope)
		require.Len(t, envs, 1)
		env := envs[0].(models.CleanSignalEnvelope)
		assert.Contains(t, env.Tags, "open_bar")

		// The same signal bar-closed must score strictly higher.
		closed := rawSignal("sig-ob3", clk.now())
		g.handleRaw(context.Background(), closed)
		envs = b.published(models.TopicSignalEnvelope)
		require.Len(t, envs, 2)
		assert.Greater(t, envs[1].(models.CleanSignalEnvelope).Quality, env.Quality)
	})
}

func withOpenBarPolicy(g *Gate, policy string) config.GateConfig {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()
	cfg.OpenBarPolicy = policy
	return cfg
}

func TestGateRejectsIlliquidMarket(t *testing.T) {
	g, b, clk := newTestGate(t)
	g.handleMarketRef(context.Background(), models.MarketRef{
		Symbol:    "BTCUSDT",
		SpreadBps: 120,
		Timestamp: clk.now(),
	})

	g.handleRaw(context.Background(), rawSignal("sig-illq", clk.now()))

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonIlliquidMarket}, outs[0].(models.SignalOutcome).Reasons)
}

func TestGateRejectsAnomalousFeatures(t *testing.T) {
	g, b, clk := newTestGate(t)
	seedContext(g, clk)

	// Build a tight baseline around trend 0.5 so a far outlier trips the
	// z-score bound.
	g.mu.Lock()
	for i := 0; i < 30; i++ {
		jitter := 0.05
		if i%2 == 0 {
			jitter = -0.05
		}
		g.updateBaseline("BTCUSDT", models.FeatureVector{
			TrendStrength: 0.5 + jitter,
			RiskReward:    2.0 + jitter,
			Volatility:    0.3,
			OrderFlowBias: 0.4 + jitter,
		}, clk.now())
	}
	g.mu.Unlock()

	sig := rawSignal("sig-outlier", clk.now())
	sig.Features.TrendStrength = -0.9
	g.handleRaw(context.Background(), sig)

	outs := b.published(models.TopicQARejected)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonAnomalyDetected}, outs[0].(models.SignalOutcome).Reasons)
}

func TestGateQualityScoreBounds(t *testing.T) {
	weights := config.Default().Gate.Weights
	require.InDelta(t, 1.0, weights.Sum(), 1e-6)

	score := qualityScore(weights, scoreInputs{
		clampDelta: 0,
		age:        0,
		budget:     15 * time.Second,
		barClosed:  true,
		tier:       models.TierCore,
		maxAbsZ:    0,
		zBound:     3.5,
	})
	assert.InDelta(t, 1.0, score, 1e-9)

	worst := qualityScore(weights, scoreInputs{
		clampDelta: 1,
		age:        time.Minute,
		budget:     15 * time.Second,
		barClosed:  false,
		tags:       []string{models.ReasonHighVolatility, models.ReasonRegimeMismatch},
		tier:       models.TierExternal,
		maxAbsZ:    3.5,
		zBound:     3.5,
	})
	assert.GreaterOrEqual(t, worst, 0.0)
	assert.Less(t, worst, 0.5)
}

func TestGateConfigureRejectsBadWeights(t *testing.T) {
	g, _, _ := newTestGate(t)

	cfg := config.Default().Gate
	cfg.Weights.Validity = 0.5 // sum now over 1
	assert.Error(t, g.Configure(cfg))
}

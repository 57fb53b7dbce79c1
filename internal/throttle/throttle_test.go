package throttle

import (
	"context"
	"fmt"
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

func newTestThrottler(t *testing.T, cfg config.ThrottleConfig) (*Throttler, *busRecorder, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)}
	b := newBusRecorder()
	tr := New(b, nopMetrics{}, logger.Nop(), sched.New(), cfg)
	tr.now = clk.now
	return tr, b, clk
}

func singleRule(rule config.ThrottleRule) config.ThrottleConfig {
	cfg := config.Default().Throttle
	cfg.Rules = []config.ThrottleRule{rule}
	return cfg
}

func intent(id, symbol string) models.ExecutionIntent {
	return models.ExecutionIntent{
		CorrelationID: id,
		SignalID:      "sig-" + id,
		Symbol:        symbol,
		Side:          models.SideLong,
		Timeframe:     "5m",
		Source:        "core_analyzer",
		Variant:       models.VariantBase,
		Confidence:    0.7,
	}
}

func TestThrottleGlobalRuleDefersOverflow(t *testing.T) {
	tr, b, clk := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 10, Window: time.Minute, Cooldown: 30 * time.Second, Priority: 100,
	}))
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		tr.handleIntent(ctx, intent(fmt.Sprintf("c-%d", i), "BTCUSDT"))
	}

	assert.Len(t, b.published(models.TopicIntentAdmitted), 10)
	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 1)
	out := outs[0].(models.ThrottleOutcome)
	assert.Equal(t, "defer", out.Outcome)
	assert.Equal(t, "global", out.RuleID)
	assert.Equal(t, []string{models.ReasonRateLimited}, out.Reasons)

	// Once window and cooldown have both elapsed, the parked intent clears.
	clk.advance(2 * time.Minute)
	tr.sweepDeferred(clk.now())
	assert.Len(t, b.published(models.TopicIntentAdmitted), 11)
}

func TestThrottleCooldownDefersSubsequent(t *testing.T) {
	tr, b, clk := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 2, Window: time.Minute, Cooldown: 10 * time.Second, Priority: 100,
	}))
	ctx := context.Background()

	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-2", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-3", "BTCUSDT"))
	clk.advance(time.Second)
	tr.handleIntent(ctx, intent("c-4", "BTCUSDT"))

	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 2)
	assert.Equal(t, []string{models.ReasonRateLimited}, outs[0].(models.ThrottleOutcome).Reasons)
	second := outs[1].(models.ThrottleOutcome)
	assert.Equal(t, []string{models.ReasonCooldownActive}, second.Reasons)
	assert.LessOrEqual(t, second.RetryIn, 10*time.Second)
}

func TestThrottleRetryExhaustionRejects(t *testing.T) {
	cfg := singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 1, Window: time.Hour, Cooldown: 5 * time.Second, Priority: 100,
	})
	cfg.MaxRetryAttempts = 2
	tr, b, clk := newTestThrottler(t, cfg)
	ctx := context.Background()

	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-2", "BTCUSDT"))

	// Each sweep re-checks, fails on the still-exhausted window, and
	// re-defers until attempts run out.
	clk.advance(6 * time.Second)
	tr.sweepDeferred(clk.now())
	clk.advance(6 * time.Second)
	tr.sweepDeferred(clk.now())

	outs := b.published(models.TopicIntentThrottled)
	require.NotEmpty(t, outs)
	last := outs[len(outs)-1].(models.ThrottleOutcome)
	assert.Equal(t, "reject", last.Outcome)
	assert.Equal(t, []string{models.ReasonThrottleExpired}, last.Reasons)
	assert.Equal(t, 0, tr.Snapshot().Parked)
}

func TestThrottleEmergencyBrake(t *testing.T) {
	cfg := singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 100, Window: time.Minute, Cooldown: time.Second, Priority: 100,
	})
	cfg.BrakeThreshold = 5
	cfg.BrakeWindow = time.Minute
	tr, b, clk := newTestThrottler(t, cfg)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		tr.handleIntent(ctx, intent(fmt.Sprintf("c-%d", i), "BTCUSDT"))
	}

	assert.Len(t, b.published(models.TopicIntentAdmitted), 5)
	require.Len(t, b.published(models.TopicBrakeActivated), 1)
	ev := b.published(models.TopicBrakeActivated)[0].(models.BrakeEvent)
	assert.True(t, ev.Active)
	assert.True(t, tr.Snapshot().BrakeActive)

	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 2)
	for _, o := range outs {
		assert.Equal(t, []string{models.ReasonEmergencyBrake}, o.(models.ThrottleOutcome).Reasons)
	}

	// Pressure subsides below half the threshold: brake releases.
	clk.advance(61 * time.Second)
	tr.sweepExpired(clk.now())
	require.Len(t, b.published(models.TopicBrakeDeactivated), 1)
	assert.False(t, tr.Snapshot().BrakeActive)

	tr.handleIntent(ctx, intent("c-after", "BTCUSDT"))
	assert.Len(t, b.published(models.TopicIntentAdmitted), 6)
}

func TestThrottleGuardHaltRejects(t *testing.T) {
	tr, b, clk := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 10, Window: time.Minute, Cooldown: time.Second, Priority: 100,
	}))
	ctx := context.Background()

	tr.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeHaltEntry.String(),
		Severity:  int(models.ModeHaltEntry),
		ExpiresAt: clk.now().Add(time.Minute),
	})
	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))

	assert.Empty(t, b.published(models.TopicIntentAdmitted))
	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonGuardHalt}, outs[0].(models.ThrottleOutcome).Reasons)

	// Expired directives stop applying.
	clk.advance(2 * time.Minute)
	tr.handleIntent(ctx, intent("c-2", "BTCUSDT"))
	assert.Len(t, b.published(models.TopicIntentAdmitted), 1)
}

func TestThrottleSlowdownHalvesCapacity(t *testing.T) {
	tr, b, clk := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "global", Scope: "global", Max: 4, Window: time.Minute, Cooldown: 30 * time.Second, Priority: 100,
	}))
	ctx := context.Background()

	tr.handleDirective(ctx, models.GuardDirective{
		Mode:      models.ModeSlowdown.String(),
		Severity:  int(models.ModeSlowdown),
		ExpiresAt: clk.now().Add(time.Minute),
	})

	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-2", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-3", "BTCUSDT"))

	assert.Len(t, b.published(models.TopicIntentAdmitted), 2)
	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 1)
	assert.Equal(t, []string{models.ReasonRateLimited}, outs[0].(models.ThrottleOutcome).Reasons)
}

func TestThrottleInstrumentScope(t *testing.T) {
	tr, b, _ := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "per_instrument", Scope: "instrument", Max: 1, Window: 30 * time.Second, Cooldown: 20 * time.Second, Priority: 80,
	}))
	ctx := context.Background()

	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-2", "ETHUSDT"))
	tr.handleIntent(ctx, intent("c-3", "BTCUSDT"))

	assert.Len(t, b.published(models.TopicIntentAdmitted), 2)
	outs := b.published(models.TopicIntentThrottled)
	require.Len(t, outs, 1)
	assert.Equal(t, "per_instrument", outs[0].(models.ThrottleOutcome).RuleID)
}

func TestThrottleWindowGC(t *testing.T) {
	tr, _, clk := newTestThrottler(t, singleRule(config.ThrottleRule{
		ID: "per_instrument", Scope: "instrument", Max: 5, Window: 30 * time.Second, Cooldown: 20 * time.Second, Priority: 80,
	}))
	ctx := context.Background()

	tr.handleIntent(ctx, intent("c-1", "BTCUSDT"))
	tr.handleIntent(ctx, intent("c-2", "ETHUSDT"))
	assert.Equal(t, 2, tr.Snapshot().Windows)

	clk.advance(time.Minute)
	tr.sweepExpired(clk.now())
	assert.Equal(t, 0, tr.Snapshot().Windows)
}

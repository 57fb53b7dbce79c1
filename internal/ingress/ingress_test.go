package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SigGate/internal/domain/models"
	"SigGate/pkg/bus"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
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

func TestLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter()
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("BTCUSDT", 2, 1))
	assert.True(t, l.allow("BTCUSDT", 2, 1))
	assert.False(t, l.allow("BTCUSDT", 2, 1))

	// other keys have their own bucket
	assert.True(t, l.allow("ETHUSDT", 2, 1))

	now = now.Add(time.Second)
	assert.True(t, l.allow("BTCUSDT", 2, 1))
	assert.False(t, l.allow("BTCUSDT", 2, 1))
}

func TestLimiterCapsRefillAtCapacity(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter()
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("BTCUSDT", 1, 1))
	now = now.Add(time.Hour)
	assert.True(t, l.allow("BTCUSDT", 1, 1))
	assert.False(t, l.allow("BTCUSDT", 1, 1))
}

func TestClassifyTrending(t *testing.T) {
	mids := []float64{100}
	for i := 0; i < 30; i++ {
		mids = append(mids, mids[len(mids)-1]*1.001)
	}
	state, conf := classify(mids)
	assert.Equal(t, "trending", state)
	assert.Greater(t, conf, 0.5)
}

func TestClassifyHighVolatility(t *testing.T) {
	mids := []float64{100}
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			mids = append(mids, mids[len(mids)-1]*1.01)
		} else {
			mids = append(mids, mids[len(mids)-1]*0.99)
		}
	}
	state, conf := classify(mids)
	assert.Equal(t, "high_volatility", state)
	assert.InDelta(t, 0.95, conf, 0.001)
}

func TestClassifyChoppy(t *testing.T) {
	mids := []float64{100}
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			mids = append(mids, mids[len(mids)-1]*1.0001)
		} else {
			mids = append(mids, mids[len(mids)-1]*0.9999)
		}
	}
	state, conf := classify(mids)
	assert.Equal(t, "choppy", state)
	assert.InDelta(t, 0.6, conf, 0.001)
}

func TestRegimePublishesSnapshots(t *testing.T) {
	b := newBusRecorder()
	r := NewRegimeClassifier(b, logger.Nop())
	base := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	price := 100.0
	for i := 0; i < regimeMinSamples+5; i++ {
		price *= 1.001
		r.observe(&models.MarketRef{Symbol: "BTCUSDT", Bid: price - 0.01, Ask: price + 0.01, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	r.publish(context.Background(), base.Add(time.Minute))

	snaps := b.published(models.TopicRegimeSnapshot)
	require.Len(t, snaps, 1)
	snap := snaps[0].(models.RegimeSnapshot)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "trending", snap.State)
}

func TestRegimeSkipsThinSeries(t *testing.T) {
	b := newBusRecorder()
	r := NewRegimeClassifier(b, logger.Nop())
	base := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < regimeMinSamples-1; i++ {
		r.observe(&models.MarketRef{Symbol: "ETHUSDT", Last: 100, Timestamp: base})
	}
	r.publish(context.Background(), base)
	assert.Empty(t, b.published(models.TopicRegimeSnapshot))
}

func TestRegimeWindowIsBounded(t *testing.T) {
	b := newBusRecorder()
	r := NewRegimeClassifier(b, logger.Nop())
	base := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < regimeWindow*2; i++ {
		r.observe(&models.MarketRef{Symbol: "BTCUSDT", Last: 100, Timestamp: base})
	}
	r.mu.Lock()
	n := len(r.series["BTCUSDT"].mids)
	r.mu.Unlock()
	assert.Equal(t, regimeWindow, n)
}

func TestFeedFrameFansOutRefsAndHeartbeat(t *testing.T) {
	b := newBusRecorder()
	f := &MarketFeed{
		bus:     b,
		metrics: nopMetrics{},
		logger:  logger.Nop(),
		source:  "marketfeed",
		maxRPS:  50,
		pace:    newLimiter(),
		now:     time.Now,
		done:    make(chan struct{}),
	}

	raw := []byte(`{"type":"quote","data":[{"s":"BTCUSDT","b":99.9,"a":100.1,"p":100,"v":2,"t":1730000000000}]}`)
	f.handleFrame(context.Background(), raw)

	beats := b.published(models.TopicHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, "marketfeed", beats[0].(models.Heartbeat).Source)

	refs := b.published(models.TopicMarketRefs)
	require.Len(t, refs, 1)
	ref := refs[0].(models.MarketRef)
	assert.Equal(t, "BTCUSDT", ref.Symbol)
	assert.InDelta(t, 20.0, ref.SpreadBps, 0.01)
	assert.Equal(t, time.UnixMilli(1730000000000), ref.Timestamp)
	assert.InDelta(t, 200.0, ref.VolumeUSD, 0.001)
}

func TestFeedPacingDropsBurst(t *testing.T) {
	b := newBusRecorder()
	f := &MarketFeed{
		bus:     b,
		metrics: nopMetrics{},
		logger:  logger.Nop(),
		source:  "marketfeed",
		maxRPS:  2,
		pace:    newLimiter(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	f.pace.now = func() time.Time { return now }

	raw := []byte(`{"type":"trade","data":[{"s":"BTCUSDT","p":100,"v":1},{"s":"BTCUSDT","p":100,"v":1},{"s":"BTCUSDT","p":100,"v":1}]}`)
	f.handleFrame(context.Background(), raw)

	assert.Len(t, b.published(models.TopicMarketRefs), 2)
}

func TestFeedIgnoresUnknownFrames(t *testing.T) {
	b := newBusRecorder()
	f := &MarketFeed{
		bus:     b,
		metrics: nopMetrics{},
		logger:  logger.Nop(),
		source:  "marketfeed",
		maxRPS:  50,
		pace:    newLimiter(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	f.handleFrame(context.Background(), []byte(`{"type":"ping"}`))
	f.handleFrame(context.Background(), []byte(`not json`))
	assert.Empty(t, b.published(models.TopicHeartbeat))
	assert.Empty(t, b.published(models.TopicMarketRefs))
}

func TestForwarderPublishesRawJSON(t *testing.T) {
	b := newBusRecorder()
	f := &forwarder{kafkaTopic: "ext.signals", busTopic: models.TopicSignalRaw, bus: b, metrics: nopMetrics{}}

	payload := []byte(`{"signal_id":"sig-1","symbol":"BTCUSDT"}`)
	require.NoError(t, f.Handle(context.Background(), payload))

	published := b.published(models.TopicSignalRaw)
	require.Len(t, published, 1)
	sig, err := bus.As[models.RawSignal](published[0])
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig.SignalID)
}

func TestForwarderRejectsInvalidJSON(t *testing.T) {
	b := newBusRecorder()
	f := &forwarder{kafkaTopic: "ext.signals", busTopic: models.TopicSignalRaw, bus: b, metrics: nopMetrics{}}

	err := f.Handle(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.Empty(t, b.published(models.TopicSignalRaw))
}

func TestBridgeDisabledIsNoop(t *testing.T) {
	cfg := config.Default()
	b := newBusRecorder()
	bridge, err := NewBridge(cfg, b, nopMetrics{}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, bridge.Start(context.Background()))
	require.NoError(t, bridge.Stop(context.Background()))
}

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(stage, outcome, reason string) {}
func (nopMetrics) RecordScore(stage string, score float64)     {}
func (nopMetrics) RecordLatency(op string, seconds float64)    {}
func (nopMetrics) RecordError(kind string)                     {}
func (nopMetrics) SetGuardMode(severity int)                   {}
func (nopMetrics) SetBrakeActive(active bool)                  {}

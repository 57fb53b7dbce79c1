// Package gate implements the quality gate: ordered, short-circuiting
// admission stages that turn raw analyzer signals into clean envelopes or
// reject/defer outcomes with machine-readable reasons.
package gate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/pkg/bus"
	"SigGate/pkg/cache"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

const stageName = "quality_gate"

// deferredSignal is a raw signal parked on transient unavailability.
type deferredSignal struct {
	sig       models.RawSignal
	reason    string
	releaseAt time.Time
	attempts  int
}

// stats accumulates between metric flushes.
type stats struct {
	passed     uint64
	rejected   uint64
	deferred   uint64
	duplicates uint64
	scoreSum   float64
	scoreN     uint64
	latencies  []float64 // ms, bounded
}

// Gate validates, deduplicates, freshness-checks and scores raw signals.
// All mutable state is exclusively owned here; other stages only see the
// envelopes and outcomes it publishes.
type Gate struct {
	bus      domrepo.Bus
	metrics  domrepo.Metrics
	logger   *logger.Logger
	sched    *sched.Scheduler
	dedup    cache.Store
	validate *validator.Validate
	now      func() time.Time

	mu        sync.Mutex
	cfg       config.GateConfig
	refs      map[string]models.MarketRef
	regimes   map[string]models.RegimeSnapshot
	tradable  map[string]bool
	lastBeat  map[string]time.Time
	baselines map[string]*baseline
	parked    []*deferredSignal
	stats     stats
	unsubs    []func()
}

// New creates a quality gate over the shared bus.
func New(b domrepo.Bus, m domrepo.Metrics, lgr *logger.Logger, sc *sched.Scheduler, dedup cache.Store, cfg config.GateConfig) *Gate {
	return &Gate{
		bus:       b,
		metrics:   m,
		logger:    lgr,
		sched:     sc,
		dedup:     dedup,
		validate:  validator.New(),
		now:       time.Now,
		cfg:       cfg,
		refs:      make(map[string]models.MarketRef),
		regimes:   make(map[string]models.RegimeSnapshot),
		tradable:  make(map[string]bool),
		lastBeat:  make(map[string]time.Time),
		baselines: make(map[string]*baseline),
	}
}

// Start subscribes to the consumed topics and schedules the defer-retry and
// metrics loops.
func (g *Gate) Start(ctx context.Context) {
	g.subscribeAs(models.TopicSignalRaw, g.handleRaw)
	g.unsubs = append(g.unsubs,
		g.bus.Subscribe(models.TopicMarketRefs, g.handleMarketRef),
		g.bus.Subscribe(models.TopicRegimeSnapshot, g.handleRegime),
		g.bus.Subscribe(models.TopicExchangeInfo, g.handleExchangeInfo),
		g.bus.Subscribe(models.TopicHeartbeat, g.handleHeartbeat),
	)

	g.mu.Lock()
	deferInterval := g.cfg.DeferInterval
	metricsInterval := g.cfg.MetricsInterval
	g.mu.Unlock()

	g.sched.Every(deferInterval, g.sweepDeferred)
	g.sched.Every(metricsInterval, g.flushMetrics)
}

// Stop unsubscribes from the bus.
func (g *Gate) Stop() {
	for _, u := range g.unsubs {
		u()
	}
	g.unsubs = nil
}

// Configure replaces the gate configuration at runtime.
func (g *Gate) Configure(cfg config.GateConfig) error {
	if err := config.ValidateGate(&cfg); err != nil {
		return fmt.Errorf("gate config: %w", err)
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.logger.Info("gate config updated")
	return nil
}

func (g *Gate) subscribeAs(topic string, fn func(context.Context, *models.RawSignal)) {
	g.unsubs = append(g.unsubs, g.bus.Subscribe(topic, func(ctx context.Context, payload interface{}) {
		sig, err := bus.As[models.RawSignal](payload)
		if err != nil {
			g.metrics.RecordError("gate_decode")
			g.reject(ctx, &models.RawSignal{}, models.ReasonInvalidPayload)
			return
		}
		fn(ctx, sig)
	}))
}

func (g *Gate) handleRaw(ctx context.Context, sig *models.RawSignal) {
	start := g.now()
	// A malformed signal must never stall the stream; convert panics into a
	// generic rejection at the signal boundary.
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate panic", logger.String("signal_id", sig.SignalID), logger.Any("panic", r))
			g.reject(ctx, sig, models.ReasonProcessingError)
		}
	}()

	g.process(ctx, sig, 0, false)
	g.observeLatency(start)
}

// process runs the ordered admission stages. retried marks deferred signals
// re-entering the pipeline, which must not hit the dedup set again.
func (g *Gate) process(ctx context.Context, sig *models.RawSignal, attempts int, retried bool) {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()
	now := g.now()

	// 1. Schema/type validation.
	if err := g.validate.Struct(sig); err != nil || !finiteFeatures(sig.Features) {
		g.reject(ctx, sig, models.ReasonInvalidPayload)
		return
	}
	if tradable, known := g.instrumentTradable(sig.Symbol); known && !tradable {
		g.reject(ctx, sig, models.ReasonInstrumentUnavailable)
		return
	}

	// 2. Deduplication: repeats inside the window are dropped silently.
	if !retried {
		won, err := g.dedup.SetNX(ctx, sig.DedupKey(), "1", cfg.DedupWindow)
		if err != nil {
			g.metrics.RecordError("gate_dedup")
		} else if !won {
			g.mu.Lock()
			g.stats.duplicates++
			g.mu.Unlock()
			g.metrics.RecordOutcome(stageName, "duplicate", "")
			return
		}
	}

	// 3. Freshness and clock skew, in event time.
	if sig.Timestamp.After(now.Add(cfg.MaxClockSkew)) {
		g.reject(ctx, sig, models.ReasonClockSkew)
		return
	}
	age := now.Sub(sig.Timestamp)
	if age > g.freshnessBudget(cfg, sig.Timeframe) {
		g.reject(ctx, sig, models.ReasonStale)
		return
	}

	tags := make([]string, 0, 4)

	// 4. Open-bar policy.
	if !sig.BarClosed {
		switch cfg.OpenBarPolicy {
		case "block":
			g.reject(ctx, sig, models.ReasonOpenBar)
			return
		case "defer":
			g.park(ctx, sig, models.ReasonOpenBar, attempts)
			return
		default:
			tags = append(tags, "open_bar")
		}
	}

	// 5. Market-context gate: a fresh reference is required; regime and
	// liquidity penalties apply when it is present.
	ref, ok := g.freshRef(sig.Symbol, cfg.ContextTTL, now)
	if !ok {
		g.park(ctx, sig, models.ReasonContextUnavailable, attempts)
		return
	}
	if ref.SpreadBps > cfg.IlliquidSpreadBps {
		if cfg.IlliquidPolicy == "reject" {
			g.reject(ctx, sig, models.ReasonIlliquidMarket)
			return
		}
		tags = append(tags, models.ReasonIlliquidMarket)
	}
	regime := g.regimeFor(sig.Symbol)
	if regime.State == "high_volatility" || sig.Features.Volatility > cfg.HighVolThreshold {
		tags = append(tags, models.ReasonHighVolatility)
	}
	if regimeMismatch(regime, sig) {
		tags = append(tags, models.ReasonRegimeMismatch)
	}

	// 6. Anomaly check: clamp out-of-range features, reject z-score outliers.
	features, clampDelta := clampFeatures(sig.Features)
	if clampDelta > clampPenaltyDelta {
		tags = append(tags, models.ReasonFeatureClamped)
	}
	zs := g.zScoresFor(sig.Symbol, features)
	if maxAbs(zs) > cfg.ZScoreBound {
		g.reject(ctx, sig, models.ReasonAnomalyDetected)
		return
	}

	// 7. Quality score against the source tier floor.
	tier := g.tierFor(cfg, sig.Source)
	score := qualityScore(cfg.Weights, scoreInputs{
		clampDelta: clampDelta,
		age:        age,
		budget:     g.freshnessBudget(cfg, sig.Timeframe),
		barClosed:  sig.BarClosed,
		tags:       tags,
		tier:       tier,
		maxAbsZ:    maxAbs(zs),
		zBound:     cfg.ZScoreBound,
	})
	if score < g.tierMin(cfg, tier) {
		g.reject(ctx, sig, models.ReasonLowQuality)
		return
	}

	// 8. Enrich, emit, and fold the accepted sample into the baseline.
	env := models.CleanSignalEnvelope{
		Signal:      *sig,
		ZScores:     zs,
		Quality:     score,
		Tags:        tags,
		Tier:        tier,
		FreshnessMs: age.Milliseconds(),
		AcceptedAt:  now,
	}
	env.Signal.Features = features

	if err := g.bus.Publish(ctx, models.TopicSignalEnvelope, env); err != nil {
		g.metrics.RecordError("gate_publish")
		g.logger.Error("envelope publish failed", logger.Error(err))
		return
	}

	g.mu.Lock()
	g.stats.passed++
	g.stats.scoreSum += score
	g.stats.scoreN++
	g.updateBaseline(sig.Symbol, features, now)
	g.mu.Unlock()

	g.metrics.RecordOutcome(stageName, "pass", "")
	g.metrics.RecordScore(stageName, score)
}

func (g *Gate) reject(ctx context.Context, sig *models.RawSignal, reason string) {
	g.mu.Lock()
	g.stats.rejected++
	g.mu.Unlock()
	g.metrics.RecordOutcome(stageName, "reject", reason)

	out := models.SignalOutcome{
		SignalID:  sig.SignalID,
		Symbol:    sig.Symbol,
		Source:    sig.Source,
		Stage:     stageName,
		Outcome:   "reject",
		Reasons:   []string{reason},
		Timestamp: g.now(),
	}
	if err := g.bus.Publish(ctx, models.TopicQARejected, out); err != nil {
		g.metrics.RecordError("gate_publish")
	}
}

// park holds a signal for bounded retry; exhausted retries reject.
func (g *Gate) park(ctx context.Context, sig *models.RawSignal, reason string, attempts int) {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	if attempts >= cfg.DeferMaxAttempts {
		g.reject(ctx, sig, models.ReasonDeferExpired)
		return
	}
	releaseAt := g.now().Add(cfg.DeferInterval)

	g.mu.Lock()
	g.stats.deferred++
	g.parked = append(g.parked, &deferredSignal{
		sig:       *sig,
		reason:    reason,
		releaseAt: releaseAt,
		attempts:  attempts + 1,
	})
	g.mu.Unlock()

	g.metrics.RecordOutcome(stageName, "defer", reason)
	out := models.SignalOutcome{
		SignalID:  sig.SignalID,
		Symbol:    sig.Symbol,
		Source:    sig.Source,
		Stage:     stageName,
		Outcome:   "defer",
		Reasons:   []string{reason},
		RetryAt:   releaseAt,
		Timestamp: g.now(),
	}
	if err := g.bus.Publish(ctx, models.TopicQADeferred, out); err != nil {
		g.metrics.RecordError("gate_publish")
	}
}

// sweepDeferred re-runs parked signals whose release time has passed.
func (g *Gate) sweepDeferred(now time.Time) {
	g.mu.Lock()
	var due []*deferredSignal
	rest := g.parked[:0]
	for _, d := range g.parked {
		if !now.Before(d.releaseAt) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	g.parked = rest
	g.mu.Unlock()

	ctx := context.Background()
	for _, d := range due {
		sig := d.sig
		g.process(ctx, &sig, d.attempts, true)
	}
}

// --- consumed context topics ---

func (g *Gate) handleMarketRef(ctx context.Context, payload interface{}) {
	ref, err := bus.As[models.MarketRef](payload)
	if err != nil {
		g.metrics.RecordError("gate_decode")
		return
	}
	g.mu.Lock()
	g.refs[ref.Symbol] = *ref
	g.mu.Unlock()
}

func (g *Gate) handleRegime(ctx context.Context, payload interface{}) {
	snap, err := bus.As[models.RegimeSnapshot](payload)
	if err != nil {
		g.metrics.RecordError("gate_decode")
		return
	}
	g.mu.Lock()
	g.regimes[snap.Symbol] = *snap
	g.mu.Unlock()
}

func (g *Gate) handleExchangeInfo(ctx context.Context, payload interface{}) {
	info, err := bus.As[models.ExchangeInfo](payload)
	if err != nil {
		g.metrics.RecordError("gate_decode")
		return
	}
	g.mu.Lock()
	g.tradable[info.Symbol] = info.Tradable
	g.mu.Unlock()
}

func (g *Gate) handleHeartbeat(ctx context.Context, payload interface{}) {
	hb, err := bus.As[models.Heartbeat](payload)
	if err != nil {
		g.metrics.RecordError("gate_decode")
		return
	}
	g.mu.Lock()
	g.lastBeat[hb.Source] = hb.Timestamp
	g.mu.Unlock()
}

// --- lookups ---

func (g *Gate) freshnessBudget(cfg config.GateConfig, timeframe string) time.Duration {
	if budget, ok := cfg.FreshnessBudgets[timeframe]; ok {
		return budget
	}
	tf := domrepo.NormalizeTimeframe(timeframe)
	if budget, ok := cfg.FreshnessBudgets[string(tf)]; ok {
		return budget
	}
	return 15 * time.Second
}

func (g *Gate) freshRef(symbol string, ttl time.Duration, now time.Time) (models.MarketRef, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref, ok := g.refs[symbol]
	if !ok || now.Sub(ref.Timestamp) > ttl {
		return models.MarketRef{}, false
	}
	return ref, true
}

func (g *Gate) regimeFor(symbol string) models.RegimeSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regimes[symbol]
}

func (g *Gate) instrumentTradable(symbol string) (tradable, known bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tradable, known = g.tradable[symbol]
	return
}

func (g *Gate) tierFor(cfg config.GateConfig, source string) models.TrustTier {
	if tier, ok := cfg.SourceTiers[source]; ok {
		switch models.TrustTier(tier) {
		case models.TierCore, models.TierExperimental, models.TierExternal:
			return models.TrustTier(tier)
		}
	}
	return models.TierExternal
}

func (g *Gate) tierMin(cfg config.GateConfig, tier models.TrustTier) float64 {
	if min, ok := cfg.TierMinScores[string(tier)]; ok {
		return min
	}
	return 0.65
}

func (g *Gate) zScoresFor(symbol string, features models.FeatureVector) map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.baselines[symbol]
	if !ok {
		return map[string]float64{}
	}
	return b.zScores(featureArray(features))
}

// updateBaseline folds an accepted sample in, evicting the least recently
// used instrument when over capacity. Lock held.
func (g *Gate) updateBaseline(symbol string, features models.FeatureVector, now time.Time) {
	b, ok := g.baselines[symbol]
	if !ok {
		if len(g.baselines) >= g.cfg.MaxInstruments {
			var oldest string
			var oldestAt time.Time
			for sym, bl := range g.baselines {
				if oldest == "" || bl.lastUsed.Before(oldestAt) {
					oldest = sym
					oldestAt = bl.lastUsed
				}
			}
			delete(g.baselines, oldest)
		}
		b = newBaseline(g.cfg.BaselineWindow)
		g.baselines[symbol] = b
	}
	b.update(featureArray(features), now)
}

// --- metrics ---

func (g *Gate) observeLatency(start time.Time) {
	elapsed := g.now().Sub(start)
	g.metrics.RecordLatency("gate_process", elapsed.Seconds())

	g.mu.Lock()
	if len(g.stats.latencies) < 4096 {
		g.stats.latencies = append(g.stats.latencies, float64(elapsed.Microseconds())/1000)
	}
	g.mu.Unlock()
}

// Stats is the aggregate snapshot published on signal.qa.metrics and served
// by the ops API.
type Stats struct {
	Passed       uint64  `json:"passed"`
	Rejected     uint64  `json:"rejected"`
	Deferred     uint64  `json:"deferred"`
	Duplicates   uint64  `json:"duplicates"`
	AvgScore     float64 `json:"avg_score"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	Baselines    int     `json:"baselines"`
	Parked       int     `json:"parked"`
}

// Snapshot returns current aggregate stats without resetting them.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() Stats {
	s := Stats{
		Passed:     g.stats.passed,
		Rejected:   g.stats.rejected,
		Deferred:   g.stats.deferred,
		Duplicates: g.stats.duplicates,
		Baselines:  len(g.baselines),
		Parked:     len(g.parked),
	}
	if g.stats.scoreN > 0 {
		s.AvgScore = g.stats.scoreSum / float64(g.stats.scoreN)
	}
	if n := len(g.stats.latencies); n > 0 {
		sorted := make([]float64, n)
		copy(sorted, g.stats.latencies)
		sort.Float64s(sorted)
		idx := int(math.Ceil(0.99*float64(n))) - 1
		if idx < 0 {
			idx = 0
		}
		s.P99LatencyMs = sorted[idx]
	}
	return s
}

func (g *Gate) flushMetrics(now time.Time) {
	g.mu.Lock()
	snap := g.snapshotLocked()
	total := g.stats.passed + g.stats.rejected
	rejected := g.stats.rejected
	g.stats.latencies = g.stats.latencies[:0]
	g.mu.Unlock()

	ctx := context.Background()
	if err := g.bus.Publish(ctx, models.TopicQAMetrics, snap); err != nil {
		g.metrics.RecordError("gate_publish")
	}
	if total >= 20 && float64(rejected)/float64(total) > 0.9 {
		alert := map[string]interface{}{
			"type":      "high_reject_rate",
			"rejected":  rejected,
			"total":     total,
			"timestamp": now,
		}
		if err := g.bus.Publish(ctx, models.TopicQAAlert, alert); err != nil {
			g.metrics.RecordError("gate_publish")
		}
	}
}

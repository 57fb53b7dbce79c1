// Package guard implements the latency & slippage guard: a tighten-fast,
// relax-slow state machine fed by execution telemetry, market reference data
// and feed heartbeats. It publishes standing directives that downstream
// stages may only use to make their own outcomes stricter.
package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/pkg/bus"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

const stageName = "latency_slip_guard"

// trackerSet holds the per "symbol|variant" execution telemetry averages.
type trackerSet struct {
	symbol    string
	variant   models.Variant
	placement *ewma
	firstFill *ewma
	slippage  *ewma
	touched   time.Time
}

type guardStats struct {
	escalations   uint64
	deescalations uint64
	directives    uint64
}

// Guard is the cross-cutting latency & slippage guard.
type Guard struct {
	bus     domrepo.Bus
	metrics domrepo.Metrics
	logger  *logger.Logger
	sched   *sched.Scheduler
	now     func() time.Time

	mu       sync.Mutex
	cfg      config.GuardConfig
	trackers map[string]*trackerSet
	spreads  map[string]*ewma
	lastBeat map[string]time.Time
	plans    map[string]time.Time

	mode        models.GuardMode
	modeScope   string
	modeReasons []string
	modeSince   time.Time
	modeExpires time.Time

	stats  guardStats
	unsubs []func()
}

// New creates the guard over the shared bus.
func New(b domrepo.Bus, m domrepo.Metrics, lgr *logger.Logger, sc *sched.Scheduler, cfg config.GuardConfig) *Guard {
	return &Guard{
		bus:      b,
		metrics:  m,
		logger:   lgr,
		sched:    sc,
		now:      time.Now,
		cfg:      cfg,
		trackers: make(map[string]*trackerSet),
		spreads:  make(map[string]*ewma),
		lastBeat: make(map[string]time.Time),
		plans:    make(map[string]time.Time),
		mode:     models.ModeNormal,
	}
}

// Start subscribes to telemetry topics and schedules sweep and metrics loops.
func (g *Guard) Start(ctx context.Context) {
	g.unsubs = append(g.unsubs,
		g.bus.Subscribe(models.TopicPlacementResult, g.handlePlacement),
		g.bus.Subscribe(models.TopicOrderUpdate, g.handleOrderUpdate),
		g.bus.Subscribe(models.TopicMarketRefs, g.handleMarketRef),
		g.bus.Subscribe(models.TopicHeartbeat, g.handleHeartbeat),
		g.bus.Subscribe(models.TopicPolicySnapshot, g.handlePolicySnapshot),
		g.bus.Subscribe(models.TopicOrderPlan, g.handleOrderPlan),
	)

	g.mu.Lock()
	sweep, metrics := g.cfg.SweepInterval, g.cfg.MetricsInterval
	g.mu.Unlock()

	g.sched.Every(sweep, g.sweep)
	g.sched.Every(metrics, g.flushMetrics)
}

// Stop unsubscribes from the bus.
func (g *Guard) Stop() {
	for _, u := range g.unsubs {
		u()
	}
	g.unsubs = nil
}

// Configure replaces the guard configuration at runtime.
func (g *Guard) Configure(cfg config.GuardConfig) error {
	if err := config.ValidateGuard(&cfg); err != nil {
		return fmt.Errorf("guard config: %w", err)
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.logger.Info("guard config updated")
	return nil
}

// --- telemetry handlers ---

func (g *Guard) handlePlacement(ctx context.Context, payload interface{}) {
	pr, err := bus.As[models.PlacementResult](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	at := g.eventTime(pr.Timestamp)

	g.mu.Lock()
	ts := g.trackerLocked(pr.Symbol, pr.Variant, at)
	ts.placement.Observe(pr.LatencyMs, at)
	g.mu.Unlock()

	g.evaluate(ctx, pr.Symbol)
}

func (g *Guard) handleOrderUpdate(ctx context.Context, payload interface{}) {
	ou, err := bus.As[models.OrderUpdate](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	at := g.eventTime(ou.Timestamp)

	g.mu.Lock()
	ts := g.trackerLocked(ou.Symbol, ou.Variant, at)
	if ou.Filled && ou.FirstFillMs > 0 {
		ts.firstFill.Observe(ou.FirstFillMs, at)
	}
	ts.slippage.Observe(ou.SlippageBps, at)
	g.mu.Unlock()

	g.evaluate(ctx, ou.Symbol)
}

func (g *Guard) handleMarketRef(ctx context.Context, payload interface{}) {
	ref, err := bus.As[models.MarketRef](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	at := g.eventTime(ref.Timestamp)

	g.mu.Lock()
	sp, ok := g.spreads[ref.Symbol]
	if !ok {
		sp = newEWMA(g.cfg.SpreadHalfLife)
		g.spreads[ref.Symbol] = sp
	}
	sp.Observe(ref.SpreadBps, at)
	g.mu.Unlock()

	g.evaluate(ctx, ref.Symbol)
}

func (g *Guard) handleHeartbeat(ctx context.Context, payload interface{}) {
	hb, err := bus.As[models.Heartbeat](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	g.mu.Lock()
	g.lastBeat[hb.Source] = g.eventTime(hb.Timestamp)
	g.mu.Unlock()
}

// handlePolicySnapshot adjusts warn and panic thresholds without a restart.
func (g *Guard) handlePolicySnapshot(ctx context.Context, payload interface{}) {
	ps, err := bus.As[models.PolicySnapshot](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	g.mu.Lock()
	if ps.SlipPanicBps > 0 {
		g.cfg.SlipPanicBps = ps.SlipPanicBps
	}
	if ps.LatWarnMs > 0 {
		g.cfg.LatWarnMs = ps.LatWarnMs
	}
	for variant, bps := range ps.SlipWarnBps {
		if bps > 0 {
			if g.cfg.SlipWarnBps == nil {
				g.cfg.SlipWarnBps = make(map[string]float64)
			}
			g.cfg.SlipWarnBps[variant] = bps
		}
	}
	g.mu.Unlock()
	g.logger.Info("guard thresholds updated from policy snapshot")
}

func (g *Guard) handleOrderPlan(ctx context.Context, payload interface{}) {
	op, err := bus.As[models.OrderPlan](payload)
	if err != nil {
		g.metrics.RecordError("guard_decode")
		return
	}
	g.mu.Lock()
	g.plans[op.Symbol] = g.eventTime(op.Timestamp)
	g.mu.Unlock()
}

// livePlanLocked reports whether symbol has a plan registered within PlanTTL.
func (g *Guard) livePlanLocked(now time.Time, symbol string) bool {
	at, ok := g.plans[symbol]
	return ok && now.Sub(at) < g.cfg.PlanTTL
}

func (g *Guard) trackerLocked(symbol string, variant models.Variant, at time.Time) *trackerSet {
	key := symbol + "|" + string(variant)
	ts, ok := g.trackers[key]
	if !ok {
		ts = &trackerSet{
			symbol:    symbol,
			variant:   variant,
			placement: newEWMA(g.cfg.PlacementHalfLife),
			firstFill: newEWMA(g.cfg.FirstFillHalfLife),
			slippage:  newEWMA(g.cfg.SlippageHalfLife),
			touched:   at,
		}
		g.trackers[key] = ts
		g.evictLocked()
	}
	if at.After(ts.touched) {
		ts.touched = at
	}
	return ts
}

// evictLocked drops the least recently touched tracker set once over budget.
func (g *Guard) evictLocked() {
	for len(g.trackers) > g.cfg.MaxKeys {
		var oldestKey string
		var oldest time.Time
		for key, ts := range g.trackers {
			if oldestKey == "" || ts.touched.Before(oldest) {
				oldestKey = key
				oldest = ts.touched
			}
		}
		delete(g.trackers, oldestKey)
	}
}

// eventTime prefers the payload timestamp, falling back to the local clock.
func (g *Guard) eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return g.now()
	}
	return ts
}

// --- state machine ---

// evaluate recomputes the desired mode from current telemetry and escalates
// immediately if it is stricter than the active one. De-escalation only
// happens in the sweep, on TTL expiry.
func (g *Guard) evaluate(ctx context.Context, symbol string) {
	now := g.now()

	g.mu.Lock()
	desired, reasons, scope := g.desiredLocked(now, symbol)
	switch {
	case desired > g.mode:
		g.transitionLocked(ctx, now, desired, reasons, scope)
		g.stats.escalations++
	case desired == g.mode && g.mode != models.ModeNormal && !sameReasons(reasons, g.modeReasons):
		// Same severity, new trigger: refresh the hold and re-announce.
		g.transitionLocked(ctx, now, desired, reasons, scope)
	}
	g.mu.Unlock()
}

// desiredLocked derives the strictest mode current telemetry justifies.
func (g *Guard) desiredLocked(now time.Time, symbol string) (models.GuardMode, []string, string) {
	mode := models.ModeNormal
	reasonSet := map[string]bool{}
	scope := "global"

	raise := func(m models.GuardMode, reason string) {
		if m > mode {
			mode = m
		}
		reasonSet[reason] = true
	}

	// Heartbeat loss dominates everything and is always global.
	for _, beat := range g.lastBeat {
		age := now.Sub(beat)
		if age >= g.cfg.HeartbeatCancel {
			raise(models.ModeCancelOpenOrders, models.ReasonHeartbeatLost)
		} else if age >= g.cfg.HeartbeatPanic {
			raise(models.ModeHaltEntry, models.ReasonHeartbeatLost)
		}
	}

	for _, ts := range g.trackers {
		if ts.slippage.Primed() {
			slip := ts.slippage.Value()
			if slip >= g.cfg.SlipPanicBps {
				raise(models.ModeBlockAggressive, models.ReasonSlippagePanic)
				scope = ts.symbol
			} else if warn, ok := g.cfg.SlipWarnBps[string(ts.variant)]; ok && slip >= warn {
				raise(models.ModeSlowdown, models.ReasonSlippageWarn)
				scope = ts.symbol
			}
		}
		if ts.placement.Primed() && ts.placement.Value() >= g.cfg.LatWarnMs {
			raise(models.ModeSlowdown, models.ReasonLatencyWarn)
			scope = ts.symbol
		}
		if ts.firstFill.Primed() && ts.firstFill.Value() >= g.cfg.LatWarnMs {
			raise(models.ModeSlowdown, models.ReasonLatencyWarn)
			scope = ts.symbol
		}
	}

	for sym, sp := range g.spreads {
		if sp.Primed() && sp.Value() >= g.cfg.SpreadWarnBps {
			raise(models.ModeSlowdown, models.ReasonSpreadWide)
			scope = sym
		}
	}

	if mode >= models.ModeHaltEntry {
		scope = "global"
	} else if symbol != "" && scope != "global" {
		scope = symbol
	}
	// A narrow scope is only meaningful while that instrument has a pending
	// execution plan; otherwise the directive applies globally.
	if scope != "global" && !g.livePlanLocked(now, scope) {
		scope = "global"
	}

	reasons := make([]string, 0, len(reasonSet))
	for r := range reasonSet {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return mode, reasons, scope
}

// transitionLocked commits a mode change and emits the directive set.
func (g *Guard) transitionLocked(ctx context.Context, now time.Time, mode models.GuardMode, reasons []string, scope string) {
	g.mode = mode
	g.modeReasons = reasons
	g.modeScope = scope
	g.modeSince = now
	g.modeExpires = now.Add(g.ttlFor(mode))
	g.emitLocked(ctx, now)
}

func (g *Guard) ttlFor(mode models.GuardMode) time.Duration {
	switch mode {
	case models.ModeSlowdown:
		return g.cfg.SlowdownTTL
	case models.ModeBlockAggressive:
		return g.cfg.BlockAggressiveTTL
	case models.ModeHaltEntry:
		return g.cfg.HaltEntryTTL
	case models.ModeCancelOpenOrders:
		return g.cfg.CancelOrdersTTL
	default:
		return 0
	}
}

func actionsFor(mode models.GuardMode) []string {
	switch mode {
	case models.ModeSlowdown:
		return []string{"raise_confidence_threshold", "halve_throttle_capacity"}
	case models.ModeBlockAggressive:
		return []string{"raise_confidence_threshold", "halve_throttle_capacity", "cap_variant_base", "force_post_only"}
	case models.ModeHaltEntry:
		return []string{"halt_entries", "force_post_only"}
	case models.ModeCancelOpenOrders:
		return []string{"halt_entries", "cancel_open_orders"}
	default:
		return nil
	}
}

// emitLocked publishes the directive, the matching policy override, and an
// alert for halt-grade modes.
func (g *Guard) emitLocked(ctx context.Context, now time.Time) {
	g.stats.directives++
	g.metrics.SetGuardMode(int(g.mode))

	directive := models.GuardDirective{
		Mode:      g.mode.String(),
		Severity:  int(g.mode),
		Scope:     g.modeScope,
		Reasons:   append([]string(nil), g.modeReasons...),
		Actions:   actionsFor(g.mode),
		ExpiresAt: g.modeExpires,
		Timestamp: now,
	}
	if err := g.bus.Publish(ctx, models.TopicGuardDirective, directive); err != nil {
		g.metrics.RecordError("guard_publish")
	}

	override := models.PolicyOverride{
		Scope:           g.modeScope,
		ForcePostOnly:   g.mode >= models.ModeBlockAggressive,
		AllowFailover:   g.mode == models.ModeNormal,
		BlockAggressive: g.mode >= models.ModeBlockAggressive,
		Timestamp:       now,
	}
	if g.mode >= models.ModeBlockAggressive {
		override.MaxSlippageBps = g.cfg.SlipPanicBps
	}
	if err := g.bus.Publish(ctx, models.TopicPolicyOverride, override); err != nil {
		g.metrics.RecordError("guard_publish")
	}

	if g.mode >= models.ModeHaltEntry {
		alert := map[string]interface{}{
			"severity": "critical",
			"mode":     g.mode.String(),
			"reasons":  g.modeReasons,
			"ts":       now,
		}
		if err := g.bus.Publish(ctx, models.TopicGuardAlert, alert); err != nil {
			g.metrics.RecordError("guard_publish")
		}
	}

	g.logger.Warn("guard mode changed",
		logger.String("mode", g.mode.String()),
		logger.String("scope", g.modeScope),
		logger.Strings("reasons", g.modeReasons),
	)
}

// sweep drives heartbeat-based escalation and stepwise TTL de-escalation.
func (g *Guard) sweep(now time.Time) {
	ctx := context.Background()
	g.evaluate(ctx, "")

	g.mu.Lock()
	defer g.mu.Unlock()

	for sym, at := range g.plans {
		if now.Sub(at) >= g.cfg.PlanTTL {
			delete(g.plans, sym)
		}
	}

	if g.mode == models.ModeNormal {
		return
	}
	if now.Before(g.modeExpires) || now.Sub(g.modeSince) < g.cfg.MinHold {
		return
	}

	desired, reasons, scope := g.desiredLocked(now, "")
	if desired >= g.mode {
		// Trigger still live. Re-arm the hold instead of stepping down.
		g.modeSince = now
		g.modeExpires = now.Add(g.ttlFor(g.mode))
		return
	}

	next := g.mode - 1
	if desired > next {
		next = desired
	}
	if next == models.ModeNormal {
		reasons = []string{models.ReasonModeExpired}
		scope = "global"
	}
	g.transitionLocked(ctx, now, next, reasons, scope)
	g.stats.deescalations++
}

// --- introspection ---

// State is the externally visible guard state, served by the ops API and
// published with metrics.
type State struct {
	Mode          string    `json:"mode"`
	Severity      int       `json:"severity"`
	Scope         string    `json:"scope"`
	Reasons       []string  `json:"reasons"`
	Since         time.Time `json:"since,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Trackers      int       `json:"trackers"`
	Escalations   uint64    `json:"escalations"`
	Deescalations uint64    `json:"deescalations"`
	Directives    uint64    `json:"directives"`
}

// Snapshot returns the current guard state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Mode:          g.mode.String(),
		Severity:      int(g.mode),
		Scope:         g.modeScope,
		Reasons:       append([]string(nil), g.modeReasons...),
		Since:         g.modeSince,
		ExpiresAt:     g.modeExpires,
		Trackers:      len(g.trackers),
		Escalations:   g.stats.escalations,
		Deescalations: g.stats.deescalations,
		Directives:    g.stats.directives,
	}
}

func (g *Guard) flushMetrics(now time.Time) {
	snap := g.Snapshot()
	if err := g.bus.Publish(context.Background(), models.TopicGuardMetrics, snap); err != nil {
		g.metrics.RecordError("guard_publish")
	}
}

func sameReasons(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

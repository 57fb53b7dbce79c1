// Package router implements the decision router: short decision windows
// that collect competing envelopes for the same (instrument, side,
// timeframe) key and arbitrate exactly one decision per window.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/pkg/bus"
	"SigGate/pkg/config"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

const stageName = "decision_router"

// window buffers envelopes for one route key until its close timer fires.
// Same-key signals are serialized by buffering, never by locking across
// stages.
type window struct {
	key       string
	symbol    string
	side      models.Side
	timeframe string
	envelopes []models.CleanSignalEnvelope
	ids       map[string]bool
	deadline  time.Time
	task      *sched.Task
}

type routerStats struct {
	windowsClosed uint64
	approved      uint64
	rejected      uint64
	deferred      uint64
	duplicates    uint64
}

// Router arbitrates clean envelopes into at most one decision per window.
type Router struct {
	bus     domrepo.Bus
	metrics domrepo.Metrics
	logger  *logger.Logger
	sched   *sched.Scheduler
	now     func() time.Time

	mu        sync.Mutex
	cfg       config.RouterConfig
	windows   map[string]*window
	gates     map[string]models.LiviaGate
	psy       models.PsyState
	guardMode models.GuardMode
	guardTTL  time.Time
	stats     routerStats
	unsubs    []func()
}

// New creates a decision router over the shared bus.
func New(b domrepo.Bus, m domrepo.Metrics, lgr *logger.Logger, sc *sched.Scheduler, cfg config.RouterConfig) *Router {
	return &Router{
		bus:     b,
		metrics: m,
		logger:  lgr,
		sched:   sc,
		now:     time.Now,
		cfg:     cfg,
		windows: make(map[string]*window),
		gates:   make(map[string]models.LiviaGate),
		psy:     models.PsyState{Stability: 1},
	}
}

// Start subscribes to consumed topics and schedules the metrics loop.
func (r *Router) Start(ctx context.Context) {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(models.TopicSignalEnvelope, r.handleEnvelope),
		r.bus.Subscribe(models.TopicLiviaGate, r.handleGate),
		r.bus.Subscribe(models.TopicPsyState, r.handlePsy),
		r.bus.Subscribe(models.TopicGuardDirective, r.handleDirective),
	)

	r.mu.Lock()
	interval := r.cfg.MetricsInterval
	r.mu.Unlock()
	r.sched.Every(interval, r.flushMetrics)
}

// Stop cancels open window timers and unsubscribes.
func (r *Router) Stop() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil

	r.mu.Lock()
	for _, w := range r.windows {
		if w.task != nil {
			w.task.Cancel()
		}
	}
	r.windows = make(map[string]*window)
	r.mu.Unlock()
}

// Configure replaces the router configuration at runtime.
func (r *Router) Configure(cfg config.RouterConfig) error {
	if err := config.ValidateRouter(&cfg); err != nil {
		return fmt.Errorf("router config: %w", err)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info("router config updated")
	return nil
}

func (r *Router) handleEnvelope(ctx context.Context, payload interface{}) {
	env, err := bus.As[models.CleanSignalEnvelope](payload)
	if err != nil {
		r.metrics.RecordError("router_decode")
		return
	}

	key := env.Signal.RouteKey()
	r.mu.Lock()
	w, open := r.windows[key]
	if open {
		if w.ids[env.Signal.SignalID] {
			r.stats.duplicates++
			r.mu.Unlock()
			r.metrics.RecordOutcome(stageName, "reject", models.ReasonDuplicateInWindow)
			r.publishOutcome(ctx, env, "reject", models.ReasonDuplicateInWindow)
			return
		}
		w.envelopes = append(w.envelopes, *env)
		w.ids[env.Signal.SignalID] = true
		r.mu.Unlock()
		return
	}

	deadline := r.now().Add(r.cfg.WindowDuration)
	w = &window{
		key:       key,
		symbol:    env.Signal.Symbol,
		side:      env.Signal.Side,
		timeframe: env.Signal.Timeframe,
		envelopes: []models.CleanSignalEnvelope{*env},
		ids:       map[string]bool{env.Signal.SignalID: true},
		deadline:  deadline,
	}
	r.windows[key] = w
	// The close timer re-validates key and deadline before acting, so a
	// timer outliving a replaced window is a no-op. Scheduling stays under
	// the lock so Stop never observes a half-registered window.
	w.task = r.sched.At(deadline, func(d time.Time) {
		r.closeWindow(key, d)
	})
	r.mu.Unlock()
}

// closeWindow resolves one expired window into exactly one decision.
func (r *Router) closeWindow(key string, deadline time.Time) {
	r.mu.Lock()
	w, ok := r.windows[key]
	if !ok || !w.deadline.Equal(deadline) {
		r.mu.Unlock()
		return
	}
	delete(r.windows, key)
	cfg := r.cfg
	psy := r.psy
	gate := r.gates[w.symbol]
	guard := r.effectiveGuardLocked()
	r.stats.windowsClosed++
	r.mu.Unlock()

	ctx := context.Background()
	r.decide(ctx, w, cfg, psy, gate, guard)
}

func (r *Router) decide(ctx context.Context, w *window, cfg config.RouterConfig, psy models.PsyState, gate models.LiviaGate, guard models.GuardMode) {
	threshold := cfg.MinConfidence
	if guard == models.ModeSlowdown {
		threshold += cfg.SlowdownDelta
	}

	type candidate struct {
		env   models.CleanSignalEnvelope
		score float64
	}
	var qualified []candidate
	for _, env := range w.envelopes {
		score := scoreEnvelope(cfg, env, psy)
		r.metrics.RecordScore(stageName, score)
		if gate.State == "hold" {
			r.publishOutcome(ctx, &env, "reject", models.ReasonSafetyHold)
			continue
		}
		if score < cfg.MinConfidence {
			r.publishOutcome(ctx, &env, "reject", models.ReasonLowScore)
			continue
		}
		qualified = append(qualified, candidate{env: env, score: score})
	}

	if len(qualified) == 0 {
		r.mu.Lock()
		r.stats.rejected++
		r.mu.Unlock()
		r.metrics.RecordOutcome(stageName, "reject", models.ReasonNoViableSignal)
		r.publishWindowReject(ctx, w, models.ReasonNoViableSignal)
		return
	}

	best := 0
	for i := 1; i < len(qualified); i++ {
		if better(cfg.TieBreak, qualified[i].score, qualified[best].score, qualified[i].env, qualified[best].env) {
			best = i
		}
	}
	winner := qualified[best]

	// Non-winners meeting the bar still reject explicitly; at most one
	// decision leaves a window.
	for i, c := range qualified {
		if i == best {
			continue
		}
		r.publishOutcome(ctx, &c.env, "reject", models.ReasonConflictingSignal)
	}

	decision, reason := r.winnerDecision(cfg, winner.score, threshold, gate, guard)
	variant := selectVariant(cfg, winner.score, psy, winner.env)
	if guard >= models.ModeBlockAggressive && variant == models.VariantAggressive {
		variant = models.VariantBase
	}
	correlationID := uuid.NewString()

	switch decision {
	case models.DecisionApprove:
		intent := models.ExecutionIntent{
			CorrelationID: correlationID,
			SignalID:      winner.env.Signal.SignalID,
			Symbol:        w.symbol,
			Side:          w.side,
			Timeframe:     w.timeframe,
			Source:        winner.env.Signal.Source,
			Variant:       variant,
			Confidence:    winner.score,
			Tuning:        tuningHints(winner.env),
			ProposedAt:    r.now(),
		}
		r.mu.Lock()
		r.stats.approved++
		r.mu.Unlock()
		r.metrics.RecordOutcome(stageName, "approve", "")
		if err := r.bus.Publish(ctx, models.TopicIntentProposed, intent); err != nil {
			r.metrics.RecordError("router_publish")
			r.logger.Error("intent publish failed", logger.Error(err))
		}
	case models.DecisionDefer:
		r.mu.Lock()
		r.stats.deferred++
		r.mu.Unlock()
		r.metrics.RecordOutcome(stageName, "defer", reason)
		r.publishOutcome(ctx, &winner.env, "defer", reason)
	default:
		r.mu.Lock()
		r.stats.rejected++
		r.mu.Unlock()
		r.metrics.RecordOutcome(stageName, "reject", reason)
		r.publishOutcome(ctx, &winner.env, "reject", reason)
	}

	record := models.RouterDecision{
		CorrelationID: correlationID,
		SignalID:      winner.env.Signal.SignalID,
		Symbol:        w.symbol,
		Side:          w.side,
		Timeframe:     w.timeframe,
		Decision:      decision,
		Variant:       variant,
		Score:         winner.score,
		Confidence:    winner.score,
		Tuning:        tuningHints(winner.env),
		Candidates:    len(qualified),
		DecidedAt:     r.now(),
	}
	if reason != "" {
		record.Reasons = []string{reason}
	}
	if err := r.bus.Publish(ctx, models.TopicRouterDecision, record); err != nil {
		r.metrics.RecordError("router_publish")
	}
}

// winnerDecision maps (safety gate, guard mode, score vs. threshold) onto
// the window outcome. Guard escalation only tightens.
func (r *Router) winnerDecision(cfg config.RouterConfig, score, threshold float64, gate models.LiviaGate, guard models.GuardMode) (models.Decision, string) {
	if guard >= models.ModeHaltEntry {
		return models.DecisionDefer, models.ReasonGuardHalt
	}
	if gate.State == "degraded" {
		return models.DecisionDefer, models.ReasonSafetyDegraded
	}
	if score < threshold {
		return models.DecisionReject, models.ReasonLowScore
	}
	return models.DecisionApprove, ""
}

func (r *Router) publishOutcome(ctx context.Context, env *models.CleanSignalEnvelope, outcome, reason string) {
	out := models.SignalOutcome{
		SignalID:  env.Signal.SignalID,
		Symbol:    env.Signal.Symbol,
		Source:    env.Signal.Source,
		Stage:     stageName,
		Outcome:   outcome,
		Reasons:   []string{reason},
		Timestamp: r.now(),
	}
	if err := r.bus.Publish(ctx, models.TopicIntentRejected, out); err != nil {
		r.metrics.RecordError("router_publish")
	}
}

func (r *Router) publishWindowReject(ctx context.Context, w *window, reason string) {
	out := models.SignalOutcome{
		Symbol:    w.symbol,
		Stage:     stageName,
		Outcome:   "reject",
		Reasons:   []string{reason},
		Timestamp: r.now(),
	}
	if err := r.bus.Publish(ctx, models.TopicIntentRejected, out); err != nil {
		r.metrics.RecordError("router_publish")
	}
}

// --- consumed context topics ---

func (r *Router) handleGate(ctx context.Context, payload interface{}) {
	g, err := bus.As[models.LiviaGate](payload)
	if err != nil {
		r.metrics.RecordError("router_decode")
		return
	}
	r.mu.Lock()
	r.gates[g.Symbol] = *g
	r.mu.Unlock()
}

func (r *Router) handlePsy(ctx context.Context, payload interface{}) {
	p, err := bus.As[models.PsyState](payload)
	if err != nil {
		r.metrics.RecordError("router_decode")
		return
	}
	r.mu.Lock()
	r.psy = *p
	r.mu.Unlock()
}

func (r *Router) handleDirective(ctx context.Context, payload interface{}) {
	d, err := bus.As[models.GuardDirective](payload)
	if err != nil {
		r.metrics.RecordError("router_decode")
		return
	}
	r.mu.Lock()
	r.guardMode = models.GuardMode(d.Severity)
	r.guardTTL = d.ExpiresAt
	r.mu.Unlock()
}

// effectiveGuardLocked returns the standing guard mode, normal once expired.
func (r *Router) effectiveGuardLocked() models.GuardMode {
	if r.guardMode != models.ModeNormal && r.now().After(r.guardTTL) {
		r.guardMode = models.ModeNormal
	}
	return r.guardMode
}

// --- metrics ---

// Stats is the aggregate snapshot published on vivo.router.metrics.
type Stats struct {
	WindowsClosed uint64 `json:"windows_closed"`
	Approved      uint64 `json:"approved"`
	Rejected      uint64 `json:"rejected"`
	Deferred      uint64 `json:"deferred"`
	Duplicates    uint64 `json:"duplicates"`
	OpenWindows   int    `json:"open_windows"`
}

// Snapshot returns current aggregate stats.
func (r *Router) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		WindowsClosed: r.stats.windowsClosed,
		Approved:      r.stats.approved,
		Rejected:      r.stats.rejected,
		Deferred:      r.stats.deferred,
		Duplicates:    r.stats.duplicates,
		OpenWindows:   len(r.windows),
	}
}

func (r *Router) flushMetrics(now time.Time) {
	snap := r.Snapshot()
	if err := r.bus.Publish(context.Background(), models.TopicRouterMetrics, snap); err != nil {
		r.metrics.RecordError("router_publish")
	}
}

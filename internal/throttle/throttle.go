// Package throttle implements the intent throttler: priority-ordered,
// scope-keyed rate limits with cooldowns, bounded deferred retry, and a
// system-wide emergency brake with hysteresis.
package throttle

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

const stageName = "intent_throttler"

// throttleWindow tracks one (rule, scope value) admission budget.
type throttleWindow struct {
	ruleID        string
	scopeValue    string
	windowStart   time.Time
	count         int
	cooldownUntil time.Time
}

// deferredIntent is an intent parked on a failed rate check.
type deferredIntent struct {
	intent    models.ExecutionIntent
	firstAt   time.Time
	releaseAt time.Time
	attempts  int
}

type throttleStats struct {
	allowed    uint64
	deferred   uint64
	rejected   uint64
	expired    uint64
	brakeTrips uint64
}

// Throttler applies the configured rate rules to approved intents.
type Throttler struct {
	bus     domrepo.Bus
	metrics domrepo.Metrics
	logger  *logger.Logger
	sched   *sched.Scheduler
	now     func() time.Time

	mu          sync.Mutex
	cfg         config.ThrottleConfig
	rules       []config.ThrottleRule // descending priority
	windows     map[string]*throttleWindow
	parked      []*deferredIntent
	brakeActive bool
	brakeEvents []time.Time
	guardMode   models.GuardMode
	guardTTL    time.Time
	stats       throttleStats
	unsubs      []func()
}

// New creates an intent throttler over the shared bus.
func New(b domrepo.Bus, m domrepo.Metrics, lgr *logger.Logger, sc *sched.Scheduler, cfg config.ThrottleConfig) *Throttler {
	t := &Throttler{
		bus:     b,
		metrics: m,
		logger:  lgr,
		sched:   sc,
		now:     time.Now,
		windows: make(map[string]*throttleWindow),
	}
	t.applyConfig(cfg)
	return t
}

// Start subscribes and schedules the retry, GC and metrics loops.
func (t *Throttler) Start(ctx context.Context) {
	t.unsubs = append(t.unsubs,
		t.bus.Subscribe(models.TopicIntentProposed, t.handleIntent),
		t.bus.Subscribe(models.TopicGuardDirective, t.handleDirective),
	)

	t.mu.Lock()
	retry, gc, metrics := t.cfg.RetryInterval, t.cfg.GCInterval, t.cfg.MetricsInterval
	t.mu.Unlock()

	t.sched.Every(retry, t.sweepDeferred)
	t.sched.Every(gc, t.sweepExpired)
	t.sched.Every(metrics, t.flushMetrics)
}

// Stop unsubscribes from the bus.
func (t *Throttler) Stop() {
	for _, u := range t.unsubs {
		u()
	}
	t.unsubs = nil
}

// Configure replaces the throttle configuration at runtime.
func (t *Throttler) Configure(cfg config.ThrottleConfig) error {
	if err := config.ValidateThrottle(&cfg); err != nil {
		return fmt.Errorf("throttle config: %w", err)
	}
	t.mu.Lock()
	t.applyConfig(cfg)
	t.mu.Unlock()
	t.logger.Info("throttle config updated")
	return nil
}

// applyConfig stores cfg with rules sorted by descending priority. Callers
// either hold the lock or own the instance exclusively (construction).
func (t *Throttler) applyConfig(cfg config.ThrottleConfig) {
	rules := make([]config.ThrottleRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	t.cfg = cfg
	t.rules = rules
}

func (t *Throttler) handleIntent(ctx context.Context, payload interface{}) {
	intent, err := bus.As[models.ExecutionIntent](payload)
	if err != nil {
		t.metrics.RecordError("throttle_decode")
		return
	}
	t.admit(ctx, intent, nil)
}

// admit runs the rate check for a fresh or retried intent. parked is non-nil
// on retries.
func (t *Throttler) admit(ctx context.Context, intent *models.ExecutionIntent, parked *deferredIntent) {
	now := t.now()

	t.mu.Lock()
	// The brake tracks incoming pressure even while intents are rejected,
	// so deactivation reflects the true arrival rate.
	if parked == nil {
		t.brakeEvents = append(t.brakeEvents, now)
	}
	t.pruneBrakeLocked(now)
	t.updateBrakeLocked(ctx, now)
	brake := t.brakeActive
	guard := t.effectiveGuardLocked(now)
	t.mu.Unlock()

	if brake {
		t.reject(ctx, intent, "", models.ReasonEmergencyBrake, parked)
		return
	}
	if guard >= models.ModeHaltEntry {
		t.reject(ctx, intent, "", models.ReasonGuardHalt, parked)
		return
	}

	t.mu.Lock()
	var matched []*throttleWindow
	for _, rule := range t.rules {
		scopeValue := scopeValueFor(rule.Scope, intent)
		w := t.resolveWindowLocked(rule, scopeValue, now)

		if w.cooldownUntil.After(now) {
			wait := w.cooldownUntil.Sub(now)
			t.mu.Unlock()
			t.park(ctx, intent, rule.ID, models.ReasonCooldownActive, wait, parked)
			return
		}
		max := t.effectiveMaxLocked(rule, guard)
		if w.count >= max {
			w.cooldownUntil = now.Add(rule.Cooldown)
			wait := rule.Cooldown
			t.mu.Unlock()
			t.park(ctx, intent, rule.ID, models.ReasonRateLimited, wait, parked)
			return
		}
		matched = append(matched, w)
	}
	for _, w := range matched {
		w.count++
	}
	t.stats.allowed++
	t.mu.Unlock()

	t.metrics.RecordOutcome(stageName, "allow", "")
	if err := t.bus.Publish(ctx, models.TopicIntentAdmitted, *intent); err != nil {
		t.metrics.RecordError("throttle_publish")
		t.logger.Error("admitted intent publish failed", logger.Error(err))
	}
}

// resolveWindowLocked finds or creates the window, resetting it when its
// span elapsed with no active cooldown.
func (t *Throttler) resolveWindowLocked(rule config.ThrottleRule, scopeValue string, now time.Time) *throttleWindow {
	key := rule.ID + "|" + scopeValue
	w, ok := t.windows[key]
	if !ok {
		w = &throttleWindow{ruleID: rule.ID, scopeValue: scopeValue, windowStart: now}
		t.windows[key] = w
		return w
	}
	if now.Sub(w.windowStart) >= rule.Window && !w.cooldownUntil.After(now) {
		w.windowStart = now
		w.count = 0
	}
	return w
}

// effectiveMaxLocked halves rule capacity under a slowdown directive.
func (t *Throttler) effectiveMaxLocked(rule config.ThrottleRule, guard models.GuardMode) int {
	if guard >= models.ModeSlowdown {
		half := (rule.Max + 1) / 2
		if half < 1 {
			half = 1
		}
		return half
	}
	return rule.Max
}

func scopeValueFor(scope string, intent *models.ExecutionIntent) string {
	switch scope {
	case "instrument":
		return intent.Symbol
	case "source":
		return intent.Source
	case "variant":
		return string(intent.Variant)
	case "timeframe":
		return intent.Timeframe
	default:
		return "global"
	}
}

// park holds the intent for retry, or permanently rejects once retries or
// age are exhausted.
func (t *Throttler) park(ctx context.Context, intent *models.ExecutionIntent, ruleID, reason string, wait time.Duration, parked *deferredIntent) {
	now := t.now()

	attempts := 1
	firstAt := now
	if parked != nil {
		attempts = parked.attempts + 1
		firstAt = parked.firstAt
	}

	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()

	if attempts > cfg.MaxRetryAttempts || now.Sub(firstAt) > cfg.MaxDeferAge {
		t.mu.Lock()
		t.stats.expired++
		t.mu.Unlock()
		t.reject(ctx, intent, ruleID, models.ReasonThrottleExpired, parked)
		return
	}

	releaseAt := now.Add(wait)
	if min := now.Add(cfg.RetryInterval); releaseAt.Before(min) {
		releaseAt = min
	}

	t.mu.Lock()
	t.stats.deferred++
	t.parked = append(t.parked, &deferredIntent{
		intent:    *intent,
		firstAt:   firstAt,
		releaseAt: releaseAt,
		attempts:  attempts,
	})
	t.mu.Unlock()

	t.metrics.RecordOutcome(stageName, "defer", reason)
	out := models.ThrottleOutcome{
		CorrelationID: intent.CorrelationID,
		Symbol:        intent.Symbol,
		RuleID:        ruleID,
		Outcome:       "defer",
		Reasons:       []string{reason},
		RetryIn:       releaseAt.Sub(now),
		Attempts:      attempts,
		Timestamp:     now,
	}
	if err := t.bus.Publish(ctx, models.TopicIntentThrottled, out); err != nil {
		t.metrics.RecordError("throttle_publish")
	}
}

func (t *Throttler) reject(ctx context.Context, intent *models.ExecutionIntent, ruleID, reason string, parked *deferredIntent) {
	t.mu.Lock()
	t.stats.rejected++
	t.mu.Unlock()
	t.metrics.RecordOutcome(stageName, "reject", reason)

	attempts := 0
	if parked != nil {
		attempts = parked.attempts
	}
	out := models.ThrottleOutcome{
		CorrelationID: intent.CorrelationID,
		Symbol:        intent.Symbol,
		RuleID:        ruleID,
		Outcome:       "reject",
		Reasons:       []string{reason},
		Attempts:      attempts,
		Timestamp:     t.now(),
	}
	if err := t.bus.Publish(ctx, models.TopicIntentThrottled, out); err != nil {
		t.metrics.RecordError("throttle_publish")
	}
}

// sweepDeferred retries parked intents whose release time has passed.
func (t *Throttler) sweepDeferred(now time.Time) {
	t.mu.Lock()
	var due []*deferredIntent
	rest := t.parked[:0]
	for _, d := range t.parked {
		if !now.Before(d.releaseAt) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	t.parked = rest
	t.mu.Unlock()

	ctx := context.Background()
	for _, d := range due {
		intent := d.intent
		t.admit(ctx, &intent, d)
	}
}

// sweepExpired garbage-collects windows that elapsed outside cooldown.
func (t *Throttler) sweepExpired(now time.Time) {
	t.mu.Lock()
	ruleByID := make(map[string]config.ThrottleRule, len(t.rules))
	for _, r := range t.rules {
		ruleByID[r.ID] = r
	}
	for key, w := range t.windows {
		rule, ok := ruleByID[w.ruleID]
		if !ok {
			delete(t.windows, key)
			continue
		}
		if now.Sub(w.windowStart) >= rule.Window && !w.cooldownUntil.After(now) {
			delete(t.windows, key)
		}
	}
	t.pruneBrakeLocked(now)
	t.updateBrakeLocked(context.Background(), now)
	t.mu.Unlock()
}

// --- emergency brake ---

func (t *Throttler) pruneBrakeLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.BrakeWindow)
	i := 0
	for ; i < len(t.brakeEvents); i++ {
		if t.brakeEvents[i].After(cutoff) {
			break
		}
	}
	t.brakeEvents = t.brakeEvents[i:]
}

// updateBrakeLocked applies the activation threshold with half-threshold
// hysteresis on the way down.
func (t *Throttler) updateBrakeLocked(ctx context.Context, now time.Time) {
	rate := float64(len(t.brakeEvents))
	switch {
	case !t.brakeActive && rate > t.cfg.BrakeThreshold:
		t.brakeActive = true
		t.stats.brakeTrips++
		t.metrics.SetBrakeActive(true)
		t.publishBrake(ctx, true, rate, now)
	case t.brakeActive && rate < t.cfg.BrakeThreshold/2:
		t.brakeActive = false
		t.metrics.SetBrakeActive(false)
		t.publishBrake(ctx, false, rate, now)
	}
}

func (t *Throttler) publishBrake(ctx context.Context, active bool, rate float64, now time.Time) {
	topic := models.TopicBrakeDeactivated
	if active {
		topic = models.TopicBrakeActivated
	}
	ev := models.BrakeEvent{
		Active:        active,
		RatePerMinute: rate,
		Threshold:     t.cfg.BrakeThreshold,
		Timestamp:     now,
	}
	if err := t.bus.Publish(ctx, topic, ev); err != nil {
		t.metrics.RecordError("throttle_publish")
	}
	t.logger.Warn("emergency brake state changed",
		logger.Bool("active", active),
		logger.Any("rate_per_minute", rate),
	)
}

// --- guard directive ---

func (t *Throttler) handleDirective(ctx context.Context, payload interface{}) {
	d, err := bus.As[models.GuardDirective](payload)
	if err != nil {
		t.metrics.RecordError("throttle_decode")
		return
	}
	t.mu.Lock()
	t.guardMode = models.GuardMode(d.Severity)
	t.guardTTL = d.ExpiresAt
	t.mu.Unlock()
}

func (t *Throttler) effectiveGuardLocked(now time.Time) models.GuardMode {
	if t.guardMode != models.ModeNormal && now.After(t.guardTTL) {
		t.guardMode = models.ModeNormal
	}
	return t.guardMode
}

// --- metrics ---

// Stats is the aggregate snapshot published on vivo.throttle.metrics.
type Stats struct {
	Allowed     uint64 `json:"allowed"`
	Deferred    uint64 `json:"deferred"`
	Rejected    uint64 `json:"rejected"`
	Expired     uint64 `json:"expired"`
	BrakeTrips  uint64 `json:"brake_trips"`
	BrakeActive bool   `json:"brake_active"`
	Windows     int    `json:"windows"`
	Parked      int    `json:"parked"`
}

// Snapshot returns current aggregate stats.
func (t *Throttler) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Allowed:     t.stats.allowed,
		Deferred:    t.stats.deferred,
		Rejected:    t.stats.rejected,
		Expired:     t.stats.expired,
		BrakeTrips:  t.stats.brakeTrips,
		BrakeActive: t.brakeActive,
		Windows:     len(t.windows),
		Parked:      len(t.parked),
	}
}

func (t *Throttler) flushMetrics(now time.Time) {
	snap := t.Snapshot()
	if err := t.bus.Publish(context.Background(), models.TopicThrottleMetrics, snap); err != nil {
		t.metrics.RecordError("throttle_publish")
	}
}

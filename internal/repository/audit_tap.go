package repository

import (
	"context"
	"time"

	"SigGate/internal/domain/models"
	domrepo "SigGate/internal/domain/repository"
	"SigGate/pkg/bus"
	applogger "SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

// AuditTap subscribes to the pipeline's outcome topics and feeds the audit
// sink. Each topic has its own row extractor; payloads that fail to decode
// are dropped after counting.
type AuditTap struct {
	bus     domrepo.Bus
	sink    domrepo.AuditSink
	metrics domrepo.Metrics
	l       *applogger.Logger
	sched   *sched.Scheduler
	unsubs  []func()
}

func NewAuditTap(b domrepo.Bus, sink domrepo.AuditSink, metrics domrepo.Metrics, l *applogger.Logger) *AuditTap {
	return &AuditTap{bus: b, sink: sink, metrics: metrics, l: l, sched: sched.New()}
}

// Start wires the tap and schedules periodic flushes.
func (t *AuditTap) Start(ctx context.Context, flushInterval time.Duration) {
	taps := map[string]func(payload interface{}) (domrepo.AuditRow, bool){
		models.TopicSignalEnvelope:  t.rowFromEnvelope,
		models.TopicQARejected:      t.rowFromSignalOutcome,
		models.TopicQADeferred:      t.rowFromSignalOutcome,
		models.TopicIntentRejected:  t.rowFromSignalOutcome,
		models.TopicRouterDecision:  t.rowFromDecision,
		models.TopicIntentProposed:  t.rowFromIntent("decision_router", "approve"),
		models.TopicIntentAdmitted:  t.rowFromIntent("intent_throttler", "admit"),
		models.TopicIntentThrottled: t.rowFromThrottleOutcome,
		models.TopicGuardDirective:  t.rowFromDirective,
	}
	for topic, extract := range taps {
		topic, extract := topic, extract
		unsub := t.bus.Subscribe(topic, func(ctx context.Context, payload interface{}) {
			row, ok := extract(payload)
			if !ok {
				t.metrics.RecordError("audit_decode")
				return
			}
			row.Topic = topic
			if err := t.sink.Record(ctx, row); err != nil {
				t.metrics.RecordError("audit_record")
			}
		})
		t.unsubs = append(t.unsubs, unsub)
	}
	t.sched.Every(flushInterval, func(now time.Time) {
		if err := t.sink.Flush(ctx); err != nil {
			t.metrics.RecordError("audit_flush")
		}
	})
	t.l.Info("audit tap started", applogger.Int("topics", len(taps)))
}

func (t *AuditTap) Stop() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
	t.sched.Stop()
	if err := t.sink.Close(); err != nil {
		t.l.Error("audit sink close failed", applogger.Error(err))
	}
}

func (t *AuditTap) rowFromEnvelope(payload interface{}) (domrepo.AuditRow, bool) {
	env, err := bus.As[models.CleanSignalEnvelope](payload)
	if err != nil {
		return domrepo.AuditRow{}, false
	}
	return domrepo.AuditRow{
		Timestamp:     env.AcceptedAt,
		Stage:         "quality_gate",
		Symbol:        env.Signal.Symbol,
		Outcome:       "accept",
		Score:         env.Quality,
		CorrelationID: env.Signal.SignalID,
	}, true
}

func (t *AuditTap) rowFromSignalOutcome(payload interface{}) (domrepo.AuditRow, bool) {
	so, err := bus.As[models.SignalOutcome](payload)
	if err != nil {
		return domrepo.AuditRow{}, false
	}
	return domrepo.AuditRow{
		Timestamp:     so.Timestamp,
		Stage:         so.Stage,
		Symbol:        so.Symbol,
		Outcome:       so.Outcome,
		Reason:        firstReason(so.Reasons),
		CorrelationID: so.SignalID,
	}, true
}

func (t *AuditTap) rowFromDecision(payload interface{}) (domrepo.AuditRow, bool) {
	d, err := bus.As[models.RouterDecision](payload)
	if err != nil {
		return domrepo.AuditRow{}, false
	}
	return domrepo.AuditRow{
		Timestamp:     d.DecidedAt,
		Stage:         "decision_router",
		Symbol:        d.Symbol,
		Outcome:       string(d.Decision),
		Reason:        firstReason(d.Reasons),
		Score:         d.Score,
		CorrelationID: d.CorrelationID,
	}, true
}

func (t *AuditTap) rowFromIntent(stage, outcome string) func(payload interface{}) (domrepo.AuditRow, bool) {
	return func(payload interface{}) (domrepo.AuditRow, bool) {
		in, err := bus.As[models.ExecutionIntent](payload)
		if err != nil {
			return domrepo.AuditRow{}, false
		}
		return domrepo.AuditRow{
			Timestamp:     in.ProposedAt,
			Stage:         stage,
			Symbol:        in.Symbol,
			Outcome:       outcome,
			Score:         in.Confidence,
			CorrelationID: in.CorrelationID,
		}, true
	}
}

func (t *AuditTap) rowFromThrottleOutcome(payload interface{}) (domrepo.AuditRow, bool) {
	to, err := bus.As[models.ThrottleOutcome](payload)
	if err != nil {
		return domrepo.AuditRow{}, false
	}
	return domrepo.AuditRow{
		Timestamp:     to.Timestamp,
		Stage:         "intent_throttler",
		Symbol:        to.Symbol,
		Outcome:       to.Outcome,
		Reason:        firstReason(to.Reasons),
		CorrelationID: to.CorrelationID,
	}, true
}

func (t *AuditTap) rowFromDirective(payload interface{}) (domrepo.AuditRow, bool) {
	d, err := bus.As[models.GuardDirective](payload)
	if err != nil {
		return domrepo.AuditRow{}, false
	}
	return domrepo.AuditRow{
		Timestamp: d.Timestamp,
		Stage:     "latency_slip_guard",
		Symbol:    d.Scope,
		Outcome:   d.Mode,
		Reason:    firstReason(d.Reasons),
		Score:     float64(d.Severity),
	}, true
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}

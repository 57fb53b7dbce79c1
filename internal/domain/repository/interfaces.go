package repository

import (
	"context"
	"time"
)

// Bus is the shared publish/subscribe transport between pipeline stages.
// Payloads are passed by value; subscribers never share mutable state with
// the publisher.
type Bus interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Subscribe(topic string, fn func(ctx context.Context, payload interface{})) (unsubscribe func())
	Close() error
}

// Metrics records pipeline observability signals.
type Metrics interface {
	RecordOutcome(stage, outcome, reason string)
	RecordScore(stage string, score float64)
	RecordLatency(op string, seconds float64)
	RecordError(kind string)
	SetGuardMode(severity int)
	SetBrakeActive(active bool)
}

// AuditSink receives outcome rows for the optional observability store.
type AuditSink interface {
	Record(ctx context.Context, row AuditRow) error
	Flush(ctx context.Context) error
	Close() error
}

// AuditRow is one persisted pipeline outcome (observability only).
type AuditRow struct {
	Timestamp     time.Time
	Stage         string
	Topic         string
	Symbol        string
	Outcome       string
	Reason        string
	Score         float64
	CorrelationID string
}

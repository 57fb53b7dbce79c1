package models

import "time"

// Variant is the execution aggressiveness selected by the router.
type Variant string

const (
	VariantAggressive   Variant = "aggressive"
	VariantBase         Variant = "base"
	VariantConservative Variant = "conservative"
)

// Decision is the outcome class of a decision window.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionDefer   Decision = "defer"
)

// RouterDecision is the single outcome of a closed decision window.
type RouterDecision struct {
	CorrelationID string             `json:"correlation_id"`
	SignalID      string             `json:"signal_id"`
	Symbol        string             `json:"symbol"`
	Side          Side               `json:"side"`
	Timeframe     string             `json:"timeframe"`
	Decision      Decision           `json:"decision"`
	Variant       Variant            `json:"variant"`
	Score         float64            `json:"score"`
	Confidence    float64            `json:"confidence"`
	Tuning        map[string]float64 `json:"tuning,omitempty"`
	Reasons       []string           `json:"reasons,omitempty"`
	Candidates    int                `json:"candidates"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// ExecutionIntent is an approved decision proposed for execution, subject to
// throttling downstream.
type ExecutionIntent struct {
	CorrelationID string             `json:"correlation_id"`
	SignalID      string             `json:"signal_id"`
	Symbol        string             `json:"symbol"`
	Side          Side               `json:"side"`
	Timeframe     string             `json:"timeframe"`
	Source        string             `json:"source"`
	Variant       Variant            `json:"variant"`
	Confidence    float64            `json:"confidence"`
	Tuning        map[string]float64 `json:"tuning,omitempty"`
	ProposedAt    time.Time          `json:"proposed_at"`
}

// ThrottleOutcome reports how the throttler disposed of an intent.
type ThrottleOutcome struct {
	CorrelationID string        `json:"correlation_id"`
	Symbol        string        `json:"symbol"`
	RuleID        string        `json:"rule_id,omitempty"`
	Outcome       string        `json:"outcome"`
	Reasons       []string      `json:"reasons"`
	RetryIn       time.Duration `json:"retry_in,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// BrakeEvent signals the system-wide emergency brake flipping state.
type BrakeEvent struct {
	Active        bool      `json:"active"`
	RatePerMinute float64   `json:"rate_per_minute"`
	Threshold     float64   `json:"threshold"`
	Timestamp     time.Time `json:"timestamp"`
}

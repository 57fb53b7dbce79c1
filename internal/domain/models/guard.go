package models

import "time"

// GuardMode is the guard state machine severity, ordered ascending.
type GuardMode int

const (
	ModeNormal GuardMode = iota
	ModeSlowdown
	ModeBlockAggressive
	ModeHaltEntry
	ModeCancelOpenOrders
)

func (m GuardMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSlowdown:
		return "slowdown"
	case ModeBlockAggressive:
		return "block_aggressive"
	case ModeHaltEntry:
		return "halt_entry"
	case ModeCancelOpenOrders:
		return "cancel_open_orders"
	default:
		return "unknown"
	}
}

// GuardDirective is the standing instruction emitted on every mode or
// reason-code change. Consumers may only tighten their own outcomes with it.
type GuardDirective struct {
	Mode      string    `json:"mode"`
	Severity  int       `json:"severity"`
	Scope     string    `json:"scope"` // "global" or an instrument symbol
	Reasons   []string  `json:"reasons"`
	Actions   []string  `json:"actions"`
	ExpiresAt time.Time `json:"expires_at"`
	Timestamp time.Time `json:"timestamp"`
}

// PolicyOverride carries concrete execution-policy changes implied by the
// current guard mode.
type PolicyOverride struct {
	Scope           string    `json:"scope"`
	ForcePostOnly   bool      `json:"force_post_only"`
	AllowFailover   bool      `json:"allow_market_failover"`
	MaxSlippageBps  float64   `json:"max_slippage_bps,omitempty"`
	BlockAggressive bool      `json:"block_aggressive"`
	Timestamp       time.Time `json:"timestamp"`
}

// PlacementResult is execution telemetry for one order placement.
type PlacementResult struct {
	Symbol     string    `json:"symbol"`
	Variant    Variant   `json:"variant"`
	LatencyMs  float64   `json:"latency_ms"`
	Accepted   bool      `json:"accepted"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderUpdate is execution telemetry for fills on a placed order.
type OrderUpdate struct {
	Symbol           string    `json:"symbol"`
	Variant          Variant   `json:"variant"`
	FirstFillMs      float64   `json:"first_fill_ms"`
	SlippageBps      float64   `json:"slippage_bps"`
	Filled           bool      `json:"filled"`
	Timestamp        time.Time `json:"timestamp"`
}

// OrderPlan registers a pending execution plan with the guard so directives
// can carry an instrument scope.
type OrderPlan struct {
	Symbol    string    `json:"symbol"`
	Variant   Variant   `json:"variant"`
	Timestamp time.Time `json:"timestamp"`
}

// PolicySnapshot adjusts guard thresholds at runtime.
type PolicySnapshot struct {
	SlipWarnBps  map[string]float64 `json:"slip_warn_bps,omitempty"` // keyed by variant
	SlipPanicBps float64            `json:"slip_panic_bps,omitempty"`
	LatWarnMs    float64            `json:"lat_warn_ms,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

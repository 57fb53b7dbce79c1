package models

import "time"

// MarketRef is the fresh market reference required by the context gate and
// the spread input of the guard.
type MarketRef struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	SpreadBps float64   `json:"spread_bps"`
	VolumeUSD float64   `json:"volume_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// RegimeSnapshot is the upstream regime classification for an instrument.
type RegimeSnapshot struct {
	Symbol     string    `json:"symbol"`
	State      string    `json:"state"` // "trending", "choppy", "high_volatility"
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExchangeInfo marks an instrument's tradability on the venue.
type ExchangeInfo struct {
	Symbol    string    `json:"symbol"`
	Tradable  bool      `json:"tradable"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is a liveness beat from a connectivity source.
type Heartbeat struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// LiviaGate is the external safety gate state for an instrument.
type LiviaGate struct {
	Symbol    string    `json:"symbol"`
	State     string    `json:"state"` // "open", "hold", "degraded"
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PsyState is the behavioral-bias estimator output consumed by the router.
type PsyState struct {
	Stability float64   `json:"stability"` // 0..1, 1 = fully stable
	Fatigue   float64   `json:"fatigue"`   // 0..1, 1 = exhausted
	Timestamp time.Time `json:"timestamp"`
}

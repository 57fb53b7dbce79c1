package models

import (
	"fmt"
	"time"
)

// Side is the direction of a trading signal.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TrustTier classifies a signal source and sets its quality floor.
type TrustTier string

const (
	TierCore         TrustTier = "core"
	TierExperimental TrustTier = "experimental"
	TierExternal     TrustTier = "external"
)

// FeatureVector carries the bounded analyzer features of a raw signal.
type FeatureVector struct {
	TrendStrength float64 `json:"trend_strength" validate:"gte=-1,lte=1"`
	RiskReward    float64 `json:"risk_reward" validate:"gte=0,lte=10"`
	Volatility    float64 `json:"volatility" validate:"gte=0,lte=1"`
	OrderFlowBias float64 `json:"order_flow_bias" validate:"gte=-1,lte=1"`
}

// HintBlock is analyzer-provided tuning advice, passed through to the router.
type HintBlock struct {
	ConfirmationThreshold float64            `json:"confirmation_threshold,omitempty"`
	PreferredVariant      string             `json:"preferred_variant,omitempty" validate:"omitempty,oneof=aggressive base conservative"`
	BiasWeights           map[string]float64 `json:"bias_weights,omitempty"`
	FormationDetected     bool               `json:"formation_detected,omitempty"`
}

// RawSignal is the wire form produced by the upstream analyzers.
type RawSignal struct {
	SignalID  string        `json:"signal_id" validate:"required"`
	Symbol    string        `json:"symbol" validate:"required"`
	Side      Side          `json:"side" validate:"required,oneof=long short"`
	Timeframe string        `json:"timeframe" validate:"required"`
	Source    string        `json:"source" validate:"required"`
	Features  FeatureVector `json:"features"`
	Hints     HintBlock     `json:"hints"`
	BarClosed bool          `json:"bar_closed"`
	Timestamp time.Time     `json:"timestamp" validate:"required"`
}

// DedupKey identifies a signal for duplicate suppression.
func (s *RawSignal) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", s.Symbol, s.Side, s.Timeframe, s.Source, s.SignalID)
}

// RouteKey groups same-instrument, same-direction signals for arbitration.
func (s *RawSignal) RouteKey() string {
	return fmt.Sprintf("%s|%s|%s", s.Symbol, s.Side, s.Timeframe)
}

// CleanSignalEnvelope is an accepted RawSignal enriched by the quality gate.
// Created once per accepted signal, immutable, consumed once by the router.
type CleanSignalEnvelope struct {
	Signal      RawSignal          `json:"signal"`
	ZScores     map[string]float64 `json:"z_scores"`
	Quality     float64            `json:"quality"`
	Tags        []string           `json:"tags,omitempty"`
	Tier        TrustTier          `json:"tier"`
	FreshnessMs int64              `json:"freshness_ms"`
	AcceptedAt  time.Time          `json:"accepted_at"`
}

// SignalOutcome reports a reject/defer decision for observability.
type SignalOutcome struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source,omitempty"`
	Stage     string    `json:"stage"`
	Outcome   string    `json:"outcome"`
	Reasons   []string  `json:"reasons"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

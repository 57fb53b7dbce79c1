package models

// Machine-readable reason codes attached to every reject/defer outcome.
const (
	ReasonInvalidPayload        = "invalid_payload"
	ReasonStale                 = "stale"
	ReasonClockSkew             = "clock_skew"
	ReasonOpenBar               = "open_bar"
	ReasonContextUnavailable    = "context_unavailable"
	ReasonIlliquidMarket        = "illiquid_market"
	ReasonHighVolatility        = "high_volatility"
	ReasonRegimeMismatch        = "regime_mismatch"
	ReasonAnomalyDetected       = "anomaly_detected"
	ReasonFeatureClamped        = "feature_clamped"
	ReasonLowQuality            = "low_quality"
	ReasonInstrumentUnavailable = "instrument_unavailable"
	ReasonDeferExpired          = "defer_expired"
	ReasonProcessingError       = "processing_error"

	ReasonDuplicateInWindow = "duplicate_in_window"
	ReasonNoViableSignal    = "no_viable_signal"
	ReasonConflictingSignal = "conflicting_signal"
	ReasonLowScore          = "low_score"
	ReasonSafetyHold        = "safety_hold"
	ReasonSafetyDegraded    = "safety_degraded"

	ReasonRateLimited     = "rate_limited"
	ReasonCooldownActive  = "cooldown_active"
	ReasonEmergencyBrake  = "emergency_brake"
	ReasonThrottleExpired = "throttle_expired"
	ReasonGuardHalt       = "guard_halt"

	ReasonSlippagePanic = "slippage_panic"
	ReasonSlippageWarn  = "slippage_warn"
	ReasonLatencyWarn   = "latency_warn"
	ReasonSpreadWide    = "spread_wide"
	ReasonHeartbeatLost = "heartbeat_lost"
	ReasonModeExpired   = "mode_expired"
)

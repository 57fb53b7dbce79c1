package models

// Bus topic names. Consumed and published topics form the published contract
// between the pipeline stages and the external collaborators.
const (
	// Quality Gate
	TopicSignalRaw      = "signal.envelope.raw"
	TopicMarketRefs     = "market.refs"
	TopicRegimeSnapshot = "regime.snapshot"
	TopicExchangeInfo   = "exchange.info"
	TopicHeartbeat      = "connectivity.heartbeat"
	TopicSignalEnvelope = "signal.envelope"
	TopicQARejected     = "signal.qa.rejected"
	TopicQADeferred     = "signal.qa.deferred"
	TopicQAMetrics      = "signal.qa.metrics"
	TopicQAAlert        = "signal.qa.alert"

	// Decision Router
	TopicLiviaGate      = "livia.gate"
	TopicPsyState       = "psy.state"
	TopicIntentProposed = "execution.intent.proposed"
	TopicIntentRejected = "execution.intent.rejected"
	TopicRouterDecision = "vivo.router.decision"
	TopicRouterMetrics  = "vivo.router.metrics"

	// Intent Throttler
	TopicIntentAdmitted    = "execution.intent.admitted"
	TopicIntentThrottled   = "execution.intent.throttled"
	TopicThrottleMetrics   = "vivo.throttle.metrics"
	TopicBrakeActivated    = "emergency.brake.activated"
	TopicBrakeDeactivated  = "emergency.brake.deactivated"

	// Latency & Slippage Guard
	TopicPlacementResult = "order.placement.result"
	TopicOrderUpdate     = "order.update"
	TopicPolicySnapshot  = "policy.snapshot"
	TopicOrderPlan       = "order.plan.proposed"
	TopicGuardDirective  = "latency_slip.guard.directive"
	TopicPolicyOverride  = "execution.policy.override"
	TopicGuardMetrics    = "latency_slip.guard.metrics"
	TopicGuardAlert      = "latency_slip.guard.alert"

	// Ops
	TopicOpsLogs = "ops.logs.aggregated"
)

package router

import (
	"math"

	"SigGate/internal/domain/models"
	"SigGate/pkg/config"
)

// scoreEnvelope blends the analyzer features into an arbitration score in
// [0,1], then applies the adjustment penalties and bonuses.
func scoreEnvelope(cfg config.RouterConfig, env models.CleanSignalEnvelope, psy models.PsyState) float64 {
	f := env.Signal.Features

	trend := f.TrendStrength
	flow := f.OrderFlowBias
	if env.Signal.Side == models.SideShort {
		trend = -trend
		flow = -flow
	}
	trendScore := clamp01((trend + 1) / 2)
	rrScore := clamp01(f.RiskReward / 3) // 3:1 risk/reward saturates
	flowScore := clamp01((flow + 1) / 2)

	score := cfg.TrendWeight*trendScore +
		cfg.RiskRewardWeight*rrScore +
		cfg.FlowWeight*flowScore

	if f.Volatility > 0.85 || hasTag(env, models.ReasonHighVolatility) {
		score -= cfg.VolExtremePenalty
	}
	if env.Signal.Hints.FormationDetected {
		score += cfg.FormationBonus
	}
	if t := env.Signal.Hints.ConfirmationThreshold; t > 0 && score < t {
		score -= (t - score) / 2
	}
	if caution, ok := env.Signal.Hints.BiasWeights["caution"]; ok {
		score -= clamp01(caution) * 0.05
	}

	// Psychological stability and fatigue penalties.
	psyPenalty := math.Max(psy.Fatigue, 1-psy.Stability)
	score -= cfg.PsyPenaltyMax * clamp01(psyPenalty)

	// Transport penalties carried over from the gate.
	if hasTag(env, "open_bar") {
		score -= cfg.OpenBarPenalty
	}
	score -= cfg.StalenessPenalty * clamp01(float64(env.FreshnessMs)/15000)

	return clamp01(score)
}

// better reports whether score a (env a) beats the incumbent b under the
// configured tie-break. Ties within epsilon fall to the tie-break policy.
func better(tieBreak string, a, b float64, envA, envB models.CleanSignalEnvelope) bool {
	const eps = 1e-9
	if a > b+eps {
		return true
	}
	if a < b-eps {
		return false
	}
	if tieBreak == "most_recent" {
		return envA.AcceptedAt.After(envB.AcceptedAt)
	}
	return envA.Quality > envB.Quality
}

// selectVariant derives execution aggressiveness from score, stability and
// analyzer advice. Analyzer advice can only make the variant more cautious.
func selectVariant(cfg config.RouterConfig, score float64, psy models.PsyState, env models.CleanSignalEnvelope) models.Variant {
	v := models.VariantBase
	switch {
	case score >= cfg.AggressiveMin && psy.Stability >= cfg.StabilityMin && !hasTag(env, models.ReasonHighVolatility):
		v = models.VariantAggressive
	case score < cfg.ConservativeMax || psy.Stability < cfg.StabilityMin:
		v = models.VariantConservative
	}
	if env.Signal.Hints.PreferredVariant == string(models.VariantConservative) {
		return models.VariantConservative
	}
	if env.Signal.Hints.PreferredVariant == string(models.VariantBase) && v == models.VariantAggressive {
		return models.VariantBase
	}
	return v
}

func tuningHints(env models.CleanSignalEnvelope) map[string]float64 {
	out := make(map[string]float64, len(env.Signal.Hints.BiasWeights)+1)
	for k, v := range env.Signal.Hints.BiasWeights {
		out[k] = v
	}
	if t := env.Signal.Hints.ConfirmationThreshold; t > 0 {
		out["confirmation_threshold"] = t
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hasTag(env models.CleanSignalEnvelope, tag string) bool {
	for _, t := range env.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

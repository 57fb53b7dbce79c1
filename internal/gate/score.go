package gate

import (
	"math"
	"time"

	"SigGate/internal/domain/models"
	"SigGate/pkg/config"
)

// clampPenaltyDelta: clamp corrections larger than this tag the signal.
const clampPenaltyDelta = 0.1

type bound struct{ lo, hi float64 }

var featureBounds = [4]bound{
	{-1, 1},  // trend_strength
	{0, 10},  // risk_reward
	{0, 1},   // volatility
	{-1, 1},  // order_flow_bias
}

func featureArray(f models.FeatureVector) [4]float64 {
	return [4]float64{f.TrendStrength, f.RiskReward, f.Volatility, f.OrderFlowBias}
}

func finiteFeatures(f models.FeatureVector) bool {
	for _, v := range featureArray(f) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// clampFeatures forces each feature into its valid range and reports the
// largest correction applied.
func clampFeatures(f models.FeatureVector) (models.FeatureVector, float64) {
	vals := featureArray(f)
	var maxDelta float64
	for i, b := range featureBounds {
		clamped := math.Min(math.Max(vals[i], b.lo), b.hi)
		if d := math.Abs(clamped - vals[i]); d > maxDelta {
			maxDelta = d
		}
		vals[i] = clamped
	}
	return models.FeatureVector{
		TrendStrength: vals[0],
		RiskReward:    vals[1],
		Volatility:    vals[2],
		OrderFlowBias: vals[3],
	}, maxDelta
}

func maxAbs(zs map[string]float64) float64 {
	var m float64
	for _, z := range zs {
		if a := math.Abs(z); a > m {
			m = a
		}
	}
	return m
}

// regimeMismatch flags a signal whose direction fights a confidently
// trending regime.
func regimeMismatch(regime models.RegimeSnapshot, sig *models.RawSignal) bool {
	if regime.State != "trending" || regime.Confidence < 0.5 {
		return false
	}
	if sig.Side == models.SideLong {
		return sig.Features.TrendStrength < -0.2
	}
	return sig.Features.TrendStrength > 0.2
}

type scoreInputs struct {
	clampDelta float64
	age        time.Duration
	budget     time.Duration
	barClosed  bool
	tags       []string
	tier       models.TrustTier
	maxAbsZ    float64
	zBound     float64
}

// qualityScore blends the six admission subscores with configured weights;
// every subscore and the result live in [0,1].
func qualityScore(w config.GateWeights, in scoreInputs) float64 {
	validity := clamp01(1 - 2*in.clampDelta)

	freshness := 1.0
	if in.budget > 0 {
		freshness = clamp01(1 - in.age.Seconds()/in.budget.Seconds())
	}

	barClose := 0.0
	if in.barClosed {
		barClose = 1.0
	}

	regimeFit := 1.0
	for _, tag := range in.tags {
		switch tag {
		case models.ReasonHighVolatility:
			regimeFit -= 0.4
		case models.ReasonRegimeMismatch:
			regimeFit -= 0.5
		case models.ReasonIlliquidMarket:
			regimeFit -= 0.5
		}
	}
	regimeFit = clamp01(regimeFit)

	trust := 0.4
	switch in.tier {
	case models.TierCore:
		trust = 1.0
	case models.TierExperimental:
		trust = 0.7
	}

	safety := 1.0
	if in.zBound > 0 {
		safety = clamp01(1 - in.maxAbsZ/in.zBound)
	}

	score := w.Validity*validity +
		w.Freshness*freshness +
		w.BarClose*barClose +
		w.RegimeFit*regimeFit +
		w.SourceTrust*trust +
		w.AnomalySafety*safety
	return clamp01(score)
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

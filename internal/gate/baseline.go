package gate

import (
	"math"
	"time"
)

// featureNames indexes the four analyzer features in a fixed order.
var featureNames = [4]string{"trend_strength", "risk_reward", "volatility", "order_flow_bias"}

// minBaselineSamples is the sample count below which z-scores report 0;
// a two-sample baseline says nothing about outliers.
const minBaselineSamples = 20

// rollingStat keeps a sliding window of one feature with running sums so
// mean/std are O(1) per update.
type rollingStat struct {
	values []float64
	head   int
	filled bool
	sum    float64
	sumSq  float64
}

func newRollingStat(window int) *rollingStat {
	return &rollingStat{values: make([]float64, window)}
}

func (r *rollingStat) push(v float64) {
	if r.filled {
		old := r.values[r.head]
		r.sum -= old
		r.sumSq -= old * old
	}
	r.values[r.head] = v
	r.sum += v
	r.sumSq += v * v
	r.head++
	if r.head == len(r.values) {
		r.head = 0
		r.filled = true
	}
}

func (r *rollingStat) count() int {
	if r.filled {
		return len(r.values)
	}
	return r.head
}

func (r *rollingStat) mean() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

func (r *rollingStat) std() float64 {
	n := r.count()
	if n < 2 {
		return 0
	}
	mean := r.mean()
	variance := r.sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// baseline is the rolling per-instrument feature baseline.
type baseline struct {
	stats    [4]*rollingStat
	lastUsed time.Time
}

func newBaseline(window int) *baseline {
	b := &baseline{}
	for i := range b.stats {
		b.stats[i] = newRollingStat(window)
	}
	return b
}

// zScores computes the number of standard deviations each feature sits from
// its rolling mean. Returns zeros until enough samples accumulate.
func (b *baseline) zScores(features [4]float64) map[string]float64 {
	out := make(map[string]float64, 4)
	for i, name := range featureNames {
		s := b.stats[i]
		if s.count() < minBaselineSamples {
			out[name] = 0
			continue
		}
		std := s.std()
		if std < 1e-9 {
			out[name] = 0
			continue
		}
		out[name] = (features[i] - s.mean()) / std
	}
	return out
}

func (b *baseline) update(features [4]float64, now time.Time) {
	for i := range featureNames {
		b.stats[i].push(features[i])
	}
	b.lastUsed = now
}

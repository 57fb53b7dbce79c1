package guard

import (
	"math"
	"time"
)

// minAlpha keeps bursts of same-timestamp samples from being ignored.
const minAlpha = 0.125

// ewma is an exponentially weighted moving average whose decay is tied to
// wall time through a half life, so sparse samples age out at the same rate
// as dense ones.
type ewma struct {
	halfLife time.Duration
	value    float64
	last     time.Time
	primed   bool
}

func newEWMA(halfLife time.Duration) *ewma {
	return &ewma{halfLife: halfLife}
}

// Observe folds a sample in. The first sample seeds the average directly.
func (e *ewma) Observe(sample float64, at time.Time) {
	if !e.primed {
		e.value = sample
		e.last = at
		e.primed = true
		return
	}
	dt := at.Sub(e.last)
	if dt < 0 {
		dt = 0
	}
	alpha := 1 - math.Exp(-math.Ln2*dt.Seconds()/e.halfLife.Seconds())
	if alpha < minAlpha {
		alpha = minAlpha
	}
	e.value += alpha * (sample - e.value)
	if at.After(e.last) {
		e.last = at
	}
}

// Value returns the current average, or zero before any sample.
func (e *ewma) Value() float64 {
	return e.value
}

// Primed reports whether at least one sample was observed.
func (e *ewma) Primed() bool {
	return e.primed
}

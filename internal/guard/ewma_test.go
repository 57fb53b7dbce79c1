package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEWMASeedsOnFirstSample(t *testing.T) {
	e := newEWMA(30 * time.Second)
	assert.False(t, e.Primed())

	at := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	e.Observe(120, at)
	assert.True(t, e.Primed())
	assert.Equal(t, 120.0, e.Value())
}

func TestEWMADecaysTowardSamples(t *testing.T) {
	e := newEWMA(60 * time.Second)
	at := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	e.Observe(120, at)

	prev := e.Value()
	for i := 1; i <= 6; i++ {
		e.Observe(5, at.Add(time.Duration(i)*30*time.Second))
		assert.Less(t, e.Value(), prev)
		prev = e.Value()
	}
	// After half-life-spaced samples the average sits near the new level.
	assert.Less(t, e.Value(), 20.0)
	assert.Greater(t, e.Value(), 5.0)
}

func TestEWMAHalfLifeWeighting(t *testing.T) {
	at := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)

	// One half life between samples pulls the value halfway.
	e := newEWMA(30 * time.Second)
	e.Observe(100, at)
	e.Observe(0, at.Add(30*time.Second))
	assert.InDelta(t, 50, e.Value(), 0.5)
}

func TestEWMASameTimestampSamplesStillCount(t *testing.T) {
	at := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	e := newEWMA(30 * time.Second)
	e.Observe(100, at)
	e.Observe(0, at)
	assert.Less(t, e.Value(), 100.0)
}

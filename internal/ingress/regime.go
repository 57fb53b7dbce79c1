package ingress

import (
	"context"
	"math"
	"sync"
	"time"

	"SigGate/internal/domain/models"
	"SigGate/internal/domain/repository"
	"SigGate/pkg/bus"
	"SigGate/pkg/logger"
	"SigGate/pkg/sched"
)

const (
	regimeWindow     = 120
	regimeMinSamples = 20
	regimeInterval   = 5 * time.Second
	trendThreshold   = 0.0008
	highVolThreshold = 0.0025
	regimeMaxConf    = 0.95
)

type regimeSeries struct {
	mids []float64
	last time.Time
}

// RegimeClassifier derives a coarse per-symbol regime from mid-price
// returns and publishes snapshots for the gate's regime-fit scoring.
// It is a fallback for deployments without an upstream regime feed.
type RegimeClassifier struct {
	bus    repository.Bus
	logger *logger.Logger
	sched  *sched.Scheduler
	mu     sync.Mutex
	series map[string]*regimeSeries
	unsub  func()
}

func NewRegimeClassifier(b repository.Bus, log *logger.Logger) *RegimeClassifier {
	return &RegimeClassifier{
		bus:    b,
		logger: log,
		sched:  sched.New(),
		series: make(map[string]*regimeSeries),
	}
}

func (r *RegimeClassifier) Start(ctx context.Context) {
	r.unsub = r.bus.Subscribe(models.TopicMarketRefs, func(ctx context.Context, payload interface{}) {
		ref, err := bus.As[models.MarketRef](payload)
		if err != nil {
			return
		}
		r.observe(ref)
	})
	r.sched.Every(regimeInterval, func(now time.Time) {
		r.publish(ctx, now)
	})
	r.logger.Info("regime classifier started")
}

func (r *RegimeClassifier) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.sched.Stop()
}

func (r *RegimeClassifier) observe(ref *models.MarketRef) {
	mid := ref.Last
	if ref.Bid > 0 && ref.Ask > ref.Bid {
		mid = (ref.Bid + ref.Ask) / 2
	}
	if mid <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[ref.Symbol]
	if !ok {
		s = &regimeSeries{}
		r.series[ref.Symbol] = s
	}
	s.mids = append(s.mids, mid)
	if len(s.mids) > regimeWindow {
		s.mids = s.mids[len(s.mids)-regimeWindow:]
	}
	s.last = ref.Timestamp
}

func (r *RegimeClassifier) publish(ctx context.Context, now time.Time) {
	r.mu.Lock()
	snaps := make([]models.RegimeSnapshot, 0, len(r.series))
	for symbol, s := range r.series {
		if len(s.mids) < regimeMinSamples {
			continue
		}
		state, conf := classify(s.mids)
		snaps = append(snaps, models.RegimeSnapshot{
			Symbol:     symbol,
			State:      state,
			Confidence: conf,
			Timestamp:  now,
		})
	}
	r.mu.Unlock()
	for i := range snaps {
		_ = r.bus.Publish(ctx, models.TopicRegimeSnapshot, snaps[i])
	}
}

// classify labels the return series by drift and dispersion. Strong drift
// relative to noise reads as trending, elevated dispersion as high
// volatility, anything else as choppy.
func classify(mids []float64) (string, float64) {
	returns := make([]float64, 0, len(mids)-1)
	for i := 1; i < len(mids); i++ {
		if mids[i-1] > 0 {
			returns = append(returns, mids[i]/mids[i-1]-1)
		}
	}
	if len(returns) == 0 {
		return "choppy", 0
	}
	var mean float64
	for _, v := range returns {
		mean += v
	}
	mean /= float64(len(returns))
	var variance float64
	for _, v := range returns {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	vol := math.Sqrt(variance)

	drift := math.Abs(mean)
	switch {
	case vol >= highVolThreshold:
		return "high_volatility", clampConf(vol / highVolThreshold / 2)
	case drift >= trendThreshold && drift > vol/4:
		return "trending", clampConf(drift / trendThreshold / 2)
	default:
		return "choppy", 0.6
	}
}

func clampConf(v float64) float64 {
	if v > regimeMaxConf {
		return regimeMaxConf
	}
	if v < 0.5 {
		return 0.5
	}
	return v
}

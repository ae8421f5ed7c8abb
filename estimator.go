package bond

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/getlantern/ema"
	"go.uber.org/atomic"
)

// Sample is one telemetry report for a link, pushed by the transport.
type Sample struct {
	RTT     time.Duration
	HasRTT  bool
	Loss    float64 // fraction lost, 0 to 1
	HasLoss bool
	// Bytes is the number of bytes delivered on the link since the previous
	// sample.
	Bytes uint64
	// CapacityBps is the transport's own bandwidth estimate, if it has one.
	CapacityBps float64
	At          time.Time
}

type TrendDirection int

const (
	TrendNeutral TrendDirection = iota
	TrendUpward
	TrendDownward
)

func (t TrendDirection) String() string {
	switch t {
	case TrendNeutral:
		return "NEUTRAL"
	case TrendUpward:
		return "UPWARD"
	case TrendDownward:
		return "DOWNWARD"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// Metrics is the smoothed view of a link. It is a plain value, safe to copy
// and to share across goroutines.
type Metrics struct {
	RTT          time.Duration
	LastRTT      time.Duration
	BaselineRTT  time.Duration
	Loss         float64
	BaselineLoss float64

	CapacityBps          float64
	ProjectedCapacityBps float64
	ThroughputBps        float64

	// Penalty scales capacity down while the link shows degradation. It is
	// in [PenaltyMin, 1].
	Penalty float64
	// Score is a short horizon quality score in (0, 1].
	Score float64
	Trend TrendDirection

	Samples      uint64
	LastSampleAt time.Time
}

// EffectiveCapacity is the capacity the scheduler should plan with.
func (m Metrics) EffectiveCapacity() float64 {
	return m.ProjectedCapacityBps * m.Penalty
}

type capacitySample struct {
	at  time.Time
	bps float64
}

type linkEstimate struct {
	mu sync.Mutex

	// The averages are created on the first sample carrying the value so
	// that they are seeded with it rather than with an arbitrary default.
	rtt          *ema.EMA
	baselineRTT  *ema.EMA
	loss         *ema.EMA
	baselineLoss *ema.EMA
	capacity     *ema.EMA
	throughput   *ema.EMA

	samples uint64
	lastRTT time.Duration
	lastAt  time.Time

	penalty         float64
	degradedSamples int
	goodSamples     int

	trend    []capacitySample
	trendPos int
	trendLen int

	snapshot atomic.Pointer[Metrics]
}

// Estimator keeps smoothed quality metrics per link. RecordSample may be
// called from any goroutine; each link's state is guarded by its own lock,
// and readers only ever load a published snapshot.
type Estimator struct {
	cfg EstimatorConfig

	mu    sync.RWMutex
	links map[string]*linkEstimate
}

func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg, links: make(map[string]*linkEstimate)}
}

func (e *Estimator) get(linkID string, create bool) *linkEstimate {
	e.mu.RLock()
	le := e.links[linkID]
	e.mu.RUnlock()
	if le != nil || !create {
		return le
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if le = e.links[linkID]; le == nil {
		le = &linkEstimate{penalty: 1, trend: make([]capacitySample, e.cfg.TrendSamples)}
		m := e.floorMetrics()
		le.snapshot.Store(&m)
		e.links[linkID] = le
	}
	return le
}

// Remove forgets a detached link.
func (e *Estimator) Remove(linkID string) {
	e.mu.Lock()
	delete(e.links, linkID)
	e.mu.Unlock()
}

// RecordSample folds one telemetry sample into the link's averages.
func (e *Estimator) RecordSample(linkID string, s Sample) {
	le := e.get(linkID, true)
	le.mu.Lock()
	defer le.mu.Unlock()

	degraded := false
	if s.HasRTT && s.RTT > 0 {
		le.lastRTT = s.RTT
		if le.rtt == nil {
			le.rtt = seededDuration(s.RTT, e.cfg.RTTAlpha)
			le.baselineRTT = seededDuration(s.RTT, e.cfg.BaselineAlpha)
		} else {
			if float64(s.RTT) > float64(le.baselineRTT.GetDuration())*e.cfg.DegradeRTTMultiple {
				degraded = true
			}
			le.rtt.UpdateDuration(s.RTT)
			le.baselineRTT.UpdateDuration(s.RTT)
		}
	}
	if s.HasLoss {
		loss := clamp(s.Loss, 0, 1)
		if le.loss == nil {
			le.loss = seeded(loss, e.cfg.LossAlpha)
			le.baselineLoss = seeded(loss, e.cfg.BaselineAlpha)
		} else {
			le.loss.Update(loss)
			le.baselineLoss.Update(loss)
		}
		if loss > math.Max(le.baselineLoss.Get()*e.cfg.DegradeLossMultiple, e.cfg.DegradeLossFloor) {
			degraded = true
		}
	}

	capacitySampleBps := s.CapacityBps
	if !le.lastAt.IsZero() && s.At.After(le.lastAt) {
		bps := float64(s.Bytes) * 8 / s.At.Sub(le.lastAt).Seconds()
		if le.throughput == nil {
			le.throughput = seeded(bps, e.cfg.CapacityAlpha)
		} else {
			le.throughput.Update(bps)
		}
		if capacitySampleBps <= 0 {
			capacitySampleBps = bps * e.cfg.ThroughputCapacityGain
		}
	}
	if capacitySampleBps > 0 {
		if le.capacity == nil {
			le.capacity = seeded(capacitySampleBps, e.cfg.CapacityAlpha)
		} else {
			le.capacity.Update(capacitySampleBps)
		}
		le.addTrendSample(s.At, capacitySampleBps)
	}

	if degraded {
		le.degradedSamples++
	} else {
		le.goodSamples++
	}
	le.samples++
	if s.At.After(le.lastAt) {
		le.lastAt = s.At
	}
	e.publish(le)
}

// Refresh applies the per refresh penalty decay or recovery and returns the
// link's updated metrics. It is called on a fixed interval by the owner of
// the link table.
func (e *Estimator) Refresh(linkID string) Metrics {
	le := e.get(linkID, false)
	if le == nil {
		return e.floorMetrics()
	}
	le.mu.Lock()
	defer le.mu.Unlock()
	switch {
	case le.degradedSamples > 0:
		le.penalty = math.Max(le.penalty*e.cfg.PenaltyDecay, e.cfg.PenaltyMin)
	case le.goodSamples > 0:
		le.penalty = math.Min(le.penalty+e.cfg.PenaltyRecovery, 1)
	}
	le.degradedSamples, le.goodSamples = 0, 0
	return *e.publish(le)
}

// Snapshot returns the latest published metrics of the link without side
// effects. Links without any sample report the capacity floor so they can be
// scheduled conservatively.
func (e *Estimator) Snapshot(linkID string) Metrics {
	le := e.get(linkID, false)
	if le == nil {
		return e.floorMetrics()
	}
	return *le.snapshot.Load()
}

func (e *Estimator) floorMetrics() Metrics {
	return Metrics{
		CapacityBps:          e.cfg.CapacityFloorBps,
		ProjectedCapacityBps: e.cfg.CapacityFloorBps,
		Penalty:              1,
		Score:                1,
	}
}

// publish must be called with le.mu held.
func (e *Estimator) publish(le *linkEstimate) *Metrics {
	m := e.floorMetrics()
	m.Samples = le.samples
	m.LastSampleAt = le.lastAt
	m.Penalty = le.penalty
	m.LastRTT = le.lastRTT
	if le.rtt != nil {
		m.RTT = le.rtt.GetDuration()
		m.BaselineRTT = le.baselineRTT.GetDuration()
	}
	if le.loss != nil {
		m.Loss = clamp(le.loss.Get(), 0, 1)
		m.BaselineLoss = clamp(le.baselineLoss.Get(), 0, 1)
	}
	if le.throughput != nil {
		m.ThroughputBps = le.throughput.Get()
	}
	if le.capacity != nil {
		m.CapacityBps = math.Max(le.capacity.Get(), e.cfg.CapacityFloorBps)
	}

	slope, tau := le.trendSlope()
	projected := m.CapacityBps + slope*e.cfg.PredictionHorizon.Seconds()
	m.ProjectedCapacityBps = clamp(projected, e.cfg.CapacityFloorBps, m.CapacityBps*e.cfg.MaxTrendGain)
	switch {
	case le.trendLen >= 3 && tau > 0.5:
		m.Trend = TrendUpward
	case le.trendLen >= 3 && tau < -0.5:
		m.Trend = TrendDownward
	}

	score := 1 - m.Loss
	if m.RTT > 0 && m.BaselineRTT > 0 && m.RTT > m.BaselineRTT {
		score *= float64(m.BaselineRTT) / float64(m.RTT)
	}
	if m.Trend == TrendDownward {
		score *= 0.9
	}
	m.Score = clamp(score, 0.01, 1)

	le.snapshot.Store(&m)
	return &m
}

func (le *linkEstimate) addTrendSample(at time.Time, bps float64) {
	if len(le.trend) == 0 {
		return
	}
	le.trend[le.trendPos] = capacitySample{at: at, bps: bps}
	le.trendPos = (le.trendPos + 1) % len(le.trend)
	if le.trendLen < len(le.trend) {
		le.trendLen++
	}
}

// trendSlope returns the least squares slope of the capacity samples in bps
// per second, and Kendall's tau of the same samples.
func (le *linkEstimate) trendSlope() (slope float64, tau float64) {
	n := le.trendLen
	if n < 2 {
		return 0, 0
	}
	first := le.trendPos - n
	if first < 0 {
		first += len(le.trend)
	}
	at := func(i int) capacitySample {
		return le.trend[(first+i)%len(le.trend)]
	}
	origin := at(0).at
	var sumX, sumY, sumXY, sumXX float64
	concordant, discordant := 0, 0
	for i := 0; i < n; i++ {
		s := at(i)
		x := s.at.Sub(origin).Seconds()
		sumX += x
		sumY += s.bps
		sumXY += x * s.bps
		sumXX += x * x
		for j := i + 1; j < n; j++ {
			switch other := at(j).bps; {
			case s.bps < other:
				concordant++
			case s.bps > other:
				discordant++
			}
		}
	}
	if pairs := concordant + discordant; pairs > 0 {
		tau = float64(concordant-discordant) / float64(pairs)
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom <= 0 {
		return 0, tau
	}
	return (fn*sumXY - sumX*sumY) / denom, tau
}

// seeded returns an average holding v. The value passed to ema.New is only
// a default, which the first Update replaces outright.
func seeded(v, alpha float64) *ema.EMA {
	e := ema.New(0, alpha)
	e.Update(v)
	return e
}

func seededDuration(v time.Duration, alpha float64) *ema.EMA {
	e := ema.NewDuration(0, alpha)
	e.UpdateDuration(v)
	return e
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Max(lo, math.Min(hi, v))
}

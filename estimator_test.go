package bond

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOfUnknownLink(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	m := e.Snapshot("nope")
	assert.Equal(t, DefaultEstimatorConfig.CapacityFloorBps, m.CapacityBps)
	assert.Equal(t, DefaultEstimatorConfig.CapacityFloorBps, m.EffectiveCapacity())
	assert.Equal(t, 1.0, m.Score)
	assert.Zero(t, m.Samples)
}

func TestFirstSampleSeedsAverages(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	now := time.Now()
	e.RecordSample("a", Sample{RTT: 50 * time.Millisecond, HasRTT: true, Loss: 0.02, HasLoss: true, CapacityBps: 4e6, At: now})
	m := e.Snapshot("a")
	assert.InDelta(t, float64(50*time.Millisecond), float64(m.RTT), float64(time.Millisecond))
	assert.InDelta(t, float64(50*time.Millisecond), float64(m.BaselineRTT), float64(time.Millisecond))
	assert.InDelta(t, 0.02, m.Loss, 0.001)
	assert.InDelta(t, 4e6, m.CapacityBps, 1e3)
	assert.Equal(t, uint64(1), m.Samples)
	assert.Equal(t, now, m.LastSampleAt)
}

func TestSmoothing(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	now := time.Now()
	e.RecordSample("a", Sample{RTT: 40 * time.Millisecond, HasRTT: true, At: now})
	e.RecordSample("a", Sample{RTT: 120 * time.Millisecond, HasRTT: true, At: now.Add(100 * time.Millisecond)})
	m := e.Snapshot("a")
	// 40 + 0.125 * (120 - 40)
	assert.InDelta(t, float64(50*time.Millisecond), float64(m.RTT), float64(time.Millisecond))
	assert.Equal(t, 120*time.Millisecond, m.LastRTT)
	// 40 + 0.02 * (120 - 40)
	assert.InDelta(t, float64(41600*time.Microsecond), float64(m.BaselineRTT), float64(time.Millisecond))
	assert.True(t, m.BaselineRTT < m.RTT, "baseline moves slower than the average")
}

func TestCapacityNeverBelowFloor(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	e.RecordSample("a", Sample{CapacityBps: 1000, At: time.Now()})
	m := e.Snapshot("a")
	assert.Equal(t, DefaultEstimatorConfig.CapacityFloorBps, m.CapacityBps)
	assert.True(t, m.ProjectedCapacityBps >= DefaultEstimatorConfig.CapacityFloorBps)
}

func TestCapacityFromThroughput(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	now := time.Now()
	e.RecordSample("a", Sample{At: now})
	e.RecordSample("a", Sample{Bytes: 125000, At: now.Add(time.Second)})
	m := e.Snapshot("a")
	assert.InDelta(t, 1e6, m.ThroughputBps, 1e3)
	assert.InDelta(t, 1e6*DefaultEstimatorConfig.ThroughputCapacityGain, m.CapacityBps, 1e3)
}

func TestPenaltyDecaysFastAndRecoversSlowly(t *testing.T) {
	cfg := DefaultEstimatorConfig
	e := NewEstimator(cfg)
	now := time.Now()
	sample := func(rtt time.Duration) {
		now = now.Add(100 * time.Millisecond)
		e.RecordSample("a", Sample{RTT: rtt, HasRTT: true, CapacityBps: 4e6, At: now})
	}
	for i := 0; i < 5; i++ {
		sample(50 * time.Millisecond)
		assert.Equal(t, 1.0, e.Refresh("a").Penalty)
	}

	sample(500 * time.Millisecond)
	m := e.Refresh("a")
	assert.InDelta(t, cfg.PenaltyDecay, m.Penalty, 1e-9)
	assert.InDelta(t, 4e6*cfg.PenaltyDecay, m.EffectiveCapacity(), 4e6*0.01)

	sample(50 * time.Millisecond)
	m = e.Refresh("a")
	assert.InDelta(t, cfg.PenaltyDecay+cfg.PenaltyRecovery, m.Penalty, 1e-9)

	// no new samples, no change
	assert.InDelta(t, cfg.PenaltyDecay+cfg.PenaltyRecovery, e.Refresh("a").Penalty, 1e-9)

	for i := 0; i < 20; i++ {
		sample(2 * time.Second)
		m = e.Refresh("a")
	}
	assert.Equal(t, cfg.PenaltyMin, m.Penalty, "penalty is floored")

	// recovery takes many more refreshes than degradation did
	refreshes := 0
	for m.Penalty < 1 {
		sample(50 * time.Millisecond)
		m = e.Refresh("a")
		refreshes++
	}
	assert.True(t, refreshes > 10, "recovered within %d refreshes", refreshes)
}

func TestLossSpikeIsDegraded(t *testing.T) {
	cfg := DefaultEstimatorConfig
	e := NewEstimator(cfg)
	now := time.Now()
	e.RecordSample("a", Sample{Loss: 0, HasLoss: true, At: now})
	e.Refresh("a")
	e.RecordSample("a", Sample{Loss: 0.3, HasLoss: true, At: now.Add(100 * time.Millisecond)})
	assert.InDelta(t, cfg.PenaltyDecay, e.Refresh("a").Penalty, 1e-9)
}

func TestTrendProjection(t *testing.T) {
	cfg := DefaultEstimatorConfig
	now := time.Now()

	up := NewEstimator(cfg)
	for i := 1; i <= cfg.TrendSamples; i++ {
		up.RecordSample("a", Sample{CapacityBps: float64(i) * 1e6, At: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	m := up.Snapshot("a")
	assert.Equal(t, TrendUpward, m.Trend)
	assert.True(t, m.ProjectedCapacityBps > m.CapacityBps)
	assert.InDelta(t, m.CapacityBps*cfg.MaxTrendGain, m.ProjectedCapacityBps, 1, "projection is capped")

	down := NewEstimator(cfg)
	for i := 1; i <= cfg.TrendSamples; i++ {
		down.RecordSample("a", Sample{CapacityBps: float64(cfg.TrendSamples+1-i) * 1e6, At: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	m = down.Snapshot("a")
	assert.Equal(t, TrendDownward, m.Trend)
	assert.True(t, m.ProjectedCapacityBps < m.CapacityBps)
	assert.True(t, m.ProjectedCapacityBps >= cfg.CapacityFloorBps)
	assert.InDelta(t, 0.9, m.Score, 1e-9, "a falling link scores lower")

	flat := NewEstimator(cfg)
	for i := 1; i <= cfg.TrendSamples; i++ {
		flat.RecordSample("a", Sample{CapacityBps: 3e6, At: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	m = flat.Snapshot("a")
	assert.Equal(t, TrendNeutral, m.Trend)
	assert.InDelta(t, m.CapacityBps, m.ProjectedCapacityBps, 1)
}

func TestScoreReflectsLossAndLatency(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	now := time.Now()
	e.RecordSample("a", Sample{RTT: 50 * time.Millisecond, HasRTT: true, Loss: 0.1, HasLoss: true, At: now})
	m := e.Snapshot("a")
	assert.InDelta(t, 0.9, m.Score, 0.01)

	for i := 1; i <= 10; i++ {
		e.RecordSample("a", Sample{RTT: 200 * time.Millisecond, HasRTT: true, Loss: 0.1, HasLoss: true, At: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	assert.True(t, e.Snapshot("a").Score < m.Score, "inflated RTT lowers the score")
}

func TestRemove(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	e.RecordSample("a", Sample{CapacityBps: 8e6, At: time.Now()})
	require.Equal(t, uint64(1), e.Snapshot("a").Samples)
	e.Remove("a")
	assert.Zero(t, e.Snapshot("a").Samples)
	assert.Equal(t, DefaultEstimatorConfig.CapacityFloorBps, e.Refresh("a").CapacityBps)
}

func TestConcurrentSamples(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig)
	now := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e.RecordSample("a", Sample{
					RTT:         time.Duration(20+g) * time.Millisecond,
					HasRTT:      true,
					CapacityBps: 2e6,
					At:          now.Add(time.Duration(i) * time.Millisecond),
				})
				_ = e.Snapshot("a")
			}
		}(g)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				e.Refresh("a")
			}
		}
	}()
	wg.Wait()
	close(done)
	assert.Equal(t, uint64(4000), e.Snapshot("a").Samples)
}

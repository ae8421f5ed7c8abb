package bond

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkState(id string, class LinkClass, phase Phase, capacityBps float64, rtt time.Duration) LinkState {
	return LinkState{
		ID:    id,
		Class: class,
		Phase: phase,
		Metrics: Metrics{
			RTT:                  rtt,
			LastRTT:              rtt,
			BaselineRTT:          rtt,
			CapacityBps:          capacityBps,
			ProjectedCapacityBps: capacityBps,
			Penalty:              1,
			Score:                1,
		},
	}
}

func testScheduler(mutate func(cfg *SchedulerConfig)) *Scheduler {
	cfg := DefaultSchedulerConfig
	if mutate != nil {
		mutate(&cfg)
	}
	return NewScheduler(cfg, DefaultLifecycleConfig.WarmCapacityFactor)
}

func packetOf(size int, class Class) *Packet {
	return &Packet{Payload: make([]byte, size), Class: class}
}

func countPrimaries(t *testing.T, s *Scheduler, now time.Time, n, size int) map[string]int {
	counts := make(map[string]int)
	var dst []string
	p := packetOf(size, ClassOrdinary)
	for i := 0; i < n; i++ {
		var err error
		dst, err = s.SelectLinks(p, now, dst[:0])
		require.NoError(t, err)
		require.Len(t, dst, 1)
		counts[dst[0]]++
	}
	return counts
}

func TestEqualLinksShareEvenly(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
	}, 0)

	counts := countPrimaries(t, s, now, 10000, 1200)
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, 10000.0/3, float64(counts[id]), 10000.0/3*0.1, "link %v", id)
	}
}

func TestSharesFollowCapacity(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 6e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 3e6, 40*time.Millisecond),
		linkState("c", LinkClassCellular, PhaseLive, 1e6, 40*time.Millisecond),
	}, 0)
	assert.Equal(t, 3000.0, s.Quantum("a"))
	assert.Equal(t, 1500.0, s.Quantum("b"))
	assert.InDelta(t, 500.0, s.Quantum("c"), 1e-6)

	counts := countPrimaries(t, s, now, 10000, 1200)
	assert.InDelta(t, 0.6, float64(counts["a"])/10000, 0.03)
	assert.InDelta(t, 0.3, float64(counts["b"])/10000, 0.03)
	assert.InDelta(t, 0.1, float64(counts["c"])/10000, 0.03)
}

func TestQuantumFloorAndWarmFactor(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("live", LinkClassWired, PhaseLive, 10e6, 10*time.Millisecond),
		linkState("warm", LinkClassWired, PhaseWarm, 10e6, 10*time.Millisecond),
		linkState("tiny", LinkClassWired, PhaseLive, 1e3, 10*time.Millisecond),
	}, 0)
	assert.Equal(t, 3000.0, s.Quantum("live"))
	assert.Equal(t, 1500.0, s.Quantum("warm"), "warm links are scheduled at a fraction of their capacity")
	assert.Equal(t, float64(DefaultSchedulerConfig.MinQuantumBytes), s.Quantum("tiny"))
}

func TestDeficitStaysBounded(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 6e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 1e6, 40*time.Millisecond),
	}, 0)
	sizes := []int{100, 1400, 60, 1500, 9000, 1200, 10, 3000}
	largest := 9000.0
	var dst []string
	for _, size := range sizes {
		var err error
		dst, err = s.SelectLinks(packetOf(size, ClassOrdinary), now, dst[:0])
		require.NoError(t, err)
		for _, id := range []string{"a", "b"} {
			limit := float64(DefaultSchedulerConfig.DeficitCapRounds)*s.Quantum(id) + largest
			assert.True(t, s.Deficit(id) >= 0, "deficit of %v must not go negative", id)
			assert.True(t, s.Deficit(id) <= limit, "deficit of %v is %v, over %v", id, s.Deficit(id), limit)
		}
	}
}

func TestCriticalBroadcast(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassWifi, PhaseWarm, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassWired, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("d", LinkClassWired, PhaseProbe, 5e6, 40*time.Millisecond),
	}, 0)
	dst, err := s.SelectLinks(packetOf(1200, ClassCritical), now, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, dst, "critical packets go to every link carrying traffic")

	s = testScheduler(func(cfg *SchedulerConfig) { cfg.CriticalBroadcast = boolPtr(false) })
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassWifi, PhaseLive, 5e6, 40*time.Millisecond),
	}, 0)
	dst, err = s.SelectLinks(packetOf(1200, ClassCritical), now, nil)
	require.NoError(t, err)
	assert.Len(t, dst, 1)
}

func TestFailoverWindow(t *testing.T) {
	start := time.Now()
	s := testScheduler(nil)
	states := []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassWifi, PhaseLive, 5e6, 40*time.Millisecond),
	}
	s.Refresh(start, states, 0)
	assert.False(t, s.FailoverActive(start))

	spikeAt := start.Add(100 * time.Millisecond)
	states[1].Metrics.LastRTT = 200 * time.Millisecond
	s.Refresh(spikeAt, states, 0)
	require.True(t, s.FailoverActive(spikeAt), "RTT spike should open the failover window")

	dst, err := s.SelectLinks(packetOf(1200, ClassOrdinary), spikeAt, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, dst)

	// the spike persisting is not a new spike
	s.Refresh(spikeAt.Add(500*time.Millisecond), states, 0)
	end := spikeAt.Add(DefaultSchedulerConfig.FailoverDuration)
	assert.True(t, s.FailoverActive(end.Add(-time.Nanosecond)))
	assert.False(t, s.FailoverActive(end), "failover lasts exactly FailoverDuration")

	dst, err = s.SelectLinks(packetOf(1200, ClassOrdinary), end, nil)
	require.NoError(t, err)
	assert.Len(t, dst, 1)

	// a new rising edge opens a new window
	states[1].Metrics.LastRTT = 40 * time.Millisecond
	s.Refresh(end, states, 0)
	states[1].Metrics.LastRTT = 300 * time.Millisecond
	again := end.Add(200 * time.Millisecond)
	s.Refresh(again, states, 0)
	assert.True(t, s.FailoverActive(again))
}

func TestFailoverSupersedesRedundancy(t *testing.T) {
	now := time.Now()
	s := testScheduler(func(cfg *SchedulerConfig) { cfg.RedundancyTargets = intPtr(1) })
	states := []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassWifi, PhaseLive, 5e6, 40*time.Millisecond),
	}
	states[0].Metrics.LastRTT = time.Second
	s.Refresh(now, states, 0.9)
	dst, err := s.SelectLinks(packetOf(100, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, dst)
}

func TestRedundancyPrefersDiverseClasses(t *testing.T) {
	now := time.Now()
	states := []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 6e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassWifi, PhaseLive, 1e6, 40*time.Millisecond),
	}

	s := testScheduler(nil)
	s.Refresh(now, states, 0.9)
	dst, err := s.SelectLinks(packetOf(200, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, dst, "the copy should go over another class of network")

	s = testScheduler(func(cfg *SchedulerConfig) { cfg.Diversity = DiversityDistinct })
	s.Refresh(now, states, 0.9)
	dst, err = s.SelectLinks(packetOf(200, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dst, "without class diversity the best other link is used")

	s = testScheduler(func(cfg *SchedulerConfig) { cfg.RedundancyTargets = intPtr(5) })
	s.Refresh(now, states, 0.9)
	dst, err = s.SelectLinks(packetOf(200, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, dst, "relaxes to quality ranking once classes run out, never repeating a link")
}

func TestRedundancyConditions(t *testing.T) {
	now := time.Now()
	states := []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 6e6, 40*time.Millisecond),
		linkState("b", LinkClassWifi, PhaseLive, 5e6, 40*time.Millisecond),
	}
	s := testScheduler(nil)

	s.Refresh(now, states, 0.2)
	dst, err := s.SelectLinks(packetOf(200, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Len(t, dst, 1, "no copies without spare capacity")

	s.Refresh(now, states, 0.9)
	dst, err = s.SelectLinks(packetOf(DefaultSchedulerConfig.MaxDuplicateSize+1, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Len(t, dst, 1, "no copies of large packets")

	s = testScheduler(func(cfg *SchedulerConfig) { cfg.RedundancyTargets = intPtr(0) })
	s.Refresh(now, states, 0.9)
	dst, err = s.SelectLinks(packetOf(200, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Len(t, dst, 1)
}

func TestNoCapacity(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	_, err := s.SelectLinks(packetOf(100, ClassCritical), now, nil)
	assert.Equal(t, ErrNoCapacity, err)

	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseProbe, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseDegrade, 5e6, 40*time.Millisecond),
		linkState("c", LinkClassCellular, PhaseCooldown, 5e6, 40*time.Millisecond),
	}, 0)
	assert.Equal(t, 0, s.Eligible())
	_, err = s.SelectLinks(packetOf(100, ClassOrdinary), now, nil)
	assert.Equal(t, ErrNoCapacity, err)
}

func TestDeficitResetOnPhaseChange(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	states := []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
	}
	s.Refresh(now, states, 0)
	_, err := s.SelectLinks(packetOf(100, ClassOrdinary), now, nil)
	require.NoError(t, err)
	require.True(t, s.Deficit("a") > 0 || s.Deficit("b") > 0)

	states[0].Phase = PhaseDegrade
	states[1].Phase = PhaseWarm
	s.Refresh(now, states, 0)
	assert.Equal(t, 0.0, s.Deficit("a"))
	assert.Equal(t, 0.0, s.Deficit("b"))
	assert.Equal(t, 1, s.Eligible())

	_, err = s.SelectLinks(packetOf(100, ClassOrdinary), now, nil)
	require.NoError(t, err)
	require.True(t, s.Deficit("b") > 0)
	s.OnPhaseChange("b")
	assert.Equal(t, 0.0, s.Deficit("b"))
}

func TestTiesGoToLowestRTT(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 80*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 20*time.Millisecond),
		linkState("c", LinkClassCellular, PhaseLive, 5e6, 20*time.Millisecond),
	}, 0)
	dst, err := s.SelectLinks(packetOf(1000, ClassOrdinary), now, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, dst, "equal credit goes to the lowest RTT, then the lowest ID")
}

func TestRefreshForgetsDetachedLinks(t *testing.T) {
	now := time.Now()
	s := testScheduler(nil)
	s.Refresh(now, []LinkState{
		linkState("a", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
	}, 0)
	s.Refresh(now, []LinkState{
		linkState("b", LinkClassCellular, PhaseLive, 5e6, 40*time.Millisecond),
	}, 0)
	for i := 0; i < 10; i++ {
		dst, err := s.SelectLinks(packetOf(1000, ClassCritical), now, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, dst)
	}
	assert.Equal(t, 0.0, s.Quantum("a"))
}

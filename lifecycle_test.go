package bond

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleDriver struct {
	t   *testing.T
	lc  *lifecycle
	now time.Time
}

func newLifecycleDriver(t *testing.T) *lifecycleDriver {
	now := time.Now()
	return &lifecycleDriver{t: t, lc: newLifecycle(DefaultLifecycleConfig, now), now: now}
}

func (d *lifecycleDriver) feed(good bool, n int) {
	for i := 0; i < n; i++ {
		d.now = d.now.Add(100 * time.Millisecond)
		d.lc.advance(d.now, true, good, false)
	}
}

func (d *lifecycleDriver) expect(phase Phase) {
	d.t.Helper()
	require.Equal(d.t, phase, d.lc.phase)
}

// toLive drives a new link to Live with the minimum number of samples.
func (d *lifecycleDriver) toLive() {
	cfg := DefaultLifecycleConfig
	d.feed(true, 1)
	d.expect(PhaseProbe)
	d.feed(true, cfg.ProbeGoodSamples-1)
	d.expect(PhaseProbe)
	d.feed(true, 1)
	d.expect(PhaseWarm)
	d.feed(true, cfg.LiveGoodSamples-cfg.ProbeGoodSamples-1)
	d.expect(PhaseWarm)
	d.feed(true, 1)
	d.expect(PhaseLive)
}

func TestLifecyclePromotion(t *testing.T) {
	d := newLifecycleDriver(t)
	d.expect(PhaseInit)
	d.toLive()
}

func TestLifecycleDemotionAndCooldown(t *testing.T) {
	cfg := DefaultLifecycleConfig
	d := newLifecycleDriver(t)
	d.toLive()

	d.feed(false, cfg.DegradeBadSamples-1)
	d.expect(PhaseLive)
	d.feed(false, 1)
	d.expect(PhaseDegrade)
	d.feed(false, cfg.CooldownBadSamples-cfg.DegradeBadSamples-1)
	d.expect(PhaseDegrade)
	d.feed(false, 1)
	d.expect(PhaseCooldown)

	// samples don't matter during cooldown
	d.feed(true, 10)
	d.expect(PhaseCooldown)

	d.now = d.lc.cooldownUntil.Add(-time.Millisecond)
	d.lc.advance(d.now, false, false, false)
	d.expect(PhaseCooldown)
	d.now = d.lc.cooldownUntil
	from, changed := d.lc.advance(d.now, false, false, false)
	assert.True(t, changed)
	assert.Equal(t, PhaseCooldown, from)
	d.expect(PhaseProbe)
}

func TestLifecycleRecovery(t *testing.T) {
	cfg := DefaultLifecycleConfig
	d := newLifecycleDriver(t)
	d.toLive()
	d.feed(false, cfg.DegradeBadSamples)
	d.expect(PhaseDegrade)
	d.feed(true, cfg.RecoverGoodSamples-1)
	d.expect(PhaseDegrade)
	d.feed(true, 1)
	d.expect(PhaseWarm)
}

func TestLifecycleStreaksMustBeConsecutive(t *testing.T) {
	cfg := DefaultLifecycleConfig
	d := newLifecycleDriver(t)
	d.feed(true, 1)
	d.expect(PhaseProbe)
	for i := 0; i < 20; i++ {
		d.feed(true, cfg.ProbeGoodSamples-1)
		d.feed(false, 1)
	}
	d.expect(PhaseProbe)

	d = newLifecycleDriver(t)
	d.toLive()
	for i := 0; i < 20; i++ {
		d.feed(false, cfg.DegradeBadSamples-1)
		d.feed(true, 1)
	}
	d.expect(PhaseLive)
}

func TestLifecycleStale(t *testing.T) {
	d := newLifecycleDriver(t)
	_, changed := d.lc.advance(d.now, false, false, true)
	assert.False(t, changed, "a link that never reported can't go stale")
	d.expect(PhaseInit)

	d.toLive()
	from, changed := d.lc.advance(d.now, false, false, true)
	assert.True(t, changed)
	assert.Equal(t, PhaseLive, from)
	d.expect(PhaseReset)

	// staying stale keeps it in reset
	d.lc.advance(d.now, false, false, true)
	d.expect(PhaseReset)

	d.feed(true, 1)
	d.expect(PhaseProbe)
}

func TestLifecycleNoSamplesNoProgress(t *testing.T) {
	d := newLifecycleDriver(t)
	d.feed(true, 1)
	for i := 0; i < 50; i++ {
		d.lc.advance(d.now, false, true, false)
	}
	d.expect(PhaseProbe)
}

func TestTransitionTableIsTotal(t *testing.T) {
	for p := Phase(0); p < numPhases; p++ {
		for e := lifecycleEvent(0); e < numEvents; e++ {
			next := transitions[p][e]
			assert.True(t, next <= noTransition, "%v on %v", p, e)
		}
	}
	// only Warm and Live carry traffic
	for p := Phase(0); p < numPhases; p++ {
		assert.Equal(t, p == PhaseWarm || p == PhaseLive, p.CarriesTraffic(), p.String())
	}
	assert.Equal(t, PhaseProbe, transitions[PhaseCooldown][eventCooldownExpired])
	assert.Equal(t, noTransition, transitions[PhaseInit][eventStale])
	assert.Equal(t, PhaseReset, transitions[PhaseDegrade][eventStale])
}

func TestIsGood(t *testing.T) {
	cfg := DefaultLifecycleConfig
	good := Metrics{RTT: 50 * time.Millisecond, Loss: 0.01, CapacityBps: 1e6}
	assert.True(t, cfg.isGood(good))

	for name, m := range map[string]Metrics{
		"lossy":       {RTT: 50 * time.Millisecond, Loss: cfg.MaxLoss + 0.01, CapacityBps: 1e6},
		"slow":        {RTT: cfg.MaxRTT + time.Millisecond, CapacityBps: 1e6},
		"no rtt":      {RTT: 0, CapacityBps: 1e6},
		"no capacity": {RTT: 50 * time.Millisecond, CapacityBps: cfg.MinCapacityBps - 1},
	} {
		assert.False(t, cfg.isGood(m), name)
	}
}

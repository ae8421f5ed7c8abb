package bond

import (
	"fmt"
	"time"
)

// Phase is a link's lifecycle phase. It gates whether the link may carry
// traffic and with what confidence.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseProbe
	PhaseWarm
	PhaseLive
	PhaseDegrade
	PhaseCooldown
	PhaseReset
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseProbe:
		return "probe"
	case PhaseWarm:
		return "warm"
	case PhaseLive:
		return "live"
	case PhaseDegrade:
		return "degrade"
	case PhaseCooldown:
		return "cooldown"
	case PhaseReset:
		return "reset"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// CarriesTraffic reports whether a link in this phase may be scheduled.
func (p Phase) CarriesTraffic() bool {
	return p == PhaseWarm || p == PhaseLive
}

type lifecycleEvent uint8

const (
	eventFresh lifecycleEvent = iota
	eventPromote
	eventDemote
	eventStale
	eventCooldownExpired
	numEvents
)

func (e lifecycleEvent) String() string {
	switch e {
	case eventFresh:
		return "fresh"
	case eventPromote:
		return "promote"
	case eventDemote:
		return "demote"
	case eventStale:
		return "stale"
	case eventCooldownExpired:
		return "cooldown-expired"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// noTransition marks a (phase, event) pair which leaves the phase unchanged.
const noTransition = numPhases

// transitions is the complete lifecycle: transitions[phase][event] is the
// next phase, or noTransition.
var transitions = func() [numPhases][numEvents]Phase {
	var t [numPhases][numEvents]Phase
	for p := range t {
		for e := range t[p] {
			t[p][e] = noTransition
		}
		if Phase(p) != PhaseInit && Phase(p) != PhaseReset {
			t[p][eventStale] = PhaseReset
		}
	}
	t[PhaseInit][eventFresh] = PhaseProbe
	t[PhaseReset][eventFresh] = PhaseProbe
	t[PhaseProbe][eventPromote] = PhaseWarm
	t[PhaseWarm][eventPromote] = PhaseLive
	t[PhaseWarm][eventDemote] = PhaseDegrade
	t[PhaseLive][eventDemote] = PhaseDegrade
	t[PhaseDegrade][eventPromote] = PhaseWarm
	t[PhaseDegrade][eventDemote] = PhaseCooldown
	t[PhaseCooldown][eventCooldownExpired] = PhaseProbe
	return t
}()

// lifecycle tracks one link's phase. It is only touched by the refresh path
// of the Bond worker.
type lifecycle struct {
	cfg LifecycleConfig

	phase         Phase
	good          int
	bad           int
	enteredAt     time.Time
	cooldownUntil time.Time
	everFresh     bool
}

func newLifecycle(cfg LifecycleConfig, now time.Time) *lifecycle {
	return &lifecycle{cfg: cfg, phase: PhaseInit, enteredAt: now}
}

// isGood classifies the link's current metrics.
func (cfg LifecycleConfig) isGood(m Metrics) bool {
	if m.Loss > cfg.MaxLoss {
		return false
	}
	if m.RTT < cfg.MinRTT || m.RTT > cfg.MaxRTT {
		return false
	}
	return m.CapacityBps >= cfg.MinCapacityBps
}

// advance feeds one refresh worth of observations into the machine. fresh
// means at least one new sample arrived since the previous refresh, in which
// case good tells how the current metrics classify. It returns the previous
// phase and whether the phase changed.
func (lc *lifecycle) advance(now time.Time, fresh, good, stale bool) (Phase, bool) {
	from := lc.phase
	switch {
	case stale && lc.everFresh:
		lc.fire(eventStale, now)
	case lc.phase == PhaseCooldown:
		if !now.Before(lc.cooldownUntil) {
			lc.fire(eventCooldownExpired, now)
		}
	case !fresh:
	case lc.phase == PhaseInit || lc.phase == PhaseReset:
		lc.everFresh = true
		lc.fire(eventFresh, now)
	default:
		if good {
			lc.good++
			lc.bad = 0
		} else {
			lc.bad++
			lc.good = 0
		}
		if lc.good > 0 && lc.good >= lc.promoteThreshold() {
			lc.fire(eventPromote, now)
		} else if lc.bad > 0 && lc.bad >= lc.demoteThreshold() {
			lc.fire(eventDemote, now)
		}
	}
	return from, lc.phase != from
}

func (lc *lifecycle) promoteThreshold() int {
	switch lc.phase {
	case PhaseProbe:
		return lc.cfg.ProbeGoodSamples
	case PhaseWarm:
		return lc.cfg.LiveGoodSamples
	case PhaseDegrade:
		return lc.cfg.RecoverGoodSamples
	}
	return 0
}

func (lc *lifecycle) demoteThreshold() int {
	switch lc.phase {
	case PhaseWarm, PhaseLive:
		return lc.cfg.DegradeBadSamples
	case PhaseDegrade:
		return lc.cfg.CooldownBadSamples
	}
	return 0
}

func (lc *lifecycle) fire(ev lifecycleEvent, now time.Time) {
	next := transitions[lc.phase][ev]
	if next == noTransition {
		return
	}
	prev := lc.phase
	lc.phase = next
	lc.enteredAt = now
	switch {
	case prev == PhaseProbe && next == PhaseWarm:
		// the good streak carries on towards LiveGoodSamples
	case prev != PhaseDegrade && next == PhaseDegrade:
		// the bad streak carries on towards CooldownBadSamples
		lc.good = 0
	default:
		lc.good, lc.bad = 0, 0
	}
	if next == PhaseCooldown {
		lc.cooldownUntil = now.Add(lc.cfg.CooldownDuration)
	}
}

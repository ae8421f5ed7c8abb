package bond

import (
	"math"
	"sort"
	"time"
)

// LinkState is what the scheduler needs to know about a link on refresh.
type LinkState struct {
	ID      string
	Class   LinkClass
	Phase   Phase
	Metrics Metrics
}

type schedLink struct {
	id    string
	class LinkClass
	phase Phase

	deficit float64
	quantum float64
	// weight is effective capacity times quality score, the basis of quantum.
	weight float64
	rtt    time.Duration

	// spiking tracks the RTT spike condition so failover only fires on its
	// rising edge.
	spiking bool
}

// Scheduler distributes packets over the links allowed to carry traffic
// using deficit weighted round robin, with critical broadcast, redundant
// copies when there is spare capacity, and a time bounded failover broadcast
// when a link's RTT spikes.
//
// A Scheduler is not safe for concurrent use. It is owned by the Bond worker.
type Scheduler struct {
	cfg        SchedulerConfig
	warmFactor float64

	links    map[string]*schedLink
	eligible []*schedLink // ordered by id
	ranked   []*schedLink // ordered by weight, best first

	spareRatio    float64
	failoverUntil time.Time
}

func NewScheduler(cfg SchedulerConfig, warmCapacityFactor float64) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		warmFactor: warmCapacityFactor,
		links:      make(map[string]*schedLink),
	}
}

// Refresh recomputes quanta, quality ranking and failover state from a fresh
// snapshot of all links. Links missing from states are forgotten. spareRatio
// is the share of total effective capacity not currently used.
func (s *Scheduler) Refresh(now time.Time, states []LinkState, spareRatio float64) {
	seen := make(map[string]bool, len(states))
	s.eligible = s.eligible[:0]
	for i := range states {
		st := &states[i]
		seen[st.ID] = true
		l := s.links[st.ID]
		if l == nil {
			l = &schedLink{id: st.ID}
			s.links[st.ID] = l
		}
		if l.phase != st.Phase {
			l.deficit = 0
		}
		l.class = st.Class
		l.phase = st.Phase
		l.rtt = st.Metrics.RTT
		if !l.phase.CarriesTraffic() {
			l.weight, l.quantum, l.spiking = 0, 0, false
			continue
		}
		capacity := st.Metrics.EffectiveCapacity()
		if l.phase == PhaseWarm {
			capacity *= s.warmFactor
		}
		l.weight = capacity * st.Metrics.Score
		s.eligible = append(s.eligible, l)

		m := st.Metrics
		spike := m.LastRTT > 0 && m.BaselineRTT > 0 &&
			float64(m.LastRTT) > float64(m.BaselineRTT)*s.cfg.FailoverSpikeFactor
		if spike && !l.spiking && !s.FailoverActive(now) {
			s.failoverUntil = now.Add(s.cfg.FailoverDuration)
			log.Debugf("RTT of link %v spiked to %v (baseline %v), broadcasting until %v",
				l.id, m.LastRTT, m.BaselineRTT, s.failoverUntil.Format(time.RFC3339Nano))
		}
		l.spiking = spike
	}
	for id := range s.links {
		if !seen[id] {
			delete(s.links, id)
		}
	}
	sort.Slice(s.eligible, func(i, j int) bool { return s.eligible[i].id < s.eligible[j].id })

	maxWeight := 0.0
	for _, l := range s.eligible {
		maxWeight = math.Max(maxWeight, l.weight)
	}
	for _, l := range s.eligible {
		q := float64(s.cfg.QuantumBytes)
		if maxWeight > 0 {
			q *= l.weight / maxWeight
		}
		// a quantum must make progress or pick never settles
		l.quantum = math.Max(q, math.Max(float64(s.cfg.MinQuantumBytes), 1))
		if limit := s.deficitCap(l, 0); l.deficit > limit {
			l.deficit = limit
		}
	}

	s.ranked = append(s.ranked[:0], s.eligible...)
	sort.SliceStable(s.ranked, func(i, j int) bool {
		a, b := s.ranked[i], s.ranked[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.rtt != b.rtt {
			return a.rtt < b.rtt
		}
		return a.id < b.id
	})
	s.spareRatio = spareRatio
}

// OnPhaseChange drops the credit a link accumulated, so it can't hoard
// credit while it is not carrying traffic.
func (s *Scheduler) OnPhaseChange(linkID string) {
	if l := s.links[linkID]; l != nil {
		l.deficit = 0
	}
}

// FailoverActive reports whether the failover broadcast window is open.
func (s *Scheduler) FailoverActive(now time.Time) bool {
	return now.Before(s.failoverUntil)
}

// Eligible returns the number of links currently allowed to carry traffic.
func (s *Scheduler) Eligible() int {
	return len(s.eligible)
}

// SelectLinks appends the IDs of the links which should carry p to dst. The
// first appended ID is the primary link. It returns ErrNoCapacity when no
// link may carry traffic; the scheduler never queues packets itself.
func (s *Scheduler) SelectLinks(p *Packet, now time.Time, dst []string) ([]string, error) {
	if len(s.eligible) == 0 {
		return dst, ErrNoCapacity
	}
	broadcast := s.FailoverActive(now) ||
		(p.Class == ClassCritical && s.cfg.CriticalBroadcast != nil && *s.cfg.CriticalBroadcast)
	if broadcast {
		for _, l := range s.eligible {
			dst = append(dst, l.id)
		}
		return dst, nil
	}
	primary := s.pick(p.Size())
	start := len(dst)
	dst = append(dst, primary.id)
	if s.shouldDuplicate(p) {
		dst = s.appendRedundant(dst, start)
	}
	return dst, nil
}

// pick runs one DWRR selection: the link with the largest deficit covering
// size wins, ties going to the lowest RTT and then the lowest ID. When no
// link has enough credit, all the rounds needed are granted in one step.
func (s *Scheduler) pick(size int) *schedLink {
	need := float64(size)
	for {
		var best *schedLink
		for _, l := range s.eligible {
			if l.deficit >= need && better(l, best) {
				best = l
			}
		}
		if best != nil {
			best.deficit -= need
			return best
		}
		rounds := math.Inf(1)
		for _, l := range s.eligible {
			rounds = math.Min(rounds, math.Ceil((need-l.deficit)/l.quantum))
		}
		if rounds < 1 {
			rounds = 1
		}
		for _, l := range s.eligible {
			l.deficit = math.Min(l.deficit+rounds*l.quantum, s.deficitCap(l, need))
		}
	}
}

func better(a, b *schedLink) bool {
	if b == nil {
		return true
	}
	if a.deficit != b.deficit {
		return a.deficit > b.deficit
	}
	if a.rtt != b.rtt {
		return a.rtt < b.rtt
	}
	return a.id < b.id
}

func (s *Scheduler) deficitCap(l *schedLink, need float64) float64 {
	return math.Max(float64(s.cfg.DeficitCapRounds)*l.quantum, need)
}

func (s *Scheduler) shouldDuplicate(p *Packet) bool {
	return s.cfg.RedundancyTargets != nil && *s.cfg.RedundancyTargets > 0 &&
		len(s.eligible) > 1 &&
		p.Size() <= s.cfg.MaxDuplicateSize &&
		s.spareRatio > s.cfg.RedundancySpareRatio
}

// appendRedundant adds up to RedundancyTargets extra links to dst[start:],
// which already holds the primary. In class mode, links of a class not yet
// carrying the packet are taken first; when there are not enough of them,
// the remaining slots are filled by quality ranking alone. A link already in
// dst[start:] is never considered again.
func (s *Scheduler) appendRedundant(dst []string, start int) []string {
	want := *s.cfg.RedundancyTargets
	if others := len(s.eligible) - 1; want > others {
		want = others
	}
	full := func() bool { return len(dst)-start-1 >= want }
	if s.cfg.Diversity == DiversityClass {
		for _, l := range s.ranked {
			if full() {
				return dst
			}
			if l.class == LinkClassUnknown || contains(dst[start:], l.id) || s.classTaken(dst[start:], l.class) {
				continue
			}
			dst = append(dst, l.id)
		}
	}
	for _, l := range s.ranked {
		if full() {
			break
		}
		if !contains(dst[start:], l.id) {
			dst = append(dst, l.id)
		}
	}
	return dst
}

func (s *Scheduler) classTaken(ids []string, class LinkClass) bool {
	for _, id := range ids {
		if l := s.links[id]; l != nil && l.class == class {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Quantum returns the current quantum of a link in bytes, 0 if it is not
// eligible.
func (s *Scheduler) Quantum(linkID string) float64 {
	if l := s.links[linkID]; l != nil {
		return l.quantum
	}
	return 0
}

// Deficit returns the credit a link currently holds in bytes.
func (s *Scheduler) Deficit(linkID string) float64 {
	if l := s.links[linkID]; l != nil {
		return l.deficit
	}
	return 0
}

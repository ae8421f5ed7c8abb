package bond

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// StatsTracker is notified of everything worth counting. Implementations
// must be safe for concurrent use and must not block.
type StatsTracker interface {
	OnSent(linkID string, bytes int)
	OnSendError(linkID string)
	OnPhaseChange(linkID string, from, to Phase)
	OnShed(class Class)
	OnInsert(source string, status InsertStatus)
	OnSkip(n int)
	UpdateStats(st *Stats)
}

type NullTracker struct{}

func (NullTracker) OnSent(string, int)                 {}
func (NullTracker) OnSendError(string)                 {}
func (NullTracker) OnPhaseChange(string, Phase, Phase) {}
func (NullTracker) OnShed(Class)                       {}
func (NullTracker) OnInsert(string, InsertStatus)      {}
func (NullTracker) OnSkip(int)                         {}
func (NullTracker) UpdateStats(*Stats)                 {}

// LinkStats is the externally visible state of one link.
type LinkStats struct {
	ID    string
	Class LinkClass
	Phase Phase
	// Alive is true when the link may carry traffic.
	Alive bool

	RTT                  time.Duration
	Loss                 float64
	CapacityBps          float64
	EffectiveCapacityBps float64
	ThroughputBps        float64
	Penalty              float64

	BytesSent   uint64
	PacketsSent uint64
	SendErrors  uint64
	// Dropped counts copies dropped because the link's send queue was full.
	Dropped uint64
}

// Stats is the periodic snapshot of the sending side.
type Stats struct {
	At    time.Time
	Links []LinkStats

	QueueLen   int
	Shed       [numClasses]uint64
	NoCapacity uint64

	FailoverActive    bool
	TotalCapacityBps  float64
	ObservedBps       float64
	RecommendedBps    float64
	HasRecommendation bool
}

// Link returns the stats of the given link.
func (st *Stats) Link(id string) (LinkStats, bool) {
	for _, ls := range st.Links {
		if ls.ID == id {
			return ls, true
		}
	}
	return LinkStats{}, false
}

func (st *Stats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "capacity %v, sending %v, queued %d, shed %d/%d/%d",
		humanize.SIWithDigits(st.TotalCapacityBps, 2, "bps"),
		humanize.SIWithDigits(st.ObservedBps, 2, "bps"),
		st.QueueLen,
		st.Shed[ClassDroppable], st.Shed[ClassOrdinary], st.Shed[ClassCritical])
	if st.FailoverActive {
		sb.WriteString(", failover")
	}
	if st.HasRecommendation {
		fmt.Fprintf(&sb, ", recommend %v", humanize.SIWithDigits(st.RecommendedBps, 2, "bps"))
	}
	for _, ls := range st.Links {
		fmt.Fprintf(&sb, "\n  %-12s %-8s rtt %-8v loss %5.1f%% cap %-10s eff %-10s sent %s",
			ls.ID, ls.Phase, ls.RTT.Round(time.Millisecond), ls.Loss*100,
			humanize.SIWithDigits(ls.CapacityBps, 2, "bps"),
			humanize.SIWithDigits(ls.EffectiveCapacityBps, 2, "bps"),
			humanize.Bytes(ls.BytesSent))
	}
	return sb.String()
}

func (st ReceiveStats) String() string {
	return fmt.Sprintf("emitted %s, pending %d, late %d, duplicates %d, skipped %d, overflows %d, recovered %d, latency %v",
		humanize.Comma(int64(st.Emitted)), st.Pending, st.Late, st.Duplicates, st.Skipped, st.Overflows, st.Recovered, st.TargetLatency)
}

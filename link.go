package bond

import (
	"time"

	"go.uber.org/atomic"
)

// link is one attached path and its sending goroutine. Only the Bond worker
// enqueues onto a link and only it closes one.
type link struct {
	cfg     LinkConfig
	path    Path
	label   string
	tracker StatsTracker

	lc          *lifecycle
	metrics     Metrics
	lastSamples uint64

	sendQueue chan *Packet
	done      chan struct{}

	bytesSent   atomic.Uint64
	packetsSent atomic.Uint64
	sendErrors  atomic.Uint64
	dropped     atomic.Uint64
}

func startLink(cfg LinkConfig, path Path, label string, queueSize int, lcCfg LifecycleConfig, tracker StatsTracker, now time.Time) *link {
	l := &link{
		cfg:       cfg,
		path:      path,
		label:     label,
		tracker:   tracker,
		lc:        newLifecycle(lcCfg, now),
		sendQueue: make(chan *Packet, queueSize),
		done:      make(chan struct{}),
	}
	go l.sendLoop()
	return l
}

// enqueue hands p to the send loop without blocking. The caller's reference
// to p is consumed either way.
func (l *link) enqueue(p *Packet) bool {
	select {
	case l.sendQueue <- p:
		return true
	default:
		l.dropped.Inc()
		p.release()
		return false
	}
}

func (l *link) sendLoop() {
	defer close(l.done)
	for p := range l.sendQueue {
		if err := l.path.Send(p.Seq, p.Payload); err != nil {
			l.sendErrors.Inc()
			l.tracker.OnSendError(l.cfg.ID)
			log.Debugf("failed to send packet# %v on %v: %v", p.Seq, l.label, err)
		} else {
			l.bytesSent.Add(uint64(p.Size()))
			l.packetsSent.Inc()
			l.tracker.OnSent(l.cfg.ID, p.Size())
			log.Tracef("sent packet# %v (%v bytes) on %v", p.Seq, p.Size(), l.label)
		}
		p.release()
	}
}

// close stops accepting packets, waits for the queued ones to be sent or
// for ctxDone, then closes the path.
func (l *link) close(ctxDone <-chan struct{}) error {
	close(l.sendQueue)
	select {
	case <-l.done:
	case <-ctxDone:
		log.Debugf("gave up draining %v", l.label)
	}
	return l.path.Close()
}

func (l *link) stats() LinkStats {
	m := l.metrics
	return LinkStats{
		ID:                   l.cfg.ID,
		Class:                l.cfg.Class,
		Phase:                l.lc.phase,
		Alive:                l.lc.phase.CarriesTraffic(),
		RTT:                  m.RTT,
		Loss:                 m.Loss,
		CapacityBps:          m.CapacityBps,
		EffectiveCapacityBps: m.EffectiveCapacity(),
		ThroughputBps:        m.ThroughputBps,
		Penalty:              m.Penalty,
		BytesSent:            l.bytesSent.Load(),
		PacketsSent:          l.packetsSent.Load(),
		SendErrors:           l.sendErrors.Load(),
		Dropped:              l.dropped.Load(),
	}
}

// Package bond bonds several independent, unreliable network links (cellular
// modems, Wi-Fi, Ethernet) into a single resilient transport for continuous
// media streams.
//
// Definitions:
//
// - link: one network path to the peer, provided by a lower transport layer
// which knows how to send a sequenced payload on it (see Dialer and Path).
//
// - packet: one unit of media handed in by the producer. Packets are assigned
// a monotonic sequence number when they are dispatched, so packets shed by
// admission control never show up as gaps at the receiver.
//
// The sending side is driven by a Bond. Producer calls to Enqueue never block:
// packets go through a bounded admission queue which sheds droppable packets
// first, then ordinary ones, and critical ones last. A single worker
// goroutine pulls packets from the queue and asks the Scheduler which link(s)
// carry each of them, using deficit weighted round robin over the links that
// are currently allowed to carry traffic:
//
//	producer -> admission queue -> Scheduler -> link send loops -> Path
//
// Telemetry pushed by the transport (RecordSample) is smoothed by the
// Estimator. On every refresh the smoothed metrics advance each link through
// its lifecycle (Init, Probe, Warm, Live, Degrade, Cooldown, Reset) and
// recompute the scheduler's quanta. Only Warm and Live links carry traffic.
//
// The receiving side is a Receiver wrapping a ReceiveQueue, a fixed size ring
// indexed by sequence number which restores the original order, skips gaps
// which do not fill in time and adapts its playout latency to the observed
// jitter.
package bond

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/getlantern/golog"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
)

var (
	// ErrNoCapacity means no link is currently allowed to carry traffic.
	ErrNoCapacity = errors.New("no eligible link")
	// ErrBackpressure means the admission queue is full and the packet was
	// shed.
	ErrBackpressure = errors.New("admission queue full")
	ErrClosed       = errors.New("bond closed")
	ErrLinkExists   = errors.New("link already attached")
	ErrUnknownLink  = errors.New("unknown link")
	log             = golog.LoggerFor("bond")
)

type Params struct {
	Config *Config
	Dialer Dialer
	// Tracker defaults to NullTracker.
	Tracker StatsTracker
	// OnStats, if set, is called by the worker every StatsInterval. It must
	// not block.
	OnStats func(*Stats)
	// OnBitrate, if set, is called every CongestionInterval while the links
	// are close to saturation, with the bitrate the producer should switch
	// to. It must not block.
	OnBitrate func(bps float64)
}

// Bond is the sending side. Enqueue, RecordSample, Attach, Detach and the
// accessors are safe for concurrent use; everything else runs on a single
// worker goroutine which owns the link table and the scheduler.
type Bond struct {
	cfg       *Config
	dialer    Dialer
	tracker   StatsTracker
	onStats   func(*Stats)
	onBitrate func(float64)
	now       func() time.Time

	estimator  *Estimator
	scheduler  *Scheduler
	congestion *CongestionEstimator
	queue      *admissionQueue

	muIDs sync.Mutex
	ids   map[string]bool

	// owned by the worker
	links       map[string]*link
	order       []*link
	states      []LinkState
	targets     []string
	nextSeq     uint64
	sentBytes   uint64
	lastRefresh time.Time

	noCapacity atomic.Uint64
	lastStats  atomic.Pointer[Stats]

	ops       chan func()
	closing   core.Fuse
	closeOnce sync.Once
	closeCtx  context.Context
	closeErr  error
	done      chan struct{}
}

// NewBond starts the worker and dials every link in the config. It fails
// only if the config is invalid or links were configured and none of them
// could be dialed; links can be attached later either way.
func NewBond(ctx context.Context, params Params) (*Bond, error) {
	cfg := params.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tracker := params.Tracker
	if tracker == nil {
		tracker = NullTracker{}
	}
	b := &Bond{
		cfg:        cfg,
		dialer:     params.Dialer,
		tracker:    tracker,
		onStats:    params.OnStats,
		onBitrate:  params.OnBitrate,
		now:        time.Now,
		estimator:  NewEstimator(cfg.Estimator),
		scheduler:  NewScheduler(cfg.Scheduler, cfg.Lifecycle.WarmCapacityFactor),
		congestion: NewCongestionEstimator(cfg.Congestion),
		queue:      newAdmissionQueue(cfg.QueueSize),
		ids:        make(map[string]bool),
		links:      make(map[string]*link),
		ops:        make(chan func()),
		closing:    core.NewFuse(),
		done:       make(chan struct{}),
	}
	go b.run()
	if err := b.dialConfigured(ctx); err != nil {
		b.Close(ctx)
		return nil, err
	}
	return b, nil
}

// Enqueue hands a payload to the bond without blocking. The payload is
// copied, so the caller may reuse it right away. When the queue is full an
// older packet of a lower class is shed to make room; ErrBackpressure means
// there was none, so this packet was shed instead.
func (b *Bond) Enqueue(payload []byte, class Class) error {
	if b.closing.IsBroken() {
		return ErrClosed
	}
	if class >= numClasses {
		class = ClassOrdinary
	}
	p := composePacket(payload, class, b.now())
	victim := b.queue.push(p)
	if victim == nil {
		return nil
	}
	b.tracker.OnShed(victim.Class)
	log.Tracef("shed %v packet of %v bytes", victim.Class, victim.Size())
	victim.discard()
	if victim == p {
		return ErrBackpressure
	}
	return nil
}

// RecordSample feeds telemetry for an attached link. Samples for unknown
// links are ignored.
func (b *Bond) RecordSample(linkID string, s Sample) {
	b.muIDs.Lock()
	known := b.ids[linkID]
	b.muIDs.Unlock()
	if !known {
		log.Tracef("ignoring sample for unknown link %v", linkID)
		return
	}
	if s.At.IsZero() {
		s.At = b.now()
	}
	b.estimator.RecordSample(linkID, s)
}

// Metrics returns the latest smoothed metrics of a link.
func (b *Bond) Metrics(linkID string) Metrics {
	return b.estimator.Snapshot(linkID)
}

// RecommendedBitrate polls the congestion estimator.
func (b *Bond) RecommendedBitrate() (float64, bool) {
	return b.congestion.RecommendBitrate()
}

// Stats returns the most recent stats snapshot, or nil before the first one.
func (b *Bond) Stats() *Stats {
	return b.lastStats.Load()
}

// Close stops admitting packets, flushes the queue through the scheduler
// until it is empty or ctx is done, shedding whatever is left, and closes
// every link.
func (b *Bond) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closeCtx = ctx
		b.closing.Break()
	})
	select {
	case <-b.done:
		return b.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bond) submit(op func()) bool {
	select {
	case b.ops <- op:
		return true
	case <-b.closing.Watch():
		return false
	}
}

func (b *Bond) run() {
	defer close(b.done)
	refreshTicker := time.NewTicker(b.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	statsTicker := time.NewTicker(b.cfg.StatsInterval)
	defer statsTicker.Stop()
	congestionTicker := time.NewTicker(b.cfg.CongestionInterval)
	defer congestionTicker.Stop()

	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.queue.notify:
			b.dispatch(b.now())
		case <-refreshTicker.C:
			now := b.now()
			b.refresh(now)
			b.dispatch(now)
		case <-statsTicker.C:
			b.emitStats(b.now())
		case <-congestionTicker.C:
			b.emitBitrate()
		case <-b.closing.Watch():
			b.closeErr = b.drain(b.closeCtx, refreshTicker.C)
			return
		}
	}
}

// dispatch sends queued packets until the queue is empty or no link is
// eligible, in which case the head packet stays queued until the next
// refresh.
func (b *Bond) dispatch(now time.Time) {
	for {
		p := b.queue.peek()
		if p == nil {
			return
		}
		targets, err := b.scheduler.SelectLinks(p, now, b.targets[:0])
		if err != nil {
			b.noCapacity.Inc()
			log.Tracef("no link to carry %v bytes, %v packets queued", p.Size(), b.queue.len())
			return
		}
		b.queue.pop()
		b.nextSeq++
		p.Seq = b.nextSeq
		size := uint64(p.Size())
		p.retain(len(targets))
		for _, id := range targets {
			l := b.links[id]
			if l == nil {
				p.release()
				continue
			}
			if l.enqueue(p) {
				b.sentBytes += size
			}
		}
		b.targets = targets
	}
}

// refresh advances every link's lifecycle from its latest metrics and feeds
// the result to the congestion estimator and the scheduler.
func (b *Bond) refresh(now time.Time) {
	b.states = b.states[:0]
	total := 0.0
	for _, l := range b.order {
		m := b.estimator.Refresh(l.cfg.ID)
		fresh := m.Samples > l.lastSamples
		l.lastSamples = m.Samples
		stale := !m.LastSampleAt.IsZero() && now.Sub(m.LastSampleAt) > b.cfg.Lifecycle.StaleAfter
		from, changed := l.lc.advance(now, fresh, b.cfg.Lifecycle.isGood(m), stale)
		if changed {
			log.Debugf("%v: %v -> %v (rtt %v, loss %.3f, capacity %.0f bps)",
				l.label, from, l.lc.phase, m.RTT, m.Loss, m.CapacityBps)
			b.scheduler.OnPhaseChange(l.cfg.ID)
			b.tracker.OnPhaseChange(l.cfg.ID, from, l.lc.phase)
		}
		l.metrics = m
		st := LinkState{ID: l.cfg.ID, Class: l.cfg.Class, Phase: l.lc.phase, Metrics: m}
		total += b.carriedCapacity(st)
		b.states = append(b.states, st)
	}
	b.congestion.SetCapacity(total)
	if !b.lastRefresh.IsZero() {
		b.congestion.Observe(b.sentBytes, now.Sub(b.lastRefresh))
	}
	b.sentBytes = 0
	b.lastRefresh = now
	b.scheduler.Refresh(now, b.states, b.congestion.SpareRatio())
}

// dropState takes a detached link out of the last snapshot and reschedules
// the rest. Lifecycles only advance on the refresh timer.
func (b *Bond) dropState(id string) {
	total := 0.0
	kept := b.states[:0]
	for _, st := range b.states {
		if st.ID == id {
			continue
		}
		total += b.carriedCapacity(st)
		kept = append(kept, st)
	}
	b.states = kept
	b.congestion.SetCapacity(total)
	b.scheduler.Refresh(b.now(), b.states, b.congestion.SpareRatio())
}

func (b *Bond) carriedCapacity(st LinkState) float64 {
	if !st.Phase.CarriesTraffic() {
		return 0
	}
	capacity := st.Metrics.EffectiveCapacity()
	if st.Phase == PhaseWarm {
		capacity *= b.cfg.Lifecycle.WarmCapacityFactor
	}
	return capacity
}

func (b *Bond) emitStats(now time.Time) {
	st := &Stats{
		At:               now,
		Links:            make([]LinkStats, 0, len(b.order)),
		QueueLen:         b.queue.len(),
		Shed:             b.queue.shedCounts(),
		NoCapacity:       b.noCapacity.Load(),
		FailoverActive:   b.scheduler.FailoverActive(now),
		TotalCapacityBps: b.congestion.TotalCapacity(),
		ObservedBps:      b.congestion.ObservedBitrate(),
	}
	st.RecommendedBps, st.HasRecommendation = b.congestion.RecommendBitrate()
	for _, l := range b.order {
		st.Links = append(st.Links, l.stats())
	}
	b.lastStats.Store(st)
	b.tracker.UpdateStats(st)
	if b.onStats != nil {
		b.onStats(st)
	}
}

func (b *Bond) emitBitrate() {
	bps, ok := b.congestion.RecommendBitrate()
	if !ok {
		return
	}
	log.Debugf("links close to saturation, recommending %.0f bps", bps)
	if b.onBitrate != nil {
		b.onBitrate(bps)
	}
}

func (b *Bond) drain(ctx context.Context, refreshC <-chan time.Time) error {
	b.dispatch(b.now())
	for b.queue.len() > 0 && len(b.order) > 0 {
		select {
		case now := <-refreshC:
			b.refresh(now)
			b.dispatch(now)
			continue
		case <-ctx.Done():
		}
		break
	}
	for _, p := range b.queue.shedAll() {
		b.tracker.OnShed(p.Class)
		p.discard()
	}
	var result *multierror.Error
	for _, l := range b.order {
		if err := l.close(ctx.Done()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	b.emitStats(b.now())
	b.links = make(map[string]*link)
	b.order = nil
	return result.ErrorOrNil()
}

package bond

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// SourceFEC is the source recorded for payloads recovered by forward error
// correction.
const SourceFEC = "fec"

type InsertStatus int

const (
	// InsertStored means the packet is now held in the queue.
	InsertStored InsertStatus = iota
	// InsertDuplicate means the same sequence is already held.
	InsertDuplicate
	// InsertLate means the sequence was already emitted or skipped.
	InsertLate
	// InsertOverflow means the packet was ahead of the window. The window
	// was moved forward to make room, skipping what had not arrived, and the
	// packet was stored.
	InsertOverflow
)

func (s InsertStatus) String() string {
	switch s {
	case InsertStored:
		return "stored"
	case InsertDuplicate:
		return "duplicate"
	case InsertLate:
		return "late"
	case InsertOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Inbound is one packet arriving at the receiver.
type Inbound struct {
	Seq     uint64
	Payload []byte
	// Source is the link the packet came in on, or SourceFEC.
	Source    string
	SentAt    time.Time // zero if unknown
	ArrivedAt time.Time
}

type ReceiveStats struct {
	Stored        uint64
	Emitted       uint64
	Duplicates    uint64
	Late          uint64
	Overflows     uint64
	Skipped       uint64
	Recovered     uint64
	Pending       int
	NextExpected  uint64
	TargetLatency time.Duration
}

type slot struct {
	seq       uint64
	payload   []byte
	arrivedAt time.Time
	occupied  bool
}

// ReceiveQueue restores the sending order of packets arriving out of order
// over several links. It is maintained as a ring buffer with fixed size. It
// takes advantage of the fact that sequence numbers are consecutive, so when
// a packet arrives, it is placed at the position indexed by the remainder of
// its sequence number divided by the buffer size. Memory is bounded by the
// buffer size no matter how large a gap grows: a packet too far ahead of the
// next expected sequence moves the window forward instead. Packets moved out
// of the window count against the same size until they are drained; when a
// consumer does not keep up, the oldest of them are dropped.
//
// All methods are safe for concurrent use; they are serialized by one lock
// since emitting needs an atomic read-modify-write of the next expected
// sequence.
type ReceiveQueue struct {
	cfg ReassemblyConfig

	mu    sync.Mutex
	slots []slot
	size  uint64
	// next is the sequence number expected to be emitted next.
	next    uint64
	pending int
	// flushed holds packets moved out of the window by an overflow or a skip,
	// in order, waiting to be emitted ahead of anything still in the ring.
	flushed *deque.Deque[[]byte]

	jitter        *jitterWindow
	targetLatency time.Duration
	stats         ReceiveStats

	// release takes back payloads the queue drops. Nil means they are left to
	// the garbage collector.
	release func([]byte)
}

func NewReceiveQueue(cfg ReassemblyConfig) *ReceiveQueue {
	cfg.applyDefaults()
	return &ReceiveQueue{
		cfg:           cfg,
		slots:         make([]slot, cfg.Capacity),
		size:          uint64(cfg.Capacity),
		next:          cfg.InitialSequence,
		flushed:       deque.New[[]byte](),
		jitter:        newJitterWindow(cfg.JitterWindow),
		targetLatency: *cfg.InitialLatency,
	}
}

// Insert places a packet in the queue. Payloads recovered by FEC go through
// here exactly like received ones. Insert never fails; the returned status
// only says what happened to the packet. Inserting the same packet twice
// leaves the queue as inserting it once.
func (q *ReceiveQueue) Insert(in Inbound) InsertStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	if in.Seq < q.next {
		q.stats.Late++
		q.drop(in.Payload)
		return InsertLate
	}
	status := InsertStored
	if in.Seq >= q.next+q.size {
		// the slot for this sequence may still hold a packet from the current
		// window, which must not be overwritten
		q.stats.Overflows++
		q.skipTo(in.Seq - q.size + 1)
		status = InsertOverflow
	}
	sl := &q.slots[in.Seq%q.size]
	if sl.occupied {
		q.stats.Duplicates++
		q.drop(in.Payload)
		return InsertDuplicate
	}
	// flushed payloads share the ring's budget
	for q.pending+q.flushed.Len() >= int(q.size) && q.flushed.Len() > 0 {
		q.drop(q.flushed.PopFront())
		q.stats.Skipped++
	}
	*sl = slot{seq: in.Seq, payload: in.Payload, arrivedAt: in.ArrivedAt, occupied: true}
	q.pending++
	q.stats.Stored++
	if in.Source == SourceFEC {
		q.stats.Recovered++
	}
	q.jitter.observe(in.SentAt, in.ArrivedAt)
	return status
}

// DrainReady appends to dst, in order, every payload that can be emitted
// now: those flushed out of the window first, then the contiguous run
// starting at the next expected sequence whose packets have been held for
// at least the target latency. It stops at the first gap.
func (q *ReceiveQueue) DrainReady(now time.Time, dst [][]byte) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.flushed.Len() > 0 {
		dst = append(dst, q.flushed.PopFront())
		q.stats.Emitted++
	}
	for q.pending > 0 {
		sl := &q.slots[q.next%q.size]
		if !sl.occupied || sl.seq != q.next || now.Sub(sl.arrivedAt) < q.targetLatency {
			break
		}
		dst = append(dst, sl.payload)
		*sl = slot{}
		q.pending--
		q.next++
		q.stats.Emitted++
	}
	return dst
}

// Tick skips the missing sequences in front of a held packet which has been
// waiting longer than SkipAfter, trading a discontinuity for bounded
// latency. It returns the number of sequences skipped.
func (q *ReceiveQueue) Tick(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	skipped := 0
	for {
		seq, ok := q.firstHeldAfterGap()
		if !ok {
			return skipped
		}
		if now.Sub(q.slots[seq%q.size].arrivedAt) < q.cfg.SkipAfter {
			return skipped
		}
		before := q.stats.Skipped
		q.skipTo(seq)
		skipped += int(q.stats.Skipped - before)
	}
}

// firstHeldAfterGap finds the first held packet which has a missing sequence
// in front of it.
func (q *ReceiveQueue) firstHeldAfterGap() (uint64, bool) {
	seen := 0
	gap := false
	for seq := q.next; seen < q.pending && seq < q.next+q.size; seq++ {
		sl := &q.slots[seq%q.size]
		if !sl.occupied || sl.seq != seq {
			gap = true
			continue
		}
		if gap {
			return seq, true
		}
		seen++
	}
	return 0, false
}

// skipTo moves the next expected sequence forward to seq. Held packets below
// seq are moved in order to the flushed list, missing ones are counted as
// skipped.
func (q *ReceiveQueue) skipTo(seq uint64) {
	if seq <= q.next {
		return
	}
	span := seq - q.next
	steps := span
	if steps > q.size {
		steps = q.size
	}
	for i := uint64(0); i < steps; i++ {
		cur := q.next + i
		sl := &q.slots[cur%q.size]
		if sl.occupied && sl.seq == cur {
			q.flushed.PushBack(sl.payload)
			*sl = slot{}
			q.pending--
		} else {
			q.stats.Skipped++
		}
	}
	q.stats.Skipped += span - steps
	q.next = seq
}

func (q *ReceiveQueue) drop(b []byte) {
	if q.release != nil && b != nil {
		q.release(b)
	}
}

// Refresh recomputes the target latency as the 95th percentile of recent
// jitter times JitterLatencyMultiplier, capped at MaxLatency. Until enough
// jitter samples are collected, InitialLatency is used.
func (q *ReceiveQueue) Refresh() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.jitter.count() >= q.cfg.MinJitterSamples {
		target := time.Duration(float64(q.jitter.percentile(0.95)) * q.cfg.JitterLatencyMultiplier)
		if target > q.cfg.MaxLatency {
			target = q.cfg.MaxLatency
		}
		q.targetLatency = target
	}
	return q.targetLatency
}

func (q *ReceiveQueue) TargetLatency() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.targetLatency
}

// Len returns the number of packets held, including flushed ones not yet
// emitted.
func (q *ReceiveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending + q.flushed.Len()
}

func (q *ReceiveQueue) Stats() ReceiveStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Pending = q.pending + q.flushed.Len()
	st.NextExpected = q.next
	st.TargetLatency = q.targetLatency
	return st
}

// close drops everything held.
func (q *ReceiveQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.flushed.Len() > 0 {
		q.drop(q.flushed.PopFront())
	}
	for i := range q.slots {
		if q.slots[i].occupied {
			q.drop(q.slots[i].payload)
			q.slots[i] = slot{}
		}
	}
	q.pending = 0
}

package bond

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	pool "github.com/libp2p/go-buffer-pool"
)

// Receiver is the receiving side. The transport hands it every payload
// arriving on any link, and the application reads them back in sending
// order, either packet by packet with DrainReady or as a byte stream with
// Read. Use one or the other, not both.
type Receiver struct {
	queue   *ReceiveQueue
	tracker StatsTracker
	cfg     ReassemblyConfig

	cond         *sync.Cond
	ready        *deque.Deque[[]byte] // drained but not yet read
	readDeadline time.Time

	closed    core.Fuse
	closeOnce sync.Once
	done      chan struct{}
}

// NewReceiver starts a receiver. tracker may be nil. Zero fields of cfg take
// their defaults.
func NewReceiver(cfg ReassemblyConfig, tracker StatsTracker) (*Receiver, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = NullTracker{}
	}
	q := NewReceiveQueue(cfg)
	q.release = pool.Put
	r := &Receiver{
		queue:   q,
		tracker: tracker,
		cfg:     cfg,
		cond:    sync.NewCond(&sync.Mutex{}),
		ready:   deque.New[[]byte](),
		closed:  core.NewFuse(),
		done:    make(chan struct{}),
	}
	go r.tickLoop()
	return r, nil
}

// OnReceive accepts one payload from the transport. The payload is copied.
// sentAt is the sender timestamp if the transport carries one, otherwise
// zero.
func (r *Receiver) OnReceive(linkID string, seq uint64, payload []byte, sentAt time.Time) InsertStatus {
	return r.insert(linkID, seq, payload, sentAt)
}

// OnFECRecovered accepts a payload rebuilt by forward error correction. It
// goes through exactly the same path as a received one.
func (r *Receiver) OnFECRecovered(seq uint64, payload []byte) InsertStatus {
	return r.insert(SourceFEC, seq, payload, time.Time{})
}

func (r *Receiver) insert(source string, seq uint64, payload []byte, sentAt time.Time) InsertStatus {
	if r.closed.IsBroken() {
		return InsertLate
	}
	buf := pool.Get(len(payload))
	copy(buf, payload)
	status := r.queue.Insert(Inbound{
		Seq:       seq,
		Payload:   buf,
		Source:    source,
		SentAt:    sentAt,
		ArrivedAt: time.Now(),
	})
	r.tracker.OnInsert(source, status)
	if status == InsertOverflow {
		log.Debugf("packet# %v from %v is beyond the reorder window, skipping ahead", seq, source)
	}
	r.wake()
	return status
}

// DrainReady returns the payloads ready to go to the application, in order.
// The caller owns them.
func (r *Receiver) DrainReady() [][]byte {
	return r.queue.DrainReady(time.Now(), nil)
}

// Read reads the ordered stream of payloads, blocking until something is
// ready, the read deadline passes or the receiver is closed.
func (r *Receiver) Read(b []byte) (int, error) {
	r.cond.L.Lock()
	defer r.cond.L.Unlock()
	for {
		for _, p := range r.queue.DrainReady(time.Now(), nil) {
			r.ready.PushBack(p)
		}
		if r.ready.Len() > 0 {
			break
		}
		if r.closed.IsBroken() {
			return 0, ErrClosed
		}
		if r.dlExceeded() {
			return 0, context.DeadlineExceeded
		}
		r.cond.Wait()
	}
	totalN := 0
	for r.ready.Len() > 0 && totalN < len(b) {
		cur := r.ready.Front()
		n := copy(b[totalN:], cur)
		if n == len(cur) {
			pool.Put(r.ready.PopFront())
		} else {
			r.ready.Set(0, cur[n:])
		}
		totalN += n
	}
	return totalN, nil
}

func (r *Receiver) SetReadDeadline(dl time.Time) {
	r.cond.L.Lock()
	r.readDeadline = dl
	r.cond.L.Unlock()
	if !dl.IsZero() {
		ttl := time.Until(dl)
		if ttl <= 0 {
			r.wake()
		} else {
			time.AfterFunc(ttl, r.wake)
		}
	}
}

// wake rouses blocked readers. Broadcasting under the lock means a reader
// that has checked the queue but not yet parked can't miss it.
func (r *Receiver) wake() {
	r.cond.L.Lock()
	r.cond.Broadcast()
	r.cond.L.Unlock()
}

// must be called with r.cond.L held
func (r *Receiver) dlExceeded() bool {
	return !r.readDeadline.IsZero() && !r.readDeadline.After(time.Now())
}

func (r *Receiver) Stats() ReceiveStats {
	return r.queue.Stats()
}

func (r *Receiver) TargetLatency() time.Duration {
	return r.queue.TargetLatency()
}

func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Break()
		<-r.done
		r.queue.close()
		r.cond.L.Lock()
		for r.ready.Len() > 0 {
			pool.Put(r.ready.PopFront())
		}
		r.cond.Broadcast()
		r.cond.L.Unlock()
	})
	return nil
}

func (r *Receiver) tickLoop() {
	defer close(r.done)
	tick := time.NewTicker(r.cfg.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(r.cfg.RefreshInterval)
	defer refresh.Stop()
	for {
		select {
		case now := <-tick.C:
			if n := r.queue.Tick(now); n > 0 {
				log.Debugf("skipped %d missing packets", n)
				r.tracker.OnSkip(n)
			}
			// held packets may have become ready as time passed
			r.wake()
		case <-refresh.C:
			prev := r.queue.TargetLatency()
			if target := r.queue.Refresh(); target != prev {
				log.Tracef("target latency %v -> %v", prev, target)
			}
		case <-r.closed.Watch():
			return
		}
	}
}

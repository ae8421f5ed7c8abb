package bond

import (
	"sync"

	"github.com/gammazero/deque"
)

// admissionQueue is the bounded queue between the producer and the Bond
// worker. Packets leave it in the order they came in. When it is full, the
// oldest packet of the lowest class present is shed if that class is lower
// than the incoming packet's, otherwise the incoming packet is.
type admissionQueue struct {
	mu      sync.Mutex
	packets *deque.Deque[*Packet]
	counts  [numClasses]int
	shed    [numClasses]uint64
	size    int
	notify  chan struct{}
}

func newAdmissionQueue(size int) *admissionQueue {
	return &admissionQueue{
		packets: deque.New[*Packet](size),
		size:    size,
		notify:  make(chan struct{}, 1),
	}
}

// push adds p and returns the packet shed to make room, if any. The returned
// packet may be p itself.
func (q *admissionQueue) push(p *Packet) *Packet {
	q.mu.Lock()
	var victim *Packet
	if q.packets.Len() >= q.size {
		lowest := p.Class
		for c := Class(0); c < p.Class; c++ {
			if q.counts[c] > 0 {
				lowest = c
				break
			}
		}
		if lowest == p.Class {
			q.shed[p.Class]++
			q.mu.Unlock()
			return p
		}
		idx := q.packets.Index(func(x *Packet) bool { return x.Class == lowest })
		victim = q.packets.Remove(idx)
		q.counts[lowest]--
		q.shed[lowest]++
	}
	q.packets.PushBack(p)
	q.counts[p.Class]++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return victim
}

func (q *admissionQueue) peek() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.packets.Len() == 0 {
		return nil
	}
	return q.packets.Front()
}

func (q *admissionQueue) pop() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.packets.Len() == 0 {
		return nil
	}
	p := q.packets.PopFront()
	q.counts[p.Class]--
	return p
}

// shedAll empties the queue, counting every packet as shed.
func (q *admissionQueue) shedAll() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Packet, 0, q.packets.Len())
	for q.packets.Len() > 0 {
		p := q.packets.PopFront()
		q.counts[p.Class]--
		q.shed[p.Class]++
		out = append(out, p)
	}
	return out
}

func (q *admissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.packets.Len()
}

func (q *admissionQueue) shedCounts() [numClasses]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shed
}

package bond

import (
	"fmt"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/atomic"
)

// Class classifies a packet by how costly its loss is. The order matters:
// lower classes are shed first when the admission queue is full.
type Class uint8

const (
	ClassDroppable Class = iota
	ClassOrdinary
	ClassCritical
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassDroppable:
		return "droppable"
	case ClassOrdinary:
		return "ordinary"
	case ClassCritical:
		return "critical"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Packet is one unit of data to dispatch.
type Packet struct {
	Seq       uint64
	Payload   []byte
	Class     Class
	CreatedAt time.Time

	// refs counts the link sends still holding the payload. The payload goes
	// back to the pool when it drops to zero.
	refs atomic.Int32
}

// Size is the payload size in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}

// composePacket copies b into a pooled buffer so the producer is free to
// reuse b as soon as Enqueue returns.
func composePacket(b []byte, class Class, now time.Time) *Packet {
	buf := pool.Get(len(b))
	copy(buf, b)
	return &Packet{Payload: buf, Class: class, CreatedAt: now}
}

func (p *Packet) retain(n int) {
	p.refs.Add(int32(n))
}

// discard returns the payload of a packet which was never handed to a link.
func (p *Packet) discard() {
	pool.Put(p.Payload)
	p.Payload = nil
}

func (p *Packet) release() {
	if p.refs.Dec() == 0 {
		pool.Put(p.Payload)
		p.Payload = nil
	}
}

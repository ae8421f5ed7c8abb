package bond

import (
	"context"

	"github.com/google/uuid"
)

// Dialer opens links. It is implemented by the lower transport, which owns
// framing, retransmission and encryption on each link.
type Dialer interface {
	DialContext(ctx context.Context, cfg LinkConfig) (Path, error)
	Label() string
}

// Path sends sequenced payloads over one link. Send may block; each Path is
// driven by a single goroutine. The payload must not be retained after Send
// returns.
type Path interface {
	Send(seq uint64, payload []byte) error
	Close() error
}

// Attach dials a new link and adds it to the bond in the Init phase. A link
// without an ID gets a random one. It returns the ID of the link.
func (b *Bond) Attach(ctx context.Context, cfg LinkConfig) (string, error) {
	if b.closing.IsBroken() {
		return "", ErrClosed
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	b.muIDs.Lock()
	if b.ids[cfg.ID] {
		b.muIDs.Unlock()
		return "", ErrLinkExists
	}
	b.ids[cfg.ID] = true
	b.muIDs.Unlock()

	label := b.dialer.Label() + " " + cfg.ID
	path, err := b.dialer.DialContext(ctx, cfg)
	if err != nil {
		b.forget(cfg.ID)
		return "", log.Errorf("failed to dial %v: %v", label, err)
	}
	b.estimator.get(cfg.ID, true)
	added := b.submit(func() {
		l := startLink(cfg, path, label, b.cfg.LinkQueueSize, b.cfg.Lifecycle, b.tracker, b.now())
		b.links[cfg.ID] = l
		b.order = append(b.order, l)
		log.Debugf("attached %v", label)
	})
	if !added {
		b.forget(cfg.ID)
		b.estimator.Remove(cfg.ID)
		path.Close()
		return "", ErrClosed
	}
	return cfg.ID, nil
}

// Detach removes a link. Packets already queued on it are still sent before
// its path is closed.
func (b *Bond) Detach(id string) error {
	b.muIDs.Lock()
	known := b.ids[id]
	b.muIDs.Unlock()
	if !known {
		return ErrUnknownLink
	}
	b.forget(id)
	b.submit(func() {
		l := b.links[id]
		if l == nil {
			return
		}
		delete(b.links, id)
		for i, other := range b.order {
			if other == l {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		b.estimator.Remove(id)
		b.dropState(id)
		log.Debugf("detached %v", l.label)
		go func() {
			if err := l.close(nil); err != nil {
				log.Errorf("failed to close %v: %v", l.label, err)
			}
		}()
	})
	return nil
}

// dialConfigured attaches the links listed in the config. Links failing to
// dial are logged and skipped, as long as at least one succeeds.
func (b *Bond) dialConfigured(ctx context.Context) error {
	attached := 0
	for _, lc := range b.cfg.Links {
		if _, err := b.Attach(ctx, lc); err != nil {
			continue
		}
		attached++
	}
	if len(b.cfg.Links) > 0 && attached == 0 {
		return log.Errorf("none of the %d configured links could be dialed", len(b.cfg.Links))
	}
	return nil
}

func (b *Bond) forget(id string) {
	b.muIDs.Lock()
	delete(b.ids, id)
	b.muIDs.Unlock()
}

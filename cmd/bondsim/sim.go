package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/getlantern/bond"
)

// maxQueueDelay is how much data a simulated link buffers, in time, before
// it starts dropping.
const maxQueueDelay = 500 * time.Millisecond

type fileConfig struct {
	Bond yaml.Node `yaml:"bond"`
	Sim  simConfig `yaml:"sim"`
}

type simConfig struct {
	TelemetryInterval time.Duration   `yaml:"telemetry_interval,omitempty"`
	Links             []simLinkConfig `yaml:"links"`
}

type simLinkConfig struct {
	ID          string         `yaml:"id"`
	Class       bond.LinkClass `yaml:"class,omitempty"`
	Delay       time.Duration  `yaml:"delay"`
	Jitter      time.Duration  `yaml:"jitter,omitempty"`
	Loss        float64        `yaml:"loss,omitempty"`
	CapacityBps float64        `yaml:"capacity_bps"`
	Steps       []simStep      `yaml:"steps,omitempty"`
}

// simStep changes a link's conditions At after the start.
type simStep struct {
	At          time.Duration `yaml:"at"`
	Delay       time.Duration `yaml:"delay,omitempty"`
	Jitter      time.Duration `yaml:"jitter,omitempty"`
	Loss        float64       `yaml:"loss,omitempty"`
	CapacityBps float64       `yaml:"capacity_bps,omitempty"`
	Down        bool          `yaml:"down,omitempty"`
}

var defaultSimConfig = simConfig{
	TelemetryInterval: 100 * time.Millisecond,
	Links: []simLinkConfig{
		{ID: "lte-a", Class: bond.LinkClassCellular, Delay: 40 * time.Millisecond, Jitter: 10 * time.Millisecond, Loss: 0.01, CapacityBps: 4e6,
			Steps: []simStep{{At: 15 * time.Second, Delay: 200 * time.Millisecond, Jitter: 30 * time.Millisecond, Loss: 0.1, CapacityBps: 1e6}}},
		{ID: "lte-b", Class: bond.LinkClassCellular, Delay: 50 * time.Millisecond, Jitter: 15 * time.Millisecond, Loss: 0.02, CapacityBps: 3e6},
		{ID: "wifi", Class: bond.LinkClassWifi, Delay: 15 * time.Millisecond, Jitter: 5 * time.Millisecond, Loss: 0.005, CapacityBps: 8e6,
			Steps: []simStep{{At: 30 * time.Second, Down: true}}},
	},
}

// loadConfig reads the bond section through bond.LoadConfig, so defaults
// and validation apply, and adds a LinkConfig for every simulated link.
func loadConfig(b []byte) (*bond.Config, simConfig, error) {
	var fc fileConfig
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, simConfig{}, errors.Wrap(err, "could not parse config")
		}
	}
	sim := fc.Sim
	if len(sim.Links) == 0 {
		sim.Links = defaultSimConfig.Links
	}
	if sim.TelemetryInterval <= 0 {
		sim.TelemetryInterval = defaultSimConfig.TelemetryInterval
	}
	var raw []byte
	if !fc.Bond.IsZero() {
		var err error
		if raw, err = yaml.Marshal(&fc.Bond); err != nil {
			return nil, simConfig{}, errors.Wrap(err, "could not read bond section")
		}
	}
	conf, err := bond.LoadConfig(raw)
	if err != nil {
		return nil, simConfig{}, err
	}
	if len(conf.Links) == 0 {
		for _, l := range sim.Links {
			conf.Links = append(conf.Links, bond.LinkConfig{ID: l.ID, Class: l.Class})
		}
	}
	return conf, sim, nil
}

// simDialer opens simulated links which deliver to an in-process receiver.
type simDialer struct {
	cfg      simConfig
	receiver *bond.Receiver
	start    time.Time

	mu    sync.Mutex
	paths []*simPath
}

func (d *simDialer) DialContext(ctx context.Context, lc bond.LinkConfig) (bond.Path, error) {
	for _, c := range d.cfg.Links {
		if c.ID != lc.ID {
			continue
		}
		p := &simPath{id: c.ID, cond: c, receiver: d.receiver}
		for _, step := range c.Steps {
			step := step
			time.AfterFunc(time.Until(d.start.Add(step.At)), func() { p.apply(step) })
		}
		d.mu.Lock()
		d.paths = append(d.paths, p)
		d.mu.Unlock()
		return p, nil
	}
	return nil, fmt.Errorf("no simulated link %q", lc.ID)
}

func (d *simDialer) Label() string {
	return "simulated"
}

// pushTelemetry reports every path's conditions to b until ctx is done.
func (d *simDialer) pushTelemetry(ctx context.Context, b *bond.Bond) {
	ticker := time.NewTicker(d.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			paths := append([]*simPath(nil), d.paths...)
			d.mu.Unlock()
			for _, p := range paths {
				if s, ok := p.sample(now); ok {
					b.RecordSample(p.id, s)
				}
			}
		}
	}
}

type simPath struct {
	id       string
	receiver *bond.Receiver

	mu        sync.Mutex
	cond      simLinkConfig
	down      bool
	busyUntil time.Time
	sent      uint64
	lost      uint64
	delivered uint64
	closed    bool
}

func (p *simPath) apply(step simStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = step.Down
	if step.Delay > 0 {
		p.cond.Delay = step.Delay
	}
	if step.Jitter > 0 {
		p.cond.Jitter = step.Jitter
	}
	if step.Loss > 0 {
		p.cond.Loss = step.Loss
	}
	if step.CapacityBps > 0 {
		p.cond.CapacityBps = step.CapacityBps
	}
	log.Debugf("link %v now: delay %v, jitter %v, loss %v, capacity %v, down %v",
		p.id, p.cond.Delay, p.cond.Jitter, p.cond.Loss, p.cond.CapacityBps, p.down)
}

// Send models a bottleneck queue: packets are serialized at the link
// capacity, dropped once the queue holds more than maxQueueDelay, and lost
// at random.
func (p *simPath) Send(seq uint64, payload []byte) error {
	now := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bond.ErrClosed
	}
	p.sent++
	if p.busyUntil.Before(now) {
		p.busyUntil = now
	}
	if p.down || p.busyUntil.Sub(now) > maxQueueDelay || rand.Float64() < p.cond.Loss {
		p.lost++
		p.mu.Unlock()
		return nil
	}
	p.busyUntil = p.busyUntil.Add(time.Duration(float64(len(payload)*8) / p.cond.CapacityBps * float64(time.Second)))
	deliverAt := p.busyUntil.Add(p.cond.Delay + jitter(p.cond.Jitter))
	p.delivered += uint64(len(payload))
	p.mu.Unlock()

	buf := append([]byte(nil), payload...)
	time.AfterFunc(time.Until(deliverAt), func() {
		p.receiver.OnReceive(p.id, seq, buf, now)
	})
	return nil
}

// sample reports what the transport would measure over the last interval.
func (p *simPath) sample(now time.Time) (bond.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down || p.closed {
		return bond.Sample{}, false
	}
	queued := p.busyUntil.Sub(now)
	if queued < 0 {
		queued = 0
	}
	s := bond.Sample{
		RTT:         2*p.cond.Delay + queued + jitter(p.cond.Jitter),
		HasRTT:      true,
		Bytes:       p.delivered,
		CapacityBps: p.cond.CapacityBps,
		At:          now,
	}
	if p.sent > 0 {
		s.Loss, s.HasLoss = float64(p.lost)/float64(p.sent), true
	} else {
		s.HasLoss = true
	}
	p.sent, p.lost, p.delivered = 0, 0, 0
	return s, true
}

func (p *simPath) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func jitter(upTo time.Duration) time.Duration {
	if upTo <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upTo)))
}

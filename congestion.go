package bond

import (
	"time"

	"github.com/getlantern/ema"
	"go.uber.org/atomic"
)

// CongestionEstimator compares what the bonded links can carry with what is
// actually being sent, and recommends a lower sending bitrate to the
// producer once the links are close to saturation. All methods are safe for
// concurrent use and never block.
type CongestionEstimator struct {
	cfg CongestionConfig

	totalCapacity atomic.Float64
	// observed is nil until the first observation seeds it.
	observed atomic.Pointer[ema.EMA]
}

func NewCongestionEstimator(cfg CongestionConfig) *CongestionEstimator {
	return &CongestionEstimator{cfg: cfg}
}

// SetCapacity records the sum of effective capacity over Warm and Live
// links.
func (c *CongestionEstimator) SetCapacity(bps float64) {
	c.totalCapacity.Store(bps)
}

// TotalCapacity returns the sum of effective capacity over Warm and Live
// links, in bits per second.
func (c *CongestionEstimator) TotalCapacity() float64 {
	return c.totalCapacity.Load()
}

// Observe feeds the number of bytes sent over interval into the smoothed
// throughput.
func (c *CongestionEstimator) Observe(bytes uint64, interval time.Duration) {
	if interval <= 0 {
		return
	}
	bps := float64(bytes) * 8 / interval.Seconds()
	if c.observed.CompareAndSwap(nil, seeded(bps, c.cfg.ObservedAlpha)) {
		return
	}
	c.observed.Load().Update(bps)
}

// ObservedBitrate is the smoothed sending throughput in bits per second.
func (c *CongestionEstimator) ObservedBitrate() float64 {
	if e := c.observed.Load(); e != nil {
		return e.Get()
	}
	return 0
}

// SpareRatio is the share of total capacity not used by the observed
// throughput, in [0, 1].
func (c *CongestionEstimator) SpareRatio() float64 {
	total := c.TotalCapacity()
	if total <= 0 {
		return 0
	}
	return clamp((total-c.ObservedBitrate())/total, 0, 1)
}

// RecommendBitrate returns a bitrate for the producer to switch to, only
// when observed throughput exceeds TriggerRatio of the total capacity. The
// recommendation keeps HeadroomRatio of the capacity so retransmissions and
// redundant copies still fit.
func (c *CongestionEstimator) RecommendBitrate() (float64, bool) {
	total := c.TotalCapacity()
	if total <= 0 || c.observed.Load() == nil {
		return 0, false
	}
	if c.ObservedBitrate() <= total*c.cfg.TriggerRatio {
		return 0, false
	}
	return total * c.cfg.HeadroomRatio, true
}

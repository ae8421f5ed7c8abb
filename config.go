package bond

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LinkClass describes the kind of network a link runs over. It is used to
// pick diverse links for redundant copies.
type LinkClass string

const (
	LinkClassUnknown  LinkClass = ""
	LinkClassCellular LinkClass = "cellular"
	LinkClassWifi     LinkClass = "wifi"
	LinkClassWired    LinkClass = "wired"
)

// DiversityMode selects how redundancy targets are chosen.
type DiversityMode string

const (
	// DiversityClass prefers links of a class not yet carrying the packet,
	// then falls back to quality ranking.
	DiversityClass DiversityMode = "class"
	// DiversityDistinct only requires the links to be distinct.
	DiversityDistinct DiversityMode = "distinct"
)

type Config struct {
	Links      []LinkConfig     `yaml:"links,omitempty"`
	Estimator  EstimatorConfig  `yaml:"estimator,omitempty"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle,omitempty"`
	Scheduler  SchedulerConfig  `yaml:"scheduler,omitempty"`
	Congestion CongestionConfig `yaml:"congestion,omitempty"`
	Reassembly ReassemblyConfig `yaml:"reassembly,omitempty"`

	// QueueSize is the number of packets the admission queue holds before
	// shedding.
	QueueSize int `yaml:"queue_size,omitempty"`
	// LinkQueueSize is the number of packets buffered per link in front of
	// the transport.
	LinkQueueSize      int           `yaml:"link_queue_size,omitempty"`
	RefreshInterval    time.Duration `yaml:"refresh_interval,omitempty"`
	StatsInterval      time.Duration `yaml:"stats_interval,omitempty"`
	CongestionInterval time.Duration `yaml:"congestion_interval,omitempty"`
}

type LinkConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address,omitempty"`

	// Interface optionally binds the link to an OS network interface. It is
	// passed through to the Dialer.
	Interface string    `yaml:"interface,omitempty"`
	Class     LinkClass `yaml:"class,omitempty"`
}

type EstimatorConfig struct {
	RTTAlpha      float64 `yaml:"rtt_alpha,omitempty"`
	LossAlpha     float64 `yaml:"loss_alpha,omitempty"`
	CapacityAlpha float64 `yaml:"capacity_alpha,omitempty"`
	// BaselineAlpha smooths the long term RTT and loss baseline degradation
	// is measured against. It should be much smaller than RTTAlpha.
	BaselineAlpha    float64 `yaml:"baseline_alpha,omitempty"`
	CapacityFloorBps float64 `yaml:"capacity_floor_bps,omitempty"`

	DegradeRTTMultiple  float64 `yaml:"degrade_rtt_multiple,omitempty"`
	DegradeLossMultiple float64 `yaml:"degrade_loss_multiple,omitempty"`
	DegradeLossFloor    float64 `yaml:"degrade_loss_floor,omitempty"`
	PenaltyDecay        float64 `yaml:"penalty_decay,omitempty"`
	PenaltyRecovery     float64 `yaml:"penalty_recovery,omitempty"`
	PenaltyMin          float64 `yaml:"penalty_min,omitempty"`

	// ThroughputCapacityGain scales delivered throughput into a capacity
	// estimate for samples which carry no explicit capacity.
	ThroughputCapacityGain float64       `yaml:"throughput_capacity_gain,omitempty"`
	TrendSamples           int           `yaml:"trend_samples,omitempty"`
	PredictionHorizon      time.Duration `yaml:"prediction_horizon,omitempty"`
	MaxTrendGain           float64       `yaml:"max_trend_gain,omitempty"`
}

type LifecycleConfig struct {
	ProbeGoodSamples   int `yaml:"probe_good_samples,omitempty"`
	LiveGoodSamples    int `yaml:"live_good_samples,omitempty"`
	DegradeBadSamples  int `yaml:"degrade_bad_samples,omitempty"`
	CooldownBadSamples int `yaml:"cooldown_bad_samples,omitempty"`
	RecoverGoodSamples int `yaml:"recover_good_samples,omitempty"`

	StaleAfter       time.Duration `yaml:"stale_after,omitempty"`
	CooldownDuration time.Duration `yaml:"cooldown_duration,omitempty"`

	MaxLoss        float64       `yaml:"max_loss,omitempty"`
	MinRTT         time.Duration `yaml:"min_rtt,omitempty"`
	MaxRTT         time.Duration `yaml:"max_rtt,omitempty"`
	MinCapacityBps float64       `yaml:"min_capacity_bps,omitempty"`

	// WarmCapacityFactor scales the capacity of Warm links.
	WarmCapacityFactor float64 `yaml:"warm_capacity_factor,omitempty"`
}

type SchedulerConfig struct {
	QuantumBytes     int `yaml:"quantum_bytes,omitempty"`
	MinQuantumBytes  int `yaml:"min_quantum_bytes,omitempty"`
	DeficitCapRounds int `yaml:"deficit_cap_rounds,omitempty"`

	CriticalBroadcast *bool `yaml:"critical_broadcast,omitempty"`

	RedundancySpareRatio float64 `yaml:"redundancy_spare_ratio,omitempty"`
	// nil takes the default; zero turns duplication off
	RedundancyTargets *int          `yaml:"redundancy_targets,omitempty"`
	MaxDuplicateSize  int           `yaml:"max_duplicate_size,omitempty"`
	Diversity         DiversityMode `yaml:"diversity,omitempty"`

	FailoverSpikeFactor float64       `yaml:"failover_spike_factor,omitempty"`
	FailoverDuration    time.Duration `yaml:"failover_duration,omitempty"`
}

type CongestionConfig struct {
	TriggerRatio  float64 `yaml:"trigger_ratio,omitempty"`
	HeadroomRatio float64 `yaml:"headroom_ratio,omitempty"`
	ObservedAlpha float64 `yaml:"observed_alpha,omitempty"`
}

type ReassemblyConfig struct {
	Capacity        int    `yaml:"capacity,omitempty"`
	InitialSequence uint64 `yaml:"initial_sequence,omitempty"`
	// nil takes the default; zero emits packets as soon as they are in order
	InitialLatency          *time.Duration `yaml:"initial_latency,omitempty"`
	MaxLatency              time.Duration  `yaml:"max_latency,omitempty"`
	SkipAfter               time.Duration  `yaml:"skip_after,omitempty"`
	JitterLatencyMultiplier float64        `yaml:"jitter_latency_multiplier,omitempty"`
	JitterWindow            int            `yaml:"jitter_window,omitempty"`
	MinJitterSamples        int            `yaml:"min_jitter_samples,omitempty"`
	TickInterval            time.Duration  `yaml:"tick_interval,omitempty"`
	RefreshInterval         time.Duration  `yaml:"refresh_interval,omitempty"`
}

var (
	DefaultEstimatorConfig = EstimatorConfig{
		RTTAlpha:               0.125,
		LossAlpha:              0.1,
		CapacityAlpha:          0.2,
		BaselineAlpha:          0.02,
		CapacityFloorBps:       250_000,
		DegradeRTTMultiple:     2.0,
		DegradeLossMultiple:    3.0,
		DegradeLossFloor:       0.05,
		PenaltyDecay:           0.7,
		PenaltyRecovery:        0.05,
		PenaltyMin:             0.1,
		ThroughputCapacityGain: 1.25,
		TrendSamples:           8,
		PredictionHorizon:      500 * time.Millisecond,
		MaxTrendGain:           1.2,
	}

	DefaultLifecycleConfig = LifecycleConfig{
		ProbeGoodSamples:   3,
		LiveGoodSamples:    8,
		DegradeBadSamples:  3,
		CooldownBadSamples: 8,
		RecoverGoodSamples: 4,
		StaleAfter:         2 * time.Second,
		CooldownDuration:   5 * time.Second,
		MaxLoss:            0.2,
		MinRTT:             time.Microsecond,
		MaxRTT:             2 * time.Second,
		MinCapacityBps:     64_000,
		WarmCapacityFactor: 0.5,
	}

	DefaultSchedulerConfig = SchedulerConfig{
		QuantumBytes:         3000,
		MinQuantumBytes:      200,
		DeficitCapRounds:     4,
		CriticalBroadcast:    boolPtr(true),
		RedundancySpareRatio: 0.5,
		RedundancyTargets:    intPtr(1),
		MaxDuplicateSize:     1500,
		Diversity:            DiversityClass,
		FailoverSpikeFactor:  3.0,
		FailoverDuration:     time.Second,
	}

	DefaultCongestionConfig = CongestionConfig{
		TriggerRatio:  0.9,
		HeadroomRatio: 0.8,
		ObservedAlpha: 0.3,
	}

	DefaultReassemblyConfig = ReassemblyConfig{
		Capacity:                4096,
		InitialSequence:         1,
		InitialLatency:          durationPtr(100 * time.Millisecond),
		MaxLatency:              time.Second,
		SkipAfter:               300 * time.Millisecond,
		JitterLatencyMultiplier: 2.0,
		JitterWindow:            256,
		MinJitterSamples:        16,
		TickInterval:            10 * time.Millisecond,
		RefreshInterval:         500 * time.Millisecond,
	}
)

// DefaultConfig returns a conservative configuration which works without any
// tuning.
func DefaultConfig() *Config {
	conf := &Config{
		Estimator:          DefaultEstimatorConfig,
		Lifecycle:          DefaultLifecycleConfig,
		Scheduler:          DefaultSchedulerConfig,
		Congestion:         DefaultCongestionConfig,
		Reassembly:         DefaultReassemblyConfig,
		QueueSize:          1024,
		LinkQueueSize:      256,
		RefreshInterval:    200 * time.Millisecond,
		StatsInterval:      time.Second,
		CongestionInterval: 500 * time.Millisecond,
	}
	// decoding writes through pointers, which must not alias the defaults
	conf.Scheduler.CriticalBroadcast = boolPtr(*DefaultSchedulerConfig.CriticalBroadcast)
	conf.Scheduler.RedundancyTargets = intPtr(*DefaultSchedulerConfig.RedundancyTargets)
	conf.Reassembly.InitialLatency = durationPtr(*DefaultReassemblyConfig.InitialLatency)
	return conf
}

// LoadConfig decodes YAML on top of DefaultConfig, so any field left out
// keeps its default.
func LoadConfig(b []byte) (*Config, error) {
	conf := DefaultConfig()
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyDefaults fills in zero values, which covers configs built in code
// rather than loaded.
func (conf *Config) applyDefaults() {
	def := DefaultConfig()
	setInt(&conf.QueueSize, def.QueueSize)
	setInt(&conf.LinkQueueSize, def.LinkQueueSize)
	setDuration(&conf.RefreshInterval, def.RefreshInterval)
	setDuration(&conf.StatsInterval, def.StatsInterval)
	setDuration(&conf.CongestionInterval, def.CongestionInterval)

	e := &conf.Estimator
	setFloat(&e.RTTAlpha, def.Estimator.RTTAlpha)
	setFloat(&e.LossAlpha, def.Estimator.LossAlpha)
	setFloat(&e.CapacityAlpha, def.Estimator.CapacityAlpha)
	setFloat(&e.BaselineAlpha, def.Estimator.BaselineAlpha)
	setFloat(&e.CapacityFloorBps, def.Estimator.CapacityFloorBps)
	setFloat(&e.DegradeRTTMultiple, def.Estimator.DegradeRTTMultiple)
	setFloat(&e.DegradeLossMultiple, def.Estimator.DegradeLossMultiple)
	setFloat(&e.DegradeLossFloor, def.Estimator.DegradeLossFloor)
	setFloat(&e.PenaltyDecay, def.Estimator.PenaltyDecay)
	setFloat(&e.PenaltyRecovery, def.Estimator.PenaltyRecovery)
	setFloat(&e.PenaltyMin, def.Estimator.PenaltyMin)
	setFloat(&e.ThroughputCapacityGain, def.Estimator.ThroughputCapacityGain)
	setInt(&e.TrendSamples, def.Estimator.TrendSamples)
	setDuration(&e.PredictionHorizon, def.Estimator.PredictionHorizon)
	setFloat(&e.MaxTrendGain, def.Estimator.MaxTrendGain)

	l := &conf.Lifecycle
	setInt(&l.ProbeGoodSamples, def.Lifecycle.ProbeGoodSamples)
	setInt(&l.LiveGoodSamples, def.Lifecycle.LiveGoodSamples)
	setInt(&l.DegradeBadSamples, def.Lifecycle.DegradeBadSamples)
	setInt(&l.CooldownBadSamples, def.Lifecycle.CooldownBadSamples)
	setInt(&l.RecoverGoodSamples, def.Lifecycle.RecoverGoodSamples)
	setDuration(&l.StaleAfter, def.Lifecycle.StaleAfter)
	setDuration(&l.CooldownDuration, def.Lifecycle.CooldownDuration)
	setFloat(&l.MaxLoss, def.Lifecycle.MaxLoss)
	setDuration(&l.MinRTT, def.Lifecycle.MinRTT)
	setDuration(&l.MaxRTT, def.Lifecycle.MaxRTT)
	setFloat(&l.MinCapacityBps, def.Lifecycle.MinCapacityBps)
	setFloat(&l.WarmCapacityFactor, def.Lifecycle.WarmCapacityFactor)

	s := &conf.Scheduler
	setInt(&s.QuantumBytes, def.Scheduler.QuantumBytes)
	setInt(&s.MinQuantumBytes, def.Scheduler.MinQuantumBytes)
	setInt(&s.DeficitCapRounds, def.Scheduler.DeficitCapRounds)
	if s.CriticalBroadcast == nil {
		s.CriticalBroadcast = boolPtr(*def.Scheduler.CriticalBroadcast)
	}
	setFloat(&s.RedundancySpareRatio, def.Scheduler.RedundancySpareRatio)
	if s.RedundancyTargets == nil {
		s.RedundancyTargets = intPtr(*def.Scheduler.RedundancyTargets)
	}
	setInt(&s.MaxDuplicateSize, def.Scheduler.MaxDuplicateSize)
	if s.Diversity == "" {
		s.Diversity = def.Scheduler.Diversity
	}
	setFloat(&s.FailoverSpikeFactor, def.Scheduler.FailoverSpikeFactor)
	setDuration(&s.FailoverDuration, def.Scheduler.FailoverDuration)

	c := &conf.Congestion
	setFloat(&c.TriggerRatio, def.Congestion.TriggerRatio)
	setFloat(&c.HeadroomRatio, def.Congestion.HeadroomRatio)
	setFloat(&c.ObservedAlpha, def.Congestion.ObservedAlpha)

	conf.Reassembly.applyDefaults()
}

func (r *ReassemblyConfig) applyDefaults() {
	def := DefaultReassemblyConfig
	setInt(&r.Capacity, def.Capacity)
	if r.InitialSequence == 0 {
		r.InitialSequence = def.InitialSequence
	}
	if r.InitialLatency == nil {
		r.InitialLatency = durationPtr(*def.InitialLatency)
	}
	setDuration(&r.MaxLatency, def.MaxLatency)
	setDuration(&r.SkipAfter, def.SkipAfter)
	setFloat(&r.JitterLatencyMultiplier, def.JitterLatencyMultiplier)
	setInt(&r.JitterWindow, def.JitterWindow)
	setInt(&r.MinJitterSamples, def.MinJitterSamples)
	setDuration(&r.TickInterval, def.TickInterval)
	setDuration(&r.RefreshInterval, def.RefreshInterval)
}

// Validate reports every inconsistent setting at once.
func (conf *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	l := conf.Lifecycle
	if l.LiveGoodSamples <= l.ProbeGoodSamples {
		fail("lifecycle.live_good_samples (%d) must exceed probe_good_samples (%d)", l.LiveGoodSamples, l.ProbeGoodSamples)
	}
	if l.CooldownBadSamples <= l.DegradeBadSamples {
		fail("lifecycle.cooldown_bad_samples (%d) must exceed degrade_bad_samples (%d)", l.CooldownBadSamples, l.DegradeBadSamples)
	}
	if l.WarmCapacityFactor <= 0 || l.WarmCapacityFactor > 1 {
		fail("lifecycle.warm_capacity_factor must be in (0, 1], got %v", l.WarmCapacityFactor)
	}
	if l.MaxRTT < l.MinRTT {
		fail("lifecycle.max_rtt (%v) is below min_rtt (%v)", l.MaxRTT, l.MinRTT)
	}

	e := conf.Estimator
	for name, alpha := range map[string]float64{
		"rtt_alpha":      e.RTTAlpha,
		"loss_alpha":     e.LossAlpha,
		"capacity_alpha": e.CapacityAlpha,
		"baseline_alpha": e.BaselineAlpha,
	} {
		if alpha <= 0 || alpha > 1 {
			fail("estimator.%s must be in (0, 1], got %v", name, alpha)
		}
	}
	if e.PenaltyDecay <= 0 || e.PenaltyDecay >= 1 {
		fail("estimator.penalty_decay must be in (0, 1), got %v", e.PenaltyDecay)
	}
	if e.PenaltyMin <= 0 || e.PenaltyMin > 1 {
		fail("estimator.penalty_min must be in (0, 1], got %v", e.PenaltyMin)
	}

	s := conf.Scheduler
	if s.MinQuantumBytes > s.QuantumBytes {
		fail("scheduler.min_quantum_bytes (%d) exceeds quantum_bytes (%d)", s.MinQuantumBytes, s.QuantumBytes)
	}
	if s.RedundancyTargets != nil && *s.RedundancyTargets < 0 {
		fail("scheduler.redundancy_targets must not be negative")
	}
	if s.Diversity != DiversityClass && s.Diversity != DiversityDistinct {
		fail("scheduler.diversity must be %q or %q, got %q", DiversityClass, DiversityDistinct, s.Diversity)
	}
	if s.FailoverSpikeFactor <= 1 {
		fail("scheduler.failover_spike_factor must exceed 1, got %v", s.FailoverSpikeFactor)
	}

	c := conf.Congestion
	if c.HeadroomRatio <= 0 || c.HeadroomRatio >= 1 {
		fail("congestion.headroom_ratio must be in (0, 1), got %v", c.HeadroomRatio)
	}
	if c.TriggerRatio <= 0 {
		fail("congestion.trigger_ratio must be positive, got %v", c.TriggerRatio)
	}

	positiveInt(fail, "queue_size", conf.QueueSize)
	positiveInt(fail, "link_queue_size", conf.LinkQueueSize)
	positiveDuration(fail, "refresh_interval", conf.RefreshInterval)
	positiveDuration(fail, "stats_interval", conf.StatsInterval)
	positiveDuration(fail, "congestion_interval", conf.CongestionInterval)
	positiveInt(fail, "estimator.trend_samples", e.TrendSamples)
	if e.CapacityFloorBps <= 0 {
		fail("estimator.capacity_floor_bps must be positive, got %v", e.CapacityFloorBps)
	}
	positiveInt(fail, "lifecycle.probe_good_samples", l.ProbeGoodSamples)
	positiveInt(fail, "lifecycle.degrade_bad_samples", l.DegradeBadSamples)
	positiveInt(fail, "lifecycle.recover_good_samples", l.RecoverGoodSamples)
	positiveDuration(fail, "lifecycle.stale_after", l.StaleAfter)
	positiveDuration(fail, "lifecycle.cooldown_duration", l.CooldownDuration)
	positiveInt(fail, "scheduler.quantum_bytes", s.QuantumBytes)
	positiveInt(fail, "scheduler.min_quantum_bytes", s.MinQuantumBytes)
	positiveInt(fail, "scheduler.deficit_cap_rounds", s.DeficitCapRounds)
	positiveDuration(fail, "scheduler.failover_duration", s.FailoverDuration)

	conf.Reassembly.validate(fail)

	seen := make(map[string]bool, len(conf.Links))
	for _, lc := range conf.Links {
		if lc.ID == "" {
			continue
		}
		if seen[lc.ID] {
			fail("duplicate link id %q", lc.ID)
		}
		seen[lc.ID] = true
	}
	return result.ErrorOrNil()
}

// Validate reports every setting the receiver can't run with.
func (r ReassemblyConfig) Validate() error {
	var result *multierror.Error
	r.validate(func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	})
	return result.ErrorOrNil()
}

func (r ReassemblyConfig) validate(fail func(format string, args ...interface{})) {
	if r.Capacity < 2 {
		fail("reassembly.capacity must be at least 2, got %d", r.Capacity)
	}
	if r.InitialLatency != nil {
		if *r.InitialLatency < 0 {
			fail("reassembly.initial_latency must not be negative, got %v", *r.InitialLatency)
		}
		if r.MaxLatency < *r.InitialLatency {
			fail("reassembly.max_latency (%v) is below initial_latency (%v)", r.MaxLatency, *r.InitialLatency)
		}
	}
	positiveDuration(fail, "reassembly.skip_after", r.SkipAfter)
	positiveInt(fail, "reassembly.jitter_window", r.JitterWindow)
	positiveDuration(fail, "reassembly.tick_interval", r.TickInterval)
	positiveDuration(fail, "reassembly.refresh_interval", r.RefreshInterval)
}

func positiveInt(fail func(string, ...interface{}), name string, v int) {
	if v <= 0 {
		fail("%s must be positive, got %d", name, v)
	}
}

func positiveDuration(fail func(string, ...interface{}), name string, v time.Duration) {
	if v <= 0 {
		fail("%s must be positive, got %v", name, v)
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func intPtr(i int) *int {
	return &i
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

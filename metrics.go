package bond

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusTracker is a StatsTracker exporting Prometheus metrics.
type PrometheusTracker struct {
	sentBytes    *prometheus.CounterVec
	sentPackets  *prometheus.CounterVec
	sendErrors   *prometheus.CounterVec
	phaseChanges *prometheus.CounterVec
	shed         *prometheus.CounterVec
	received     *prometheus.CounterVec
	skipped      prometheus.Counter

	linkPhase     *prometheus.GaugeVec
	linkRTT       *prometheus.GaugeVec
	linkLoss      *prometheus.GaugeVec
	linkCapacity  *prometheus.GaugeVec
	linkEffective *prometheus.GaugeVec
	linkDropped   *prometheus.GaugeVec

	totalCapacity prometheus.Gauge
	observed      prometheus.Gauge
	recommended   prometheus.Gauge
	queueLen      prometheus.Gauge
	failover      prometheus.Gauge

	mu    sync.Mutex
	known map[string]bool
}

// NewPrometheusTracker creates the collectors under namespace and registers
// them on reg.
func NewPrometheusTracker(reg prometheus.Registerer, namespace string) (*PrometheusTracker, error) {
	linkLabels := []string{"link"}
	t := &PrometheusTracker{
		sentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "sent_bytes",
		}, linkLabels),
		sentPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "sent_packets",
		}, linkLabels),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "send_errors",
		}, linkLabels),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "phase_changes",
		}, []string{"link", "to"}),
		shed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "shed_packets",
		}, []string{"class"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "packets",
		}, []string{"source", "status"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "skipped_packets",
		}),
		linkPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "phase",
			Help:      "0 init, 1 probe, 2 warm, 3 live, 4 degrade, 5 cooldown, 6 reset",
		}, linkLabels),
		linkRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "rtt_seconds",
		}, linkLabels),
		linkLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "loss_ratio",
		}, linkLabels),
		linkCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "capacity_bps",
		}, linkLabels),
		linkEffective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "effective_capacity_bps",
		}, linkLabels),
		linkDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "dropped_packets",
		}, linkLabels),
		totalCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_bps",
		}),
		observed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observed_bps",
		}),
		recommended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recommended_bps",
			Help:      "0 while no lower bitrate is recommended",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "packets",
		}),
		failover: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failover_active",
		}),
		known: make(map[string]bool),
	}
	for _, c := range []prometheus.Collector{
		t.sentBytes, t.sentPackets, t.sendErrors, t.phaseChanges, t.shed, t.received, t.skipped,
		t.linkPhase, t.linkRTT, t.linkLoss, t.linkCapacity, t.linkEffective, t.linkDropped,
		t.totalCapacity, t.observed, t.recommended, t.queueLen, t.failover,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *PrometheusTracker) OnSent(linkID string, bytes int) {
	t.sentBytes.WithLabelValues(linkID).Add(float64(bytes))
	t.sentPackets.WithLabelValues(linkID).Inc()
}

func (t *PrometheusTracker) OnSendError(linkID string) {
	t.sendErrors.WithLabelValues(linkID).Inc()
}

func (t *PrometheusTracker) OnPhaseChange(linkID string, _, to Phase) {
	t.phaseChanges.WithLabelValues(linkID, to.String()).Inc()
	t.linkPhase.WithLabelValues(linkID).Set(float64(to))
}

func (t *PrometheusTracker) OnShed(class Class) {
	t.shed.WithLabelValues(class.String()).Inc()
}

func (t *PrometheusTracker) OnInsert(source string, status InsertStatus) {
	if source != SourceFEC {
		source = "link"
	}
	t.received.WithLabelValues(source, status.String()).Inc()
}

func (t *PrometheusTracker) OnSkip(n int) {
	t.skipped.Add(float64(n))
}

// UpdateStats sets the gauges from a stats snapshot, and deletes the series
// of links which are gone.
func (t *PrometheusTracker) UpdateStats(st *Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := make(map[string]bool, len(st.Links))
	for _, ls := range st.Links {
		current[ls.ID] = true
		t.linkPhase.WithLabelValues(ls.ID).Set(float64(ls.Phase))
		t.linkRTT.WithLabelValues(ls.ID).Set(ls.RTT.Seconds())
		t.linkLoss.WithLabelValues(ls.ID).Set(ls.Loss)
		t.linkCapacity.WithLabelValues(ls.ID).Set(ls.CapacityBps)
		t.linkEffective.WithLabelValues(ls.ID).Set(ls.EffectiveCapacityBps)
		t.linkDropped.WithLabelValues(ls.ID).Set(float64(ls.Dropped))
	}
	for id := range t.known {
		if !current[id] {
			for _, g := range []*prometheus.GaugeVec{t.linkPhase, t.linkRTT, t.linkLoss, t.linkCapacity, t.linkEffective, t.linkDropped} {
				g.DeleteLabelValues(id)
			}
		}
	}
	t.known = current

	t.totalCapacity.Set(st.TotalCapacityBps)
	t.observed.Set(st.ObservedBps)
	if st.HasRecommendation {
		t.recommended.Set(st.RecommendedBps)
	} else {
		t.recommended.Set(0)
	}
	t.queueLen.Set(float64(st.QueueLen))
	if st.FailoverActive {
		t.failover.Set(1)
	} else {
		t.failover.Set(0)
	}
}

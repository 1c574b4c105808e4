//go:build linux

package vmm

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what dispatchers do. One Metrics can be shared by every
// dispatcher in the process.
type Metrics struct {
	exits      *prometheus.CounterVec
	runs       prometheus.Counter
	interrupts prometheus.Counter
	loops      prometheus.Gauge
}

var _ prometheus.Collector = (*Metrics)(nil)

// discardMetrics is used by dispatchers without Metrics. It's never registered.
var discardMetrics = NewMetrics(nil)

// NewMetrics creates dispatcher metrics and registers them with reg, if
// it's not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvmctl",
			Subsystem: "vcpu",
			Name:      "exits_total",
			Help:      "VCPU exits by reason.",
		}, []string{"reason"}),

		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmctl",
			Subsystem: "vcpu",
			Name:      "runs_total",
			Help:      "KVM_RUN calls.",
		}),

		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmctl",
			Subsystem: "vcpu",
			Name:      "interrupts_total",
			Help:      "Runs that returned early because the VCPU was interrupted.",
		}),

		loops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvmctl",
			Subsystem: "vcpu",
			Name:      "loops",
			Help:      "VCPU run loops in progress.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m)
	}

	return m
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.exits.Describe(ch)
	m.runs.Describe(ch)
	m.interrupts.Describe(ch)
	m.loops.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.exits.Collect(ch)
	m.runs.Collect(ch)
	m.interrupts.Collect(ch)
	m.loops.Collect(ch)
}

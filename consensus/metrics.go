package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the consensus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Height          prometheus.Gauge
	Round           prometheus.Gauge
	Decisions       prometheus.Counter
	DecisionRounds  prometheus.Histogram
	Evidence        prometheus.Counter
	ObserverHeights prometheus.Counter
	DroppedMessages *prometheus.CounterVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "height",
			Help: "Height currently being decided.",
		}),
		Round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "round",
			Help: "Round of the current height.",
		}),
		Decisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "decisions_total",
			Help: "Heights decided.",
		}),
		DecisionRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "decision_round",
			Help:    "Round at which heights were decided.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		Evidence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "equivocations_total",
			Help: "Conflicting votes detected.",
		}),
		ObserverHeights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "observer_heights_total",
			Help: "Heights run without voting.",
		}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "dropped_messages_total",
			Help: "Messages dropped before reaching the state machine.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Height, m.Round, m.Decisions, m.DecisionRounds, m.Evidence, m.ObserverHeights, m.DroppedMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setHeight(h Height) {
	if m == nil {
		return
	}
	m.Height.Set(float64(h))
	m.Round.Set(0)
}

func (m *Metrics) setRound(r Round) {
	if m == nil {
		return
	}
	m.Round.Set(float64(r))
}

func (m *Metrics) decided(r Round) {
	if m == nil {
		return
	}
	m.Decisions.Inc()
	m.DecisionRounds.Observe(float64(r))
}

func (m *Metrics) equivocation() {
	if m == nil {
		return
	}
	m.Evidence.Inc()
}

func (m *Metrics) observer() {
	if m == nil {
		return
	}
	m.ObserverHeights.Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

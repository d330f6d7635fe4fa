package dtlsgw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
)

// metrics метрики модуля
type metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	stateTransitions  *prometheus.CounterVec
	packetsTotal      *prometheus.CounterVec
	packetsDropped    *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	queueDepth        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "connections_total",
			Help:      "Total number of published DTLS associations",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "connections_active",
			Help:      "Number of live DTLS associations",
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "state_transitions_total",
			Help:      "DTLS connection state transitions",
		}, []string{"from", "to"}),
		packetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "packets_total",
			Help:      "Packets processed by the dispatch worker",
		}, []string{"direction"}),
		packetsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by the dispatch worker",
		}, []string{"direction", "reason"}),
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "commands_total",
			Help:      "Signaling commands handled",
		}, []string{"verb", "result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: ModuleName,
			Name:      "queue_depth",
			Help:      "Work items waiting in the intake queue",
		}),
	}
}

// observeTransition подходит как dtlsconn.StateObserver
func (m *metrics) observeTransition(_ string, from, to dtlsconn.State) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

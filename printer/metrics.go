package printer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "k1bridge"

// metrics holds the Prometheus collectors of one printer session.
type metrics struct {
	frames          *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	polls           prometheus.Counter
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	disconnects     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	connState       prometheus.Gauge
}

// newMetrics creates the collectors labelled with the printer name. A nil
// registerer creates unregistered collectors.
func newMetrics(reg prometheus.Registerer, printer string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"printer": printer}

	return &metrics{
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_received_total",
			Help:        "Inbound frames by kind",
			ConstLabels: labels,
		}, []string{"kind"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "decode_errors_total",
			Help:        "Inbound frames dropped because they could not be decoded",
			ConstLabels: labels,
		}),

		polls: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "status_queries_total",
			Help:        "Status queries sent to the printer",
			ConstLabels: labels,
		}),

		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connect_attempts_total",
			Help:        "WebSocket connection attempts",
			ConstLabels: labels,
		}),

		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connect_failures_total",
			Help:        "Failed WebSocket connection attempts",
			ConstLabels: labels,
		}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "disconnects_total",
			Help:        "Established connections that were lost, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commands_total",
			Help:        "Commands dispatched by kind and result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),

		connState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connection_state",
			Help:        "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
			ConstLabels: labels,
		}),
	}
}

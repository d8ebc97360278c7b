package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mqttconsole"

// Registry holds every mqttconsole collector and is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionState is 1 for the current connection state and 0 for the others.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current MQTT connection state (1 for the active state).",
		},
		[]string{"state"},
	)

	// ConnectAttempts counts connect attempts by outcome.
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result (opened, failed, cancelled, invalid).",
		},
		[]string{"result"},
	)

	LogEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Event log entries appended, by kind.",
		},
		[]string{"kind"},
	)

	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish requests by payload kind and result.",
		},
		[]string{"kind", "result"},
	)

	// StaleEvents counts transport events dropped because a newer connect superseded them.
	StaleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Transport events discarded because they belonged to a superseded connection.",
		},
	)
)

func init() {
	Registry.MustRegister(
		ConnectionState,
		ConnectAttempts,
		LogEntries,
		Publishes,
		StaleEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SetState marks current as the active state among states.
func SetState(current string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

package bridge

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_mqtt_bridge_connections_total",
		Help: "The total number of client connections accepted.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_mqtt_bridge_active_sessions",
		Help: "The number of broker sessions currently registered.",
	})

	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_mqtt_bridge_logins_total",
		Help: "Login attempts by result.",
	},
		[]string{"result"},
	)

	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_mqtt_bridge_publishes_total",
		Help: "Broker publishes requested by clients, by result.",
	},
		[]string{"result"},
	)

	commandsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_mqtt_bridge_commands_rejected_total",
		Help: "Client frames rejected because the command queue was full.",
	})

	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_mqtt_bridge_relayed_messages_total",
		Help: "Broker messages relayed to clients.",
	},
		[]string{"malformed"},
	)
)

// MetricsHandler exposes the Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

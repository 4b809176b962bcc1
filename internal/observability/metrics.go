package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectedCardhosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jsapdu",
			Subsystem: "router",
			Name:      "connected_cardhosts",
			Help:      "Cardhosts with a live registered connection.",
		},
	)
	boundControllers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jsapdu",
			Subsystem: "router",
			Name:      "bound_controllers",
			Help:      "Controller sessions bound to a cardhost.",
		},
	)
	routedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jsapdu",
			Subsystem: "router",
			Name:      "routed_envelopes_total",
			Help:      "Envelopes forwarded by the routing table.",
		},
		[]string{"direction"},
	)
	routingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jsapdu",
			Subsystem: "router",
			Name:      "routing_errors_total",
			Help:      "Routing failures by wire error code.",
		},
		[]string{"code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectedCardhosts, boundControllers, routedEnvelopes, routingErrors)
	})
}

func SetConnectedCardhosts(n int) {
	RegisterMetrics()
	connectedCardhosts.Set(float64(n))
}

func SetBoundControllers(n int) {
	RegisterMetrics()
	boundControllers.Set(float64(n))
}

func RecordRoutedEnvelope(direction string) {
	RegisterMetrics()
	routedEnvelopes.WithLabelValues(direction).Inc()
}

func RecordRoutingError(code int) {
	RegisterMetrics()
	routingErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

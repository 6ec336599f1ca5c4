package mdns

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdns_packets_received",
		Help: "Count of datagrams received from the transport.",
	})

	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdns_packets_dropped",
		Help: "Count of received datagrams that were dropped, by reason.",
	}, []string{"reason"})

	packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdns_packets_sent",
		Help: "Count of messages sent, by kind (query, probe, response, announce, goodbye).",
	}, []string{"kind"})

	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdns_send_errors",
		Help: "Count of failed sends.",
	})

	cacheEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mdns_cache_entries",
		Help: "Count of records held in record caches.",
	})

	eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdns_events_emitted",
		Help: "Count of service events delivered to queries, by op.",
	}, []string{"op"})

	probeConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdns_probe_conflicts",
		Help: "Count of name conflicts detected while probing or defending a name.",
	})

	registeredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mdns_registered_services",
		Help: "Count of locally registered services.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		// Transport
		packetsReceived,
		packetsDropped,
		packetsSent,
		sendErrors,

		// Querier
		cacheEntriesGauge,
		eventsEmitted,

		// Responder
		probeConflicts,
		registeredGauge,
	)
}

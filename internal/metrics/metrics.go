// Package metrics provides Prometheus instrumentation for the room chat
// server. It exposes gauges for connections and room occupancy, counters for
// message throughput and rejections, and a histogram for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages appended to room histories, labeled by
	// kind: "message" or "system".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of messages appended to room histories",
	}, []string{"kind"})

	// EventsTotal counts inbound client events by name and outcome
	// ("ok", "rejected", "invalid", "rate_limited", "blocked").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_total",
		Help: "Total number of inbound client events",
	}, []string{"event", "outcome"})

	// Rejections counts transitions refused by the presence coordinator.
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_rejections_total",
		Help: "Total number of refused room transitions",
	}, []string{"reason"})

	// MessageLatency records inbound event handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_event_latency_seconds",
		Help:    "Inbound event handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		EventsTotal,
		Rejections,
		MessageLatency,
	)
}

// RoomStats reports the number of rooms held in memory, occupied or not,
// and the number of members across them.
type RoomStats interface {
	Stats() (rooms, members int)
}

// RegisterRoomGauges exposes the occupancy of src as two gauges that are read
// at scrape time. It must be called at most once per process.
func RegisterRoomGauges(src RoomStats) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Current number of rooms held in memory",
		}, func() float64 {
			rooms, _ := src.Stats()
			return float64(rooms)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roomchat_room_members",
			Help: "Current number of room memberships",
		}, func() float64 {
			_, members := src.Stats()
			return float64(members)
		}),
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

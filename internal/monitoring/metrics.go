package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime gateway.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_connections_rejected_total",
		Help: "Total rejected connection attempts by reason",
	}, []string{"reason"})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_auth_failures_total",
		Help: "Total authentication failures by cause",
	}, []string{"cause"})

	// Room metrics
	RoomJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_room_joins_total",
		Help: "Total room join operations by outcome",
	}, []string{"outcome"})

	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_rooms_active",
		Help: "Current number of rooms with at least one member",
	})

	// Broadcast metrics
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_broadcasts_total",
		Help: "Total room broadcasts issued",
	})

	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_broadcast_deliveries_total",
		Help: "Total per-socket deliveries enqueued by broadcasts",
	})

	BroadcastDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_broadcast_drops_total",
		Help: "Total broadcast deliveries dropped by reason",
	}, []string{"reason"})

	// Presence metrics
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_presence_transitions_total",
		Help: "Total presence transitions by direction",
	}, []string{"direction"})

	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_presence_online",
		Help: "Entities currently tracked as online",
	})

	// Backplane metrics
	BackplaneConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_backplane_connected",
		Help: "Backplane connectivity (1 = connected, 0 = disconnected)",
	})

	BackplanePublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_backplane_published_total",
		Help: "Total envelopes published to the backplane",
	})

	BackplaneReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_backplane_received_total",
		Help: "Total envelopes received from the backplane (excluding self echoes)",
	})

	BackplaneSelfEchoes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_backplane_self_echoes_total",
		Help: "Total self-originated envelopes dropped on receive",
	})

	// Rate limiting
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_rate_limit_rejections_total",
		Help: "Connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})

	MessagesRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_messages_rate_limited_total",
		Help: "Client messages dropped by per-connection rate limiting",
	})

	// Notification managers
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_notifications_total",
		Help: "Notifications dispatched by tenant and event type",
	}, []string{"tenant", "event_type"})

	// Event sink
	AuditEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_audit_events_dropped_total",
		Help: "Audit events dropped because the sink buffer was full",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		AuthFailures,
		RoomJoins,
		RoomsActive,
		BroadcastsTotal,
		BroadcastDeliveries,
		BroadcastDrops,
		PresenceTransitions,
		PresenceOnline,
		BackplaneConnected,
		BackplanePublished,
		BackplaneReceived,
		BackplaneSelfEchoes,
		RateLimitRejections,
		MessagesRateLimited,
		NotificationsSent,
		AuditEventsDropped,
	)
}

var metricsHandler = promhttp.Handler()

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	metricsHandler.ServeHTTP(w, r)
}

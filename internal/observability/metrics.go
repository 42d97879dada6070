package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by operation type.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitat_redis_errors_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "habitat_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketRoomConnections is the gauge of connections per room.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "habitat_websocket_room_connections",
		Help: "Number of WebSocket connections per room",
	}, []string{"room_id"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitat_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts messages processed per room and type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitat_message_throughput_total",
		Help: "Total number of chat messages processed",
	}, []string{"room_id", "message_type"})

	// RealtimeEventsTotal counts realtime feed events by feed and action.
	RealtimeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitat_realtime_events_total",
		Help: "Total realtime feed events by feed and action",
	}, []string{"feed", "action"})

	// HydrationDrops counts insert events dropped because the joined
	// re-fetch failed or the subscription was gone by the time it finished.
	HydrationDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitat_hydration_drops_total",
		Help: "Total message events dropped during hydration",
	}, []string{"reason"})

	// TypingAutoStops counts typing indicators expired by the 3s timer.
	TypingAutoStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habitat_typing_auto_stops_total",
		Help: "Total typing indicators stopped by the auto-expiry timer",
	})
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "rides_created_total", Help: "Total rides published by drivers"})
	RidesCompleted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "rides_completed_total", Help: "Total rides completed"})
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "ride_requests_total", Help: "Total seat requests submitted"})
	SeatsConfirmed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "seats_confirmed_total", Help: "Total seats handed out by accepted requests"})

	HubConnections  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "hub_connections", Help: "Live realtime-hub connections"})
	HubRefusals     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "carpool", Name: "hub_refusals_total", Help: "Connections refused at the hub"}, []string{"reason"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "location_updates_total", Help: "Location events accepted and broadcast"})
	ChatMessages    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "chat_messages_total", Help: "Chat messages persisted and broadcast"})
	DroppedSends    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "hub_dropped_sends_total", Help: "Broadcast payloads dropped on slow member queues"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Client Metrics
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_clients_active",
		Help: "The current number of registered clients.",
	})
	TotalClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_clients_total",
		Help: "The total number of clients registered since start.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "The total number of messages received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "The total number of messages sent to clients.",
	})

	// Upstream Metrics
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_attempts_total",
		Help: "The total number of upstream reconnect attempts.",
	})
	LiveEventsFanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_live_events_total",
		Help: "The total number of live notifications fanned out to clients.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_expired_total",
		Help: "The total number of session-expiry events broadcast.",
	})

	// Router Metrics
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_route_decisions_total",
		Help: "The total number of routing decisions by strategy.",
	}, []string{"strategy"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed client authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}

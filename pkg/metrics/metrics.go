// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientRequestsTotal counts logical API calls made by the client, by final outcome.
	ClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mx_client_requests_total",
			Help: "Total API requests issued by the client",
		},
		[]string{"method", "code"},
	)

	// ClientRequestDuration tracks client request latency including retries.
	ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mx_client_request_duration_seconds",
			Help:    "Client request duration in seconds, retries included",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// ClientRetriesTotal counts transparent retries.
	ClientRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mx_client_retries_total",
			Help: "Total transparent request retries",
		},
		[]string{"reason"},
	)

	// ClientTokenRefreshTotal counts access-token refresh attempts.
	ClientTokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mx_client_token_refresh_total",
			Help: "Total access token refresh attempts",
		},
		[]string{"result"},
	)

	// ServerRequestDuration tracks stand-in backend request duration.
	ServerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mockapi_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// ServerRequestsTotal tracks total backend HTTP requests.
	ServerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockapi_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ConversationsTotal tracks conversations created by initiate.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mockapi_conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks messages accepted by the backend.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mockapi_messages_total",
			Help: "Total messages sent",
		},
		[]string{"attachment"},
	)
)

// RecordClientRequest records the outcome of one logical client call.
func RecordClientRequest(method, code string, seconds float64) {
	ClientRequestsTotal.WithLabelValues(method, code).Inc()
	ClientRequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordServerRequest records metrics for a backend HTTP request.
func RecordServerRequest(method, route, status string, seconds float64) {
	ServerRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	ServerRequestsTotal.WithLabelValues(method, route, status).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patient_service_auth_attempts_total",
		Help: "Auth operations by kind (register, login, refresh, logout) and result.",
	}, []string{"operation", "result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patient_service_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patient_service_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patient_service_events_published_total",
		Help: "Auth events handed to the event publisher, by type and result.",
	}, []string{"type", "result"})
)

func ObserveAuth(operation string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	AuthAttempts.WithLabelValues(operation, result).Inc()
}

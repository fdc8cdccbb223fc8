// Package metrics holds the prometheus collectors of the SDK. Collectors are
// created per Metrics value so several clients in one process do not share
// counters unless they share the registry.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cirrus"

type Metrics struct {
	// ServerRequests counts registration server calls by operation and outcome.
	ServerRequests *prometheus.CounterVec

	// ServerRequestDuration observes registration server call latency in seconds.
	ServerRequestDuration *prometheus.HistogramVec

	// Registrations counts finished registrations by result
	// (registered, conflict, failed, offline).
	Registrations *prometheus.CounterVec

	// TokenRefreshes counts auth token refreshes by result.
	TokenRefreshes *prometheus.CounterVec

	// PendingWaits counts how often a caller had to wait for another caller's request.
	PendingWaits *prometheus.CounterVec

	// CallableRequests counts callable invocations by mode (call, stream) and code.
	CallableRequests *prometheus.CounterVec

	// StreamEvents counts decoded stream events by kind (message, result, error).
	StreamEvents *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		ServerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installations",
			Name:      "server_requests_total",
			Help:      "Installation server requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ServerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "installations",
			Name:      "server_request_duration_seconds",
			Help:      "Installation server request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"operation"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installations",
			Name:      "registrations_total",
			Help:      "Finished installation registrations by result.",
		}, []string{"result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installations",
			Name:      "token_refreshes_total",
			Help:      "Auth token refreshes by result.",
		}, []string{"result"}),
		PendingWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installations",
			Name:      "pending_waits_total",
			Help:      "Callers that waited for a request started by another caller.",
		}, []string{"kind"}),
		CallableRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "functions",
			Name:      "requests_total",
			Help:      "Callable invocations by mode and result code.",
		}, []string{"mode", "code"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "functions",
			Name:      "stream_events_total",
			Help:      "Decoded stream events by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServerRequests,
		m.ServerRequestDuration,
		m.Registrations,
		m.TokenRefreshes,
		m.PendingWaits,
		m.CallableRequests,
		m.StreamEvents,
	}
}

// Register registers all collectors on reg (or the default registerer if nil).
// Collectors that are already registered are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Package metrics exposes Prometheus collectors for the connectivity core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCRequestsTotal counts JSON-RPC requests by endpoint and outcome.
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_rpc_requests_total",
		Help: "Total number of JSON-RPC requests.",
	}, []string{"endpoint", "outcome"}) // outcome: success | failure

	// RPCRetriesTotal counts retry attempts after a retryable failure.
	RPCRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_rpc_retries_total",
		Help: "Total number of JSON-RPC retry attempts.",
	}, []string{"endpoint"})

	// RPCRequestDuration measures request duration per endpoint.
	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_rpc_request_duration_seconds",
		Help:    "Duration of JSON-RPC requests.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// EndpointCircuitOpen shows whether an endpoint's circuit is open (1) or
	// closed (0).
	EndpointCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletcore_endpoint_circuit_open",
		Help: "Whether the circuit breaker for an endpoint is open (1) or closed (0).",
	}, []string{"endpoint"})

	// DedupHitsTotal counts reads coalesced into an in-flight request.
	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletcore_dedup_hits_total",
		Help: "Total number of calls coalesced by the dedup cache.",
	})

	// SessionState reports the wallet session state machine position
	// (0 disconnected, 1 connecting, 2 connected).
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "walletcore_session_state",
		Help: "Wallet session state (0 disconnected, 1 connecting, 2 connected).",
	})

	// SessionProbeFailuresTotal counts failed liveness probes by class.
	SessionProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_session_probe_failures_total",
		Help: "Total number of failed session liveness probes.",
	}, []string{"class"}) // class: transient | session_expired

	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletcore_http_requests_total",
		Help: "Total number of HTTP API requests.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration measures API request duration per route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "walletcore_http_request_duration_seconds",
		Help:    "Duration of HTTP API requests.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "path"})

	// HTTPInFlight tracks currently executing API requests.
	HTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "walletcore_http_in_flight_requests",
		Help: "Number of HTTP API requests currently being served.",
	})
)

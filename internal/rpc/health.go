package rpc

import (
	"sort"
	"sync"
	"time"

	"github.com/halofi/walletcore/internal/metrics"
)

// HealthTracker owns the mutable per-endpoint status: consecutive failure
// counts and circuit-breaker state. It is the only state in the read path
// mutated from multiple call sites, so every access goes through the mutex.
type HealthTracker struct {
	mu               sync.Mutex
	endpoints        []Endpoint
	status           map[string]*endpointStatus
	failureThreshold int
	resetTimeout     time.Duration
}

type endpointStatus struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	circuitOpen         bool
	resetTimer          *time.Timer
}

// NewHealthTracker tracks the given endpoints. The endpoint slice is shared
// read-only; the tracker never mutates it.
func NewHealthTracker(endpoints []Endpoint, failureThreshold int, resetTimeout time.Duration) *HealthTracker {
	status := make(map[string]*endpointStatus, len(endpoints))
	for _, ep := range endpoints {
		status[ep.URL] = &endpointStatus{}
	}
	return &HealthTracker{
		endpoints:        endpoints,
		status:           status,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// RecordSuccess clears the failure count and closes the circuit.
func (h *HealthTracker) RecordSuccess(ep Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.status[ep.URL]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	st.circuitOpen = false
	if st.resetTimer != nil {
		st.resetTimer.Stop()
		st.resetTimer = nil
	}
	metrics.EndpointCircuitOpen.WithLabelValues(ep.URL).Set(0)
}

// RecordFailure increments the failure count. Reaching the threshold opens
// the circuit and schedules an automatic reset after the reset timeout,
// regardless of intervening traffic.
func (h *HealthTracker) RecordFailure(ep Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.status[ep.URL]
	if !ok {
		return
	}
	st.consecutiveFailures++
	st.lastFailureAt = time.Now()

	if st.consecutiveFailures >= h.failureThreshold && !st.circuitOpen {
		st.circuitOpen = true
		metrics.EndpointCircuitOpen.WithLabelValues(ep.URL).Set(1)
		url := ep.URL
		st.resetTimer = time.AfterFunc(h.resetTimeout, func() {
			h.reset(url)
		})
	}
}

// reset clears an endpoint's failure state once the cooldown elapses. No
// intervening success is required.
func (h *HealthTracker) reset(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.status[url]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	st.circuitOpen = false
	st.resetTimer = nil
	metrics.EndpointCircuitOpen.WithLabelValues(url).Set(0)
}

// HealthyEndpoints returns every endpoint whose circuit is closed, ordered
// fewest-failures-first so struggling-but-alive endpoints shed load without
// being dropped. An empty result means every circuit is open; callers fall
// back to the first configured endpoint rather than failing outright.
func (h *HealthTracker) HealthyEndpoints() []Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	healthy := make([]Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		if !h.status[ep.URL].circuitOpen {
			healthy = append(healthy, ep)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		return h.status[healthy[i].URL].consecutiveFailures < h.status[healthy[j].URL].consecutiveFailures
	})
	return healthy
}

// CircuitOpen reports whether the endpoint's circuit is currently open.
func (h *HealthTracker) CircuitOpen(ep Endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[ep.URL]
	return ok && st.circuitOpen
}

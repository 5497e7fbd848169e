package rpc

import (
	"testing"
	"time"
)

func testEndpoints() []Endpoint {
	return []Endpoint{
		{URL: "https://a.example", ChainID: 1},
		{URL: "https://b.example", ChainID: 1},
		{URL: "https://c.example", ChainID: 1},
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	eps := testEndpoints()
	h := NewHealthTracker(eps, 3, time.Minute)

	h.RecordFailure(eps[0])
	h.RecordFailure(eps[0])
	if h.CircuitOpen(eps[0]) {
		t.Fatal("circuit must stay closed below the threshold")
	}

	h.RecordFailure(eps[0])
	if !h.CircuitOpen(eps[0]) {
		t.Fatal("circuit must open at the failure threshold")
	}

	healthy := h.HealthyEndpoints()
	if len(healthy) != 2 {
		t.Fatalf("HealthyEndpoints() returned %d endpoints, want 2", len(healthy))
	}
	for _, ep := range healthy {
		if ep.URL == eps[0].URL {
			t.Error("open-circuit endpoint must be excluded from the healthy list")
		}
	}
}

func TestCircuitAutoResetsWithoutSuccess(t *testing.T) {
	eps := testEndpoints()
	h := NewHealthTracker(eps, 3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.RecordFailure(eps[0])
	}
	if !h.CircuitOpen(eps[0]) {
		t.Fatal("circuit should be open")
	}

	// No traffic to the endpoint at all; the scheduled reset alone must
	// close the circuit.
	time.Sleep(120 * time.Millisecond)

	if h.CircuitOpen(eps[0]) {
		t.Fatal("circuit must auto-reset after the reset timeout")
	}
	if len(h.HealthyEndpoints()) != 3 {
		t.Error("endpoint must reappear in the healthy list after reset")
	}
}

func TestSuccessClearsFailureCount(t *testing.T) {
	eps := testEndpoints()
	h := NewHealthTracker(eps, 3, time.Minute)

	h.RecordFailure(eps[0])
	h.RecordFailure(eps[0])
	h.RecordSuccess(eps[0])
	h.RecordFailure(eps[0])
	h.RecordFailure(eps[0])
	if h.CircuitOpen(eps[0]) {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestHealthyEndpointsOrderedByFailures(t *testing.T) {
	eps := testEndpoints()
	h := NewHealthTracker(eps, 5, time.Minute)

	// a: 2 failures, b: 0, c: 1; expect b, c, a.
	h.RecordFailure(eps[0])
	h.RecordFailure(eps[0])
	h.RecordFailure(eps[2])

	healthy := h.HealthyEndpoints()
	want := []string{eps[1].URL, eps[2].URL, eps[0].URL}
	for i, ep := range healthy {
		if ep.URL != want[i] {
			t.Fatalf("healthy[%d] = %s, want %s", i, ep.URL, want[i])
		}
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	base := 500 * time.Millisecond
	max := 5 * time.Second

	var prevFloor time.Duration = -1
	for attempt := 0; attempt < 5; attempt++ {
		floor := base << uint(attempt)
		if floor > max {
			floor = max
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, max, attempt)
			if d > max {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, max)
			}
			if d < floor && d != max {
				t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, floor)
			}
		}
		// The deterministic part of the delay grows until the cap.
		if floor < max && floor <= prevFloor {
			t.Fatalf("attempt %d: floor %v did not increase over %v", attempt, floor, prevFloor)
		}
		prevFloor = floor
	}
}

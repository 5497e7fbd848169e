package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/session"
)

func testMonitorConfig() session.MonitorConfig {
	return session.MonitorConfig{
		ProbeInterval:       time.Hour, // driven manually in tests
		KeepAliveInterval:   time.Hour,
		RetryBase:           time.Millisecond,
		RetryCap:            4 * time.Millisecond,
		MaxRetries:          3,
		BackgroundThreshold: 30 * time.Millisecond,
	}
}

func connectedManager(t *testing.T, provider *fakeProvider) *session.Manager {
	t.Helper()
	m, _ := newTestManager(t, provider, nil)
	if err := m.ConnectWallet(context.Background(), "metamask"); err != nil {
		t.Fatalf("ConnectWallet() error = %v", err)
	}
	return m
}

func TestProbeSuccessKeepsSession(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)
	mon := session.NewMonitor(m, provider, testMonitorConfig(), zerolog.Nop())

	mon.Probe(context.Background())

	if !m.State().IsConnected {
		t.Fatal("healthy probe must not disconnect")
	}
}

func TestProbeSessionExpiredDisconnectsImmediately(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)

	var probes int32
	provider.requestFn = func(method string, params any) (json.RawMessage, error) {
		atomic.AddInt32(&probes, 1)
		return nil, errors.New("session topic doesn't exist")
	}
	mon := session.NewMonitor(m, provider, testMonitorConfig(), zerolog.Nop())

	mon.Probe(context.Background())

	if m.State().IsConnected {
		t.Fatal("confirmed-dead session must disconnect")
	}
	if got := atomic.LoadInt32(&probes); got != 1 {
		t.Fatalf("probes = %d, want 1 (session errors are never retried)", got)
	}
}

func TestProbeTransientFailureRetriesThenGivesUpSilently(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)

	var probes int32
	provider.requestFn = func(method string, params any) (json.RawMessage, error) {
		atomic.AddInt32(&probes, 1)
		return nil, errors.New("connection reset by peer")
	}
	cfg := testMonitorConfig()
	mon := session.NewMonitor(m, provider, cfg, zerolog.Nop())

	mon.Probe(context.Background())

	// Initial attempt plus MaxRetries retries.
	if got := atomic.LoadInt32(&probes); got != int32(cfg.MaxRetries)+1 {
		t.Fatalf("probes = %d, want %d", got, cfg.MaxRetries+1)
	}
	if !m.State().IsConnected {
		t.Fatal("transient trouble must not disconnect; the session is assumed alive")
	}
}

func TestProbeRecoversMidRetry(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)

	var probes int32
	provider.requestFn = func(method string, params any) (json.RawMessage, error) {
		if atomic.AddInt32(&probes, 1) < 3 {
			return nil, errors.New("timeout awaiting response")
		}
		return json.RawMessage(`"0x1"`), nil
	}
	mon := session.NewMonitor(m, provider, testMonitorConfig(), zerolog.Nop())

	mon.Probe(context.Background())

	if got := atomic.LoadInt32(&probes); got != 3 {
		t.Fatalf("probes = %d, want 3 (stop at first success)", got)
	}
	if !m.State().IsConnected {
		t.Fatal("recovered probe must keep the session")
	}
}

func TestForegroundRevalidatesAfterLongBackground(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)

	var probes int32
	provider.requestFn = func(method string, params any) (json.RawMessage, error) {
		atomic.AddInt32(&probes, 1)
		return json.RawMessage(`"0x1"`), nil
	}
	mon := session.NewMonitor(m, provider, testMonitorConfig(), zerolog.Nop())

	// Short flip: below the threshold, no probe.
	mon.OnBackground()
	mon.OnForeground(context.Background())
	if atomic.LoadInt32(&probes) != 0 {
		t.Fatal("short background flips must not probe")
	}

	// Long absence: revalidate.
	mon.OnBackground()
	time.Sleep(50 * time.Millisecond)
	mon.OnForeground(context.Background())
	if atomic.LoadInt32(&probes) != 1 {
		t.Fatalf("probes = %d, want 1 after long background", atomic.LoadInt32(&probes))
	}
}

func TestRunProbesOnInterval(t *testing.T) {
	provider := newFakeProvider()
	m := connectedManager(t, provider)

	var probes int32
	provider.requestFn = func(method string, params any) (json.RawMessage, error) {
		atomic.AddInt32(&probes, 1)
		return json.RawMessage(`"0x1"`), nil
	}
	cfg := testMonitorConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	mon := session.NewMonitor(m, provider, cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	mon.Run(ctx)

	if atomic.LoadInt32(&probes) == 0 {
		t.Fatal("Run must drive periodic probes while connected")
	}
}

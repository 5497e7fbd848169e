package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/metrics"
)

// MonitorConfig tunes the session health monitor.
type MonitorConfig struct {
	// ProbeInterval is how often the liveness probe runs while connected.
	ProbeInterval time.Duration
	// KeepAliveInterval is how often the cheap keep-alive ping runs to
	// prevent idle session expiry on the relay side.
	KeepAliveInterval time.Duration
	// RetryBase and RetryCap shape the backoff for transient probe
	// failures: RetryBase, 2x, 4x ... capped at RetryCap.
	RetryBase time.Duration
	RetryCap  time.Duration
	// MaxRetries is how many times a transient probe failure is retried
	// before the monitor gives up silently.
	MaxRetries int
	// BackgroundThreshold is how long the app must have been backgrounded
	// before a foreground transition triggers a revalidation probe.
	BackgroundThreshold time.Duration
}

// DefaultMonitorConfig returns the production intervals.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval:       2 * time.Minute,
		KeepAliveInterval:   30 * time.Second,
		RetryBase:           time.Second,
		RetryCap:            10 * time.Second,
		MaxRetries:          3,
		BackgroundThreshold: 30 * time.Second,
	}
}

// Monitor keeps a connected session honest: a periodic liveness probe, a
// foreground revalidation, and a lower-level keep-alive ping. Only a
// session-specific failure is grounds for disconnect; transient network
// trouble is retried and then assumed survivable.
type Monitor struct {
	manager  *Manager
	provider Provider
	cfg      MonitorConfig
	log      zerolog.Logger

	// fgLimiter throttles foreground revalidations when the app flaps
	// between foreground and background.
	fgLimiter *rate.Limiter

	mu             sync.Mutex
	backgroundedAt time.Time
}

// NewMonitor builds a monitor for the manager's session.
func NewMonitor(manager *Manager, provider Provider, cfg MonitorConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		manager:   manager,
		provider:  provider,
		cfg:       cfg,
		log:       log.With().Str("component", "session-monitor").Logger(),
		fgLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Run drives the probe and keep-alive tickers until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	probe := time.NewTicker(m.cfg.ProbeInterval)
	defer probe.Stop()
	keepAlive := time.NewTicker(m.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			if m.manager.State().IsConnected {
				m.Probe(ctx)
			}
		case <-keepAlive.C:
			if m.manager.State().IsConnected {
				m.keepAlivePing(ctx)
			}
		}
	}
}

// OnBackground records the moment the app left the foreground.
func (m *Monitor) OnBackground() {
	m.mu.Lock()
	m.backgroundedAt = time.Now()
	m.mu.Unlock()
}

// OnForeground revalidates the session when the app returns after a long
// enough absence. Short flips are ignored.
func (m *Monitor) OnForeground(ctx context.Context) {
	m.mu.Lock()
	backgroundedAt := m.backgroundedAt
	m.backgroundedAt = time.Time{}
	m.mu.Unlock()

	if backgroundedAt.IsZero() || time.Since(backgroundedAt) < m.cfg.BackgroundThreshold {
		return
	}
	if !m.manager.State().IsConnected || !m.fgLimiter.Allow() {
		return
	}
	m.Probe(ctx)
}

// Probe runs the liveness check with transient-failure retries. A confirmed
// dead session disconnects immediately; anything else eventually gives up
// silently; the connection is assumed to still be alive.
func (m *Monitor) Probe(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		err := m.probeOnce(ctx)
		if err == nil {
			return
		}

		if errs.KindOf(err) == errs.KindSessionExpired {
			metrics.SessionProbeFailuresTotal.WithLabelValues("session_expired").Inc()
			m.log.Warn().Err(err).Msg("session confirmed dead, disconnecting")
			m.manager.DisconnectWallet(ctx)
			return
		}

		metrics.SessionProbeFailuresTotal.WithLabelValues("transient").Inc()
		if attempt >= m.cfg.MaxRetries {
			m.log.Debug().Err(err).Msg("probe retries exhausted, assuming session alive")
			return
		}

		delay := m.cfg.RetryBase << uint(attempt)
		if delay > m.cfg.RetryCap {
			delay = m.cfg.RetryCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// probeOnce is the cheap liveness read: the session's current chain id.
func (m *Monitor) probeOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := m.provider.Request(ctx, "eth_chainId", nil)
	return err
}

// keepAlivePing nudges the relay so an idle session is not expired
// server-side. Failures are irrelevant to session health.
func (m *Monitor) keepAlivePing(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.provider.Request(ctx, "eth_accounts", nil); err != nil {
		m.log.Debug().Err(err).Msg("keep-alive ping failed")
	}
}

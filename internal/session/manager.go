package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/halofi/walletcore/internal/config"
	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/metrics"
	"github.com/halofi/walletcore/internal/store"
)

// ConnectionState is the session state machine position.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateError is Disconnected after a failed connect attempt; the
	// snapshot carries the failure message. A startup restore that finds
	// no session never lands here.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Snapshot is the reactive view the UI layer consumes.
type Snapshot struct {
	State        ConnectionState `json:"state"`
	Address      string          `json:"address"`
	ChainID      uint64          `json:"chainId"`
	WalletID     string          `json:"walletId"`
	IsConnected  bool            `json:"isConnected"`
	IsConnecting bool            `json:"isConnecting"`
	Error        string          `json:"error,omitempty"`
}

// ErrNotConnected is returned by operations that require a live session.
var ErrNotConnected = errors.New("no wallet session")

// ErrUnsupportedChain marks a chain-switch request outside the configured
// chain set. Callers may surface the wrapped message as-is.
var ErrUnsupportedChain = errors.New("not in the configured chain set")

// Manager owns the one wallet session of the process: it establishes it via
// a deep-link handshake, monitors it, and tears it down. At most one connect
// attempt is in flight at any time.
type Manager struct {
	provider Provider
	store    store.Store
	deeplink *DeepLinker
	cfg      config.SessionConfig
	chains   map[uint64]bool
	log      zerolog.Logger

	// connectSlot is a single-slot channel serializing connect attempts.
	// A second ConnectWallet while the slot is taken is a no-op.
	connectSlot chan struct{}

	mu            sync.Mutex
	connectGen    uint64 // invalidates a connect attempt's slot ownership
	state         ConnectionState
	address       string
	chainID       uint64
	walletID      string
	lastErr       error
	cancelConnect context.CancelFunc
	subs          []Subscription
}

// NewManager wires the session manager. chains lists the chain ids the
// application supports; chain-switch requests outside this set are rejected
// locally.
func NewManager(provider Provider, st store.Store, deeplink *DeepLinker, cfg config.SessionConfig, chains []uint64, log zerolog.Logger) *Manager {
	supported := make(map[uint64]bool, len(chains))
	for _, id := range chains {
		supported[id] = true
	}
	return &Manager{
		provider:    provider,
		store:       st,
		deeplink:    deeplink,
		cfg:         cfg,
		chains:      supported,
		log:         log.With().Str("component", "session").Logger(),
		connectSlot: make(chan struct{}, 1),
	}
}

// State returns the current reactive snapshot.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:        m.state,
		Address:      m.address,
		ChainID:      m.chainID,
		WalletID:     m.walletID,
		IsConnected:  m.state == StateConnected,
		IsConnecting: m.state == StateConnecting,
	}
	if m.lastErr != nil {
		snap.Error = errs.Humanize(m.lastErr)
	}
	return snap
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.SessionState.Set(float64(stateMetric(s)))
}

func stateMetric(s ConnectionState) int {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	default:
		return 0
	}
}

// ConnectWallet runs the deep-link pairing handshake against walletID. The
// whole flow is bounded by the connect timeout; wallet approval is a
// human-speed operation, so this budget is far larger than the RPC one. A
// concurrent call while an attempt is in flight is a no-op.
func (m *Manager) ConnectWallet(ctx context.Context, walletID string) error {
	select {
	case m.connectSlot <- struct{}{}:
	default:
		m.log.Debug().Str("wallet", walletID).Msg("connect already in flight, ignoring")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	m.mu.Lock()
	m.connectGen++
	gen := m.connectGen
	m.cancelConnect = cancel
	m.walletID = walletID
	m.lastErr = nil
	m.mu.Unlock()
	// Release the slot only if this attempt still owns it; a cancel hands
	// the slot to the next attempt while this one unwinds.
	defer func() {
		m.mu.Lock()
		owns := m.connectGen == gen
		m.mu.Unlock()
		if owns {
			m.releaseConnectSlot()
		}
	}()
	m.setState(StateConnecting)

	// A stale session from a previous pairing would shadow the new one.
	if m.provider.SessionAlive() {
		m.teardown(ctx)
	}

	// One-shot pairing URI listener: dispatch the deep link exactly once,
	// then drop the subscription.
	var once sync.Once
	var uriSub Subscription
	uriSub = m.provider.On(EventDisplayURI, func(p EventPayload) {
		once.Do(func() {
			if err := m.deeplink.Dispatch(walletID, p.URI); err != nil {
				m.log.Warn().Err(err).Str("wallet", walletID).Msg("deep link dispatch failed")
			}
		})
	})
	defer uriSub.Unsubscribe()

	err := m.provider.Enable(ctx)

	m.mu.Lock()
	m.cancelConnect = nil
	canceled := m.connectGen != gen // CancelConnection already ran
	m.mu.Unlock()

	if canceled {
		// The user moved on; even a late approval must not be applied. A
		// newer attempt may own the provider session by now, so the stale
		// unwind only tears down while the manager is still idle.
		m.mu.Lock()
		idle := m.state == StateDisconnected || m.state == StateError
		m.mu.Unlock()
		if idle {
			m.teardown(context.Background())
		}
		return nil
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.setState(StateDisconnected)
			return nil
		}
		connectErr := errs.New(errs.Classify(err), "session.connect", err)
		m.mu.Lock()
		m.lastErr = connectErr
		m.mu.Unlock()
		m.setState(StateError)
		m.teardown(context.Background())
		return connectErr
	}

	address, chainID, err := parseNamespaces(m.provider.Namespaces())
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.setState(StateError)
		m.teardown(context.Background())
		return err
	}

	m.mu.Lock()
	m.address = address
	m.chainID = chainID
	m.mu.Unlock()

	m.installListeners()
	m.setState(StateConnected)

	flags := store.Flags{
		Connected:         true,
		PreferredWalletID: walletID,
		SessionTimestamp:  time.Now(),
		SessionAddress:    address,
	}
	if err := m.store.Save(ctx, flags); err != nil {
		m.log.Warn().Err(err).Msg("persisting session flags failed")
	}

	m.log.Info().Str("wallet", walletID).Str("address", address).Uint64("chain_id", chainID).Msg("wallet connected")
	return nil
}

// DisconnectWallet flips the visible state immediately so the UI reacts,
// then tears the underlying session down best-effort. Teardown failures are
// logged, never returned. Idempotent.
func (m *Manager) DisconnectWallet(ctx context.Context) {
	m.mu.Lock()
	m.address = ""
	m.chainID = 0
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)

	m.teardown(ctx)
	m.log.Info().Msg("wallet disconnected")
}

// CancelConnection aborts an in-flight connect attempt so the user can pick
// a different wallet immediately, without waiting for the attempt to time
// out. Safe to call when nothing is in flight.
func (m *Manager) CancelConnection(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancelConnect
	m.cancelConnect = nil
	m.connectGen++ // the in-flight attempt no longer owns the slot
	m.mu.Unlock()

	m.setState(StateDisconnected)
	if cancel != nil {
		cancel()
	}
	m.teardown(ctx)
	m.releaseConnectSlot()
}

// teardown releases the provider session, persisted flags and listeners.
// Safe to call multiple times: cancellation means an unwinding handshake
// can race a user-initiated disconnect.
func (m *Manager) teardown(ctx context.Context) {
	m.clearSubs()
	if err := m.provider.Disconnect(ctx); err != nil {
		m.log.Debug().Err(err).Msg("provider teardown failed")
	}
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn().Err(err).Msg("clearing session flags failed")
	}
}

func (m *Manager) releaseConnectSlot() {
	select {
	case <-m.connectSlot:
	default:
	}
}

// SwitchChain forwards a chain-switch request to the active session.
// Unsupported chain ids are rejected before any request is made.
func (m *Manager) SwitchChain(ctx context.Context, chainID uint64) error {
	if !m.chains[chainID] {
		return fmt.Errorf("chain %d is not supported: %w", chainID, ErrUnsupportedChain)
	}
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	params := []any{map[string]string{"chainId": "0x" + strconv.FormatUint(chainID, 16)}}
	if _, err := m.provider.Request(ctx, "wallet_switchEthereumChain", params); err != nil {
		return errs.New(errs.Classify(err), "session.switchChain", err)
	}

	m.mu.Lock()
	m.chainID = chainID
	m.mu.Unlock()
	return nil
}

// WakeWallet re-opens the connected wallet app to draw the user's attention
// to a pending approval.
func (m *Manager) WakeWallet() error {
	m.mu.Lock()
	walletID := m.walletID
	m.mu.Unlock()
	if walletID == "" {
		return ErrNotConnected
	}
	return m.deeplink.Wake(walletID)
}

// Reactivate re-validates a session a write path saw as expired: a cheap
// probe confirms the relay still honors it and the derived address is
// refreshed from the namespace record. Returns an error when the session is
// genuinely gone, in which case the caller's original failure stands.
func (m *Manager) Reactivate(ctx context.Context) error {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if _, err := m.provider.Request(ctx, "eth_accounts", nil); err != nil {
		return errs.New(errs.Classify(err), "session.reactivate", err)
	}
	if address, chainID, err := parseNamespaces(m.provider.Namespaces()); err == nil {
		m.mu.Lock()
		m.address = address
		m.chainID = chainID
		m.mu.Unlock()
	}
	return nil
}

// Resume restores a prior session on startup. It consults only the
// persisted flags and the provider's local session record; no RPC is
// issued. When the provider has no valid session the flags are cleared and
// the manager starts Disconnected, never Error.
func (m *Manager) Resume(ctx context.Context) error {
	flags, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session flags: %w", err)
	}
	if !flags.Connected {
		m.setState(StateDisconnected)
		return nil
	}

	if !m.provider.SessionAlive() {
		m.log.Info().Msg("persisted session no longer valid, clearing")
		if err := m.store.Clear(ctx); err != nil {
			m.log.Warn().Err(err).Msg("clearing stale session flags failed")
		}
		m.setState(StateDisconnected)
		return nil
	}

	address, chainID, err := parseNamespaces(m.provider.Namespaces())
	if err != nil {
		// Session object exists but is unreadable: treat like no session.
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.log.Warn().Err(clearErr).Msg("clearing unreadable session flags failed")
		}
		m.setState(StateDisconnected)
		return nil
	}

	m.mu.Lock()
	m.address = address
	m.chainID = chainID
	m.walletID = flags.PreferredWalletID
	m.mu.Unlock()

	m.installListeners()
	m.setState(StateConnected)
	m.log.Info().Str("address", address).Uint64("chain_id", chainID).Msg("session restored from storage")

	// Resolve the signer handle lazily; startup must not block on the
	// relay.
	go m.resolveSigner()
	return nil
}

func (m *Manager) resolveSigner() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := m.provider.Request(ctx, "eth_accounts", nil); err != nil {
		m.log.Debug().Err(err).Msg("lazy signer resolution failed")
	}
}

// installListeners subscribes the session event handlers, clearing any
// previous subscriptions first so reconnects never leak listeners.
func (m *Manager) installListeners() {
	m.clearSubs()

	subs := []Subscription{
		m.provider.On(EventAccountsChanged, func(p EventPayload) {
			if len(p.Accounts) == 0 {
				m.log.Info().Msg("wallet revoked all accounts")
				m.DisconnectWallet(context.Background())
				return
			}
			m.mu.Lock()
			m.address = p.Accounts[0]
			m.mu.Unlock()
		}),
		m.provider.On(EventChainChanged, func(p EventPayload) {
			m.mu.Lock()
			m.chainID = p.ChainID
			m.mu.Unlock()
		}),
		m.provider.On(EventDisconnect, func(EventPayload) {
			m.DisconnectWallet(context.Background())
		}),
		m.provider.On(EventSessionDelete, func(EventPayload) {
			m.DisconnectWallet(context.Background())
		}),
	}

	m.mu.Lock()
	m.subs = subs
	m.mu.Unlock()
}

func (m *Manager) clearSubs() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Signer is the handle write paths use. Obtained only through the manager;
// callers never see the provider itself.
type Signer struct {
	provider Provider
	address  string
	chainID  uint64
}

// Signer returns the active session's signer handle.
func (m *Manager) Signer() (*Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil, ErrNotConnected
	}
	return &Signer{provider: m.provider, address: m.address, chainID: m.chainID}, nil
}

// Address returns the signer's account, implicitly validating that a
// session existed when the handle was issued.
func (s *Signer) Address() string { return s.address }

// ChainID returns the chain the signer is bound to.
func (s *Signer) ChainID() uint64 { return s.chainID }

// SendTransaction asks the wallet to sign and broadcast a transaction and
// returns the transaction hash.
func (s *Signer) SendTransaction(ctx context.Context, tx any) (string, error) {
	raw, err := s.provider.Request(ctx, "eth_sendTransaction", []any{tx})
	if err != nil {
		return "", errs.New(errs.Classify(err), "session.sendTransaction", err)
	}
	return decodeString(raw)
}

// SignTypedData asks the wallet for an EIP-712 signature over payload.
func (s *Signer) SignTypedData(ctx context.Context, payload any) (string, error) {
	raw, err := s.provider.Request(ctx, "eth_signTypedData_v4", []any{s.address, payload})
	if err != nil {
		return "", errs.New(errs.Classify(err), "session.signTypedData", err)
	}
	return decodeString(raw)
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("decode signer response: %w", err)
	}
	return s, nil
}

// parseNamespaces extracts {address, chainID} from the session's namespace
// record without any RPC round trip. Accounts are CAIP-10 strings like
// "eip155:1:0xabc...".
func parseNamespaces(namespaces string) (string, uint64, error) {
	if namespaces == "" {
		return "", 0, errs.Newf(errs.KindSessionExpired, "session.namespaces", "no session namespaces")
	}
	account := gjson.Get(namespaces, "eip155.accounts.0").String()
	if account == "" {
		return "", 0, errs.Newf(errs.KindSessionExpired, "session.namespaces", "no accounts in session namespaces")
	}
	parts := strings.Split(account, ":")
	if len(parts) != 3 {
		return "", 0, errs.Newf(errs.KindSessionExpired, "session.namespaces", "malformed account %q", account)
	}
	chainID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, errs.Newf(errs.KindSessionExpired, "session.namespaces", "malformed chain id in %q", account)
	}
	return parts[2], chainID, nil
}

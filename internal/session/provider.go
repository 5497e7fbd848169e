// Package session owns the wallet signer session lifecycle: deep-link
// pairing, health monitoring, chain switching, teardown, and auto-reconnect
// on startup. It talks to the pairing protocol only through the narrow
// Provider interface; the relay's internal protocol is opaque here.
package session

import (
	"context"
	"encoding/json"
)

// Event names the session-level notifications a provider can emit.
type Event string

const (
	// EventDisplayURI carries the pairing URI that must be routed to the
	// wallet app via deep link.
	EventDisplayURI Event = "display_uri"
	// EventAccountsChanged carries the new account list. An empty list
	// means the wallet revoked access.
	EventAccountsChanged Event = "accountsChanged"
	// EventChainChanged carries the wallet's new active chain id.
	EventChainChanged Event = "chainChanged"
	// EventDisconnect signals the provider lost its session.
	EventDisconnect Event = "disconnect"
	// EventSessionDelete signals the wallet deleted the session remotely.
	EventSessionDelete Event = "session_delete"
)

// EventPayload is the data attached to an emitted event. Fields are set
// per-event; unused fields are zero.
type EventPayload struct {
	Event    Event
	URI      string
	Accounts []string
	ChainID  uint64
}

// Subscription is an explicit handle for one event listener. Unsubscribing
// is idempotent. Scoped listener lifetimes keep reconnects leak-free.
type Subscription interface {
	Unsubscribe()
}

// Provider is everything the session manager needs from the underlying
// pairing SDK.
type Provider interface {
	// Enable runs the session-establishment handshake. It emits
	// EventDisplayURI once the pairing URI is ready and returns when the
	// wallet approved or ctx ended.
	Enable(ctx context.Context) error
	// Request forwards a signing or wallet RPC request over the session.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Disconnect tears the session down. Safe to call repeatedly and
	// without a live session.
	Disconnect(ctx context.Context) error
	// Namespaces returns the session's namespace record as raw JSON, or
	// "" when no session exists. Never performs an RPC round trip.
	Namespaces() string
	// SessionAlive reports whether a locally-valid session object exists,
	// without any network traffic.
	SessionAlive() bool
	// On registers a listener for an event.
	On(event Event, fn func(EventPayload)) Subscription
}

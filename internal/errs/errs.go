// Package errs defines the typed error taxonomy shared by the RPC client and
// the wallet session manager. Transport-level failures are classified into a
// Kind exactly once, at the boundary; retry and recovery logic switches on
// the Kind instead of parsing message text.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind identifies a failure class with a distinct propagation policy.
type Kind int

const (
	// KindInternal is an unclassified failure. Never retried.
	KindInternal Kind = iota
	// KindNetwork covers connect refused, DNS and TLS failures. Retryable.
	KindNetwork
	// KindTimeout means an operation exceeded its budget. Retryable.
	KindTimeout
	// KindCircuitOpen means no healthy endpoint was available and the
	// degraded-mode fallback was used.
	KindCircuitOpen
	// KindSessionExpired means the underlying wallet session is gone or
	// invalid. Triggers one managed recovery attempt.
	KindSessionExpired
	// KindUserRejected means the human declined in the wallet app. Never
	// retried.
	KindUserRejected
	// KindRevert means a contract call reverted. Deterministic, never
	// retried.
	KindRevert
	// KindEmptyState means a call returned no data, typically because the
	// on-chain state it targets is not initialized yet. Benign.
	KindEmptyState
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindSessionExpired:
		return "session_expired"
	case KindUserRejected:
		return "user_rejected"
	case KindRevert:
		return "revert"
	case KindEmptyState:
		return "empty_state"
	default:
		return "internal"
	}
}

// Error carries a classified failure through the call stack.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "rpc.call" or "session.connect"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, classifying on the fly if err was never
// wrapped. Nil errors have no kind and report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// Retryable reports whether the failure is transient and worth another
// attempt. Only network and timeout conditions qualify; everything else is
// deterministic.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Benign reports whether the failure represents empty or uninitialized
// on-chain state rather than a genuine error.
func Benign(err error) bool {
	switch KindOf(err) {
	case KindRevert, KindEmptyState:
		return true
	default:
		return false
	}
}

// JSON-RPC error codes observed from public EVM endpoints and wallet
// providers. 4001 is the EIP-1193 user-rejection code; the -32000 family is
// the server-defined range used for missing state, reverts and overloaded
// backends.
const (
	CodeUserRejected  = 4001
	CodeServerError   = -32000
	CodeInternalError = -32603
)

// Classify maps a raw transport or provider error to a Kind. This is the one
// place that inspects error text; the legacy substring patterns from public
// endpoints are recognized here and nowhere else.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindInternal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr)
	}

	return classifyText(err.Error())
}

// RPCError is a JSON-RPC 2.0 error object surfaced by an endpoint or a
// wallet provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func classifyRPC(e *RPCError) Kind {
	if e.Code == CodeUserRejected {
		return KindUserRejected
	}
	if k := classifyText(e.Message); k != KindInternal {
		return k
	}
	// Server-defined range without a recognizable message: treat as a
	// backend problem worth another endpoint.
	if e.Code == CodeServerError || e.Code == CodeInternalError {
		return KindNetwork
	}
	return KindInternal
}

// classifyText recognizes the message fragments public endpoints and wallet
// SDKs actually emit. Kept deliberately short; unknown text stays
// KindInternal so it is never retried by accident.
func classifyText(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "user rejected"),
		strings.Contains(m, "user denied"):
		return KindUserRejected
	case strings.Contains(m, "session topic doesn't exist"),
		strings.Contains(m, "no matching key"),
		strings.Contains(m, "session expired"),
		strings.Contains(m, "session not found"):
		return KindSessionExpired
	case strings.Contains(m, "execution reverted"),
		strings.Contains(m, "revert"):
		return KindRevert
	case strings.Contains(m, "missing revert data"),
		strings.Contains(m, "could not decode result data"),
		strings.Contains(m, "returned no data"),
		strings.Contains(m, "call exception"),
		strings.Contains(m, "bad_data"):
		return KindEmptyState
	case strings.Contains(m, "timed out"),
		strings.Contains(m, "timeout"),
		strings.Contains(m, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(m, "network is not detected"),
		strings.Contains(m, "missing response"),
		strings.Contains(m, "no backend available"),
		strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"),
		strings.Contains(m, "eof"),
		strings.Contains(m, "bad gateway"),
		strings.Contains(m, "service unavailable"),
		strings.Contains(m, "too many requests"):
		return KindNetwork
	default:
		return KindInternal
	}
}

// Humanize renders a surfaced error as a short actionable string for the UI
// layer. Raw SDK text never reaches the user.
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindTimeout:
		return "Connection timed out — check that your wallet app is open"
	case KindNetwork:
		return "Network unavailable — check your connection and try again"
	case KindCircuitOpen:
		return "All RPC endpoints are temporarily unavailable — retrying shortly"
	case KindSessionExpired:
		return "Wallet session expired — please reconnect your wallet"
	case KindUserRejected:
		return "Request was declined in the wallet app"
	case KindRevert:
		return "Transaction would fail on-chain and was not sent"
	case KindEmptyState:
		return "No data available for this request yet"
	default:
		return "Something went wrong — please try again"
	}
}

package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeNetErr struct{ timeout bool }

func (e *fakeNetErr) Error() string   { return "dial tcp: connection refused" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindInternal},
		{"net timeout", &fakeNetErr{timeout: true}, KindTimeout},
		{"net refused", &fakeNetErr{}, KindNetwork},
		{"user rejected code", &RPCError{Code: CodeUserRejected, Message: "User rejected the request"}, KindUserRejected},
		{"revert", &RPCError{Code: 3, Message: "execution reverted"}, KindRevert},
		{"missing revert data", &RPCError{Code: CodeServerError, Message: "missing revert data in call exception"}, KindEmptyState},
		{"server error opaque", &RPCError{Code: CodeServerError, Message: "header not found"}, KindNetwork},
		{"session gone", errors.New("session topic doesn't exist"), KindSessionExpired},
		{"network not detected", errors.New("network is not detected yet"), KindNetwork},
		{"unknown text", errors.New("something odd"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindSessionExpired, "session.probe", errors.New("no matching key"))
	wrapped := fmt.Errorf("probe failed: %w", base)

	if got := KindOf(wrapped); got != KindSessionExpired {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindSessionExpired)
	}
	if Retryable(wrapped) {
		t.Error("session expiry must not be retryable at the transport level")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindNetwork, "rpc.call", errors.New("connection refused"))) {
		t.Error("network errors must be retryable")
	}
	if !Retryable(New(KindTimeout, "rpc.call", context.DeadlineExceeded)) {
		t.Error("timeouts must be retryable")
	}
	if Retryable(New(KindUserRejected, "session.sign", nil)) {
		t.Error("user rejection must never be retryable")
	}
	if Retryable(New(KindRevert, "rpc.call", nil)) {
		t.Error("reverts must never be retryable")
	}
}

func TestBenign(t *testing.T) {
	if !Benign(New(KindEmptyState, "rpc.call", nil)) {
		t.Error("empty state should be benign")
	}
	if !Benign(New(KindRevert, "rpc.call", nil)) {
		t.Error("plain revert should be benign")
	}
	if Benign(New(KindNetwork, "rpc.call", nil)) {
		t.Error("network errors are not benign")
	}
}

func TestHumanizeNeverEmpty(t *testing.T) {
	kinds := []Kind{KindInternal, KindNetwork, KindTimeout, KindCircuitOpen,
		KindSessionExpired, KindUserRejected, KindRevert, KindEmptyState}
	for _, k := range kinds {
		if Humanize(New(k, "op", errors.New("x"))) == "" {
			t.Errorf("Humanize returned empty string for %v", k)
		}
	}
}

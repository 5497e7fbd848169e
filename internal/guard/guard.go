// Package guard provides the two primitives every write path goes through:
// a timeout wrapper with structured cancellation, and a session-expiry-aware
// retry. Signature and transaction helpers compose them.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/session"
)

// reminderAfter is when a non-fatal "still waiting" log fires for long
// budgets, making slow wallet approvals observable without changing
// behavior.
const reminderAfter = 10 * time.Second

// Operation is a unit of work bounded by a guard.
type Operation func(ctx context.Context) (any, error)

// WithTimeout bounds op with a deadline. The losing operation is cancelled
// through its context rather than abandoned, so a stale result can never be
// applied. On timeout the error names the operation and the elapsed time.
func WithTimeout(ctx context.Context, timeout time.Duration, label string, log zerolog.Logger, op Operation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if timeout > reminderAfter {
		reminder := time.AfterFunc(reminderAfter, func() {
			log.Info().Str("operation", label).Msg("still waiting for wallet approval")
		})
		defer reminder.Stop()
	}

	start := time.Now()
	result, err := op(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, errs.Newf(errs.KindTimeout, "guard."+label,
			"%s timed out after %.0fs", label, time.Since(start).Seconds())
	}
	return result, err
}

// Reactivator attempts to revive an expired-looking session, typically with
// a cheap probe that re-derives the signer address.
type Reactivator func(ctx context.Context) error

// ExecuteWithRetry runs op once and, if it failed with a session-expiry
// classification, attempts a reactivation and retries exactly once. All
// other failures propagate unmodified: user rejections and reverts are
// deterministic outcomes.
func ExecuteWithRetry(ctx context.Context, log zerolog.Logger, op Operation, reactivate Reactivator) (any, error) {
	result, err := op(ctx)
	if err == nil {
		return result, nil
	}
	if errs.KindOf(err) != errs.KindSessionExpired || reactivate == nil {
		return nil, err
	}

	log.Info().Err(err).Msg("session looked expired, attempting reactivation")
	if rerr := reactivate(ctx); rerr != nil {
		log.Warn().Err(rerr).Msg("session reactivation failed")
		return nil, err
	}
	return op(ctx)
}

// SessionHandle is what the executor needs from the session manager.
type SessionHandle interface {
	Signer() (*session.Signer, error)
	WakeWallet() error
	Reactivate(ctx context.Context) error
}

// Executor composes the guards into the concrete write helpers the UI layer
// calls.
type Executor struct {
	session SessionHandle
	timeout time.Duration
	log     zerolog.Logger
}

// NewExecutor builds an executor. timeout bounds each write end to end;
// wallet approval is human-speed, so budgets here are measured in minutes,
// not seconds.
func NewExecutor(handle SessionHandle, timeout time.Duration, log zerolog.Logger) *Executor {
	return &Executor{
		session: handle,
		timeout: timeout,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// SendTransaction routes a transaction through the wallet for signing and
// broadcast, returning the transaction hash.
func (e *Executor) SendTransaction(ctx context.Context, tx any) (string, error) {
	return e.run(ctx, "sendTransaction", func(ctx context.Context, signer *session.Signer) (any, error) {
		return signer.SendTransaction(ctx, tx)
	})
}

// SignTypedData obtains an EIP-712 signature from the wallet.
func (e *Executor) SignTypedData(ctx context.Context, payload any) (string, error) {
	return e.run(ctx, "signTypedData", func(ctx context.Context, signer *session.Signer) (any, error) {
		return signer.SignTypedData(ctx, payload)
	})
}

func (e *Executor) run(ctx context.Context, label string, op func(context.Context, *session.Signer) (any, error)) (string, error) {
	signer, err := e.session.Signer()
	if err != nil {
		return "", err
	}

	// Bring the wallet app forward so the approval prompt is seen.
	// Best-effort: a failed wake must not block the request itself.
	if err := e.session.WakeWallet(); err != nil {
		e.log.Debug().Err(err).Msg("waking wallet app failed")
	}

	result, err := ExecuteWithRetry(ctx, e.log, func(ctx context.Context) (any, error) {
		return WithTimeout(ctx, e.timeout, label, e.log, func(ctx context.Context) (any, error) {
			return op(ctx, signer)
		})
	}, e.session.Reactivate)
	if err != nil {
		return "", err
	}

	s, ok := result.(string)
	if !ok {
		return "", errs.Newf(errs.KindInternal, "guard."+label, "unexpected result type %T", result)
	}
	return s, nil
}

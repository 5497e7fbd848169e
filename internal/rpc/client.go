package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/config"
	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/metrics"
)

// Contract is the narrow interface the read path needs from the out-of-tree
// ABI layer: an address, call encoding and result decoding. The client never
// interprets ABI data itself.
type Contract interface {
	Address() string
	EncodeCall(method string, params []any) ([]byte, error)
	DecodeResult(method string, data []byte) (any, error)
}

// ContractCall is one entry of a batch read.
type ContractCall struct {
	Contract Contract
	Method   string
	Params   []any
}

// Client is the resilient JSON-RPC read client for a single chain. Reads are
// deduplicated, spread round-robin across healthy endpoints, and retried
// with exponential backoff on transient failures.
type Client struct {
	chainID   uint64
	endpoints []Endpoint
	health    *HealthTracker
	dedup     *DedupCache
	transport *transport
	cfg       config.RPCConfig
	log       zerolog.Logger
	rr        uint32 // round-robin cursor
}

// NewClient builds a client for one chain over the given endpoint URLs.
func NewClient(chainID uint64, urls []string, cfg config.RPCConfig, log zerolog.Logger) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain %d: no endpoints configured", chainID)
	}
	endpoints := make([]Endpoint, len(urls))
	for i, u := range urls {
		endpoints[i] = Endpoint{URL: u, ChainID: chainID}
	}
	return &Client{
		chainID:   chainID,
		endpoints: endpoints,
		health:    NewHealthTracker(endpoints, cfg.FailureThreshold, cfg.CircuitReset),
		dedup:     NewDedupCache(cfg.DedupTTL),
		transport: newTransport(&http.Client{}),
		cfg:       cfg,
		log:       log.With().Uint64("chain_id", chainID).Logger(),
	}, nil
}

// ChainID returns the chain this client serves.
func (c *Client) ChainID() uint64 { return c.chainID }

// Endpoints returns the configured endpoints in order.
func (c *Client) Endpoints() []Endpoint { return c.endpoints }

// Health exposes the endpoint health tracker, read-only for callers.
func (c *Client) Health() *HealthTracker { return c.health }

// Call executes a contract read. Identical concurrent calls within the dedup
// window share one network round trip.
func (c *Client) Call(ctx context.Context, contract Contract, method string, params []any) (any, error) {
	key := dedupKey(fmt.Sprintf("%d:%s", c.chainID, contract.Address()), method, params)
	call, owned := c.dedup.GetOrRegister(key)
	if !owned {
		return call.Wait(ctx)
	}

	result, err := c.executeWithRetry(ctx, func(ctx context.Context, ep Endpoint) (any, error) {
		return c.contractCall(ctx, ep, contract, method, params)
	})
	call.complete(result, err)
	return result, err
}

// contractCall performs one eth_call round trip against a specific endpoint.
func (c *Client) contractCall(ctx context.Context, ep Endpoint, contract Contract, method string, params []any) (any, error) {
	data, err := contract.EncodeCall(method, params)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "rpc.encode", err)
	}
	callObj := map[string]string{
		"to":   contract.Address(),
		"data": "0x" + hex.EncodeToString(data),
	}
	raw, err := c.transport.do(ctx, ep, "eth_call", []any{callObj, "latest"})
	if err != nil {
		return nil, err
	}
	out, err := decodeHexBytes(raw)
	if err != nil {
		return nil, err
	}
	decoded, err := contract.DecodeResult(method, out)
	if err != nil {
		return nil, errs.New(errs.KindEmptyState, "rpc.decode", err)
	}
	return decoded, nil
}

// BatchCall runs every call concurrently. A failed call yields nil in its
// slot instead of aborting the batch: most failures here are reads against
// not-yet-initialized on-chain state and callers must treat nil as
// "unknown". Genuine (non-benign) failures are logged before being reduced
// to nil. decimals() falls back to 18, the universal default.
func (c *Client) BatchCall(ctx context.Context, calls []ContractCall) []any {
	results := make([]any, len(calls))
	var wg sync.WaitGroup

	for i, bc := range calls {
		wg.Add(1)
		go func(i int, bc ContractCall) {
			defer wg.Done()
			res, err := c.Call(ctx, bc.Contract, bc.Method, bc.Params)
			if err == nil {
				results[i] = res
				return
			}
			if errs.Benign(err) {
				if bc.Method == "decimals" {
					results[i] = uint8(18)
				}
				return
			}
			c.log.Error().Err(err).
				Str("contract", bc.Contract.Address()).
				Str("method", bc.Method).
				Msg("batch call failed")
		}(i, bc)
	}

	wg.Wait()
	return results
}

// RawCall executes a raw JSON-RPC read through the full resilient path:
// deduplication, healthy-endpoint selection and transient-failure retries.
func (c *Client) RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	key := dedupKey(fmt.Sprintf("%d:raw", c.chainID), method, params)
	call, owned := c.dedup.GetOrRegister(key)
	if !owned {
		result, err := call.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return result.(json.RawMessage), nil
	}

	result, err := c.executeWithRetry(ctx, func(ctx context.Context, ep Endpoint) (any, error) {
		return c.transport.do(ctx, ep, method, params)
	})
	call.complete(result, err)
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// Provider is a direct connection handle to one healthy endpoint, for
// callers that need raw chain access outside the contract-call path.
type Provider struct {
	Endpoint  Endpoint
	transport *transport
	timeout   time.Duration
}

// Call issues a raw JSON-RPC request against the provider's endpoint.
func (p *Provider) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.transport.do(ctx, p.Endpoint, method, params)
}

// DirectProvider returns a handle bound to the currently selected healthy
// endpoint.
func (c *Client) DirectProvider() *Provider {
	ep, _ := c.selectEndpoint()
	return &Provider{Endpoint: ep, transport: c.transport, timeout: c.cfg.RequestTimeout}
}

// selectEndpoint round-robins across the healthy list. It is deliberately
// not sticky: spreading load surfaces intermittently-recovering endpoints
// quickly. When every circuit is open it falls back to the first configured
// endpoint: availability over a strict health signal.
func (c *Client) selectEndpoint() (Endpoint, bool) {
	healthy := c.health.HealthyEndpoints()
	if len(healthy) == 0 {
		return c.endpoints[0], true
	}
	idx := atomic.AddUint32(&c.rr, 1)
	return healthy[int(idx)%len(healthy)], false
}

// executeWithRetry is the core loop of the read path: select an endpoint,
// bound the attempt with the per-request timeout, record the outcome, and
// retry transient failures with exponential backoff and jitter. The losing
// attempt is cancelled through its context, so a stale response can never be
// applied after its timeout fired.
func (c *Client) executeWithRetry(ctx context.Context, op func(context.Context, Endpoint) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		ep, degraded := c.selectEndpoint()
		if degraded {
			c.log.Warn().Str("endpoint", ep.URL).Msg("all circuits open, falling back to first endpoint")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		start := time.Now()
		result, err := op(attemptCtx, ep)
		cancel()
		metrics.RPCRequestDuration.WithLabelValues(ep.URL).Observe(time.Since(start).Seconds())

		if err == nil {
			c.health.RecordSuccess(ep)
			metrics.RPCRequestsTotal.WithLabelValues(ep.URL, "success").Inc()
			return result, nil
		}

		c.health.RecordFailure(ep)
		metrics.RPCRequestsTotal.WithLabelValues(ep.URL, "failure").Inc()
		lastErr = err

		if !errs.Retryable(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}

		delay := backoffDelay(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempt)
		c.log.Debug().Err(err).
			Str("endpoint", ep.URL).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("retrying rpc call")
		metrics.RPCRetriesTotal.WithLabelValues(ep.URL).Inc()

		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Classify(ctx.Err()), "rpc.call", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// backoffDelay computes min(base * 2^attempt + jitter(0..1s), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	delay += time.Duration(rand.Int63n(int64(time.Second)))
	if delay > max {
		delay = max
	}
	return delay
}

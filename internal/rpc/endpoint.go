// Package rpc implements the resilient JSON-RPC read path: per-endpoint
// health tracking with circuit breaking, short-TTL request deduplication,
// and retry with exponential backoff across a pool of public endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/halofi/walletcore/internal/errs"
)

// Endpoint identifies one upstream JSON-RPC endpoint. Immutable after
// construction.
type Endpoint struct {
	URL     string
	ChainID uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *errs.RPCError  `json:"error"`
	ID      uint64          `json:"id"`
}

// transport executes single JSON-RPC 2.0 calls over HTTPS.
type transport struct {
	httpClient *http.Client
	reqID      uint64
}

func newTransport(httpClient *http.Client) *transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &transport{httpClient: httpClient}
}

// do posts one JSON-RPC request to the endpoint. Failures come back already
// classified.
func (t *transport) do(ctx context.Context, ep Endpoint, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&t.reqID, 1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "rpc.call", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.KindInternal, "rpc.call", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Classify(err), "rpc.call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := errs.KindNetwork
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = errs.KindTimeout
		}
		return nil, errs.Newf(kind, "rpc.call", "endpoint returned HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.Classify(err), "rpc.call", fmt.Errorf("read response: %w", err))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errs.New(errs.KindNetwork, "rpc.call", fmt.Errorf("unmarshal response: %w", err))
	}

	if rpcResp.Error != nil {
		return nil, errs.New(errs.Classify(rpcResp.Error), "rpc.call", rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// decodeHexBytes parses a 0x-prefixed hex string result into raw bytes.
func decodeHexBytes(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errs.New(errs.KindEmptyState, "rpc.decode", fmt.Errorf("non-string call result: %w", err))
	}
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, errs.Newf(errs.KindEmptyState, "rpc.decode", "call returned no data")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.New(errs.KindEmptyState, "rpc.decode", fmt.Errorf("could not decode result data: %w", err))
	}
	return data, nil
}

package relay

import (
	"encoding/json"
	"fmt"
)

// Relay-level frame: plain JSON-RPC 2.0 over the websocket. Requests to the
// relay use irn_* methods; inbound traffic arrives as irn_subscription.
type relayMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *relayError     `json:"error,omitempty"`
}

type relayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *relayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

const (
	methodPublish      = "irn_publish"
	methodSubscribe    = "irn_subscribe"
	methodSubscription = "irn_subscription"
)

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int    `json:"ttl"`
	Tag     int    `json:"tag"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data"`
}

// Session-level envelope: the JSON-RPC payload carried encrypted inside a
// relay message. The wallet peer speaks wc_* methods over it.
type sessionEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *relayError     `json:"error,omitempty"`
}

const (
	wcSessionApprove = "wc_sessionApprove"
	wcSessionRequest = "wc_sessionRequest"
	wcSessionEvent   = "wc_sessionEvent"
	wcSessionDelete  = "wc_sessionDelete"
)

type sessionApproveParams struct {
	Namespaces json.RawMessage `json:"namespaces"`
}

type sessionRequestParams struct {
	ChainID string `json:"chainId"`
	Request struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	} `json:"request"`
}

type sessionEventParams struct {
	ChainID string `json:"chainId"`
	Event   struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	} `json:"event"`
}

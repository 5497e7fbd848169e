package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/session"
)

// publishTTL is the relay-side mailbox lifetime of a published message, in
// seconds. Long enough for a wallet that is still waking up.
const publishTTL = 300

// requestTag marks session requests on the relay so wallets can prioritize
// signing traffic.
const requestTag = 1108

// Config selects the relay endpoint and where the session record lives.
type Config struct {
	URL         string
	ProjectID   string
	SessionPath string
}

// WSProvider is the websocket-backed pairing provider. It implements
// session.Provider: pairing handshake, encrypted request/response over the
// session topic, and session-level event delivery.
type WSProvider struct {
	cfg Config
	log zerolog.Logger

	nextID int64

	mu           sync.Mutex
	conn         *websocket.Conn
	subscribed   string
	record       *sessionRecord
	symKey       []byte
	pending      map[int64]chan *sessionEnvelope
	acks         map[int64]chan *relayMessage
	approvals    chan *sessionEnvelope
	listeners    map[session.Event]map[int]func(session.EventPayload)
	nextListener int

	// writeMu serializes websocket writes; gorilla allows one writer.
	writeMu sync.Mutex
}

// NewWSProvider builds the provider, restoring a persisted session record if
// a valid one exists on disk.
func NewWSProvider(cfg Config, log zerolog.Logger) *WSProvider {
	p := &WSProvider{
		cfg:       cfg,
		log:       log.With().Str("component", "relay").Logger(),
		pending:   make(map[int64]chan *sessionEnvelope),
		acks:      make(map[int64]chan *relayMessage),
		listeners: make(map[session.Event]map[int]func(session.EventPayload)),
	}
	if rec := loadRecord(cfg.SessionPath); rec != nil {
		key, err := hex.DecodeString(rec.SymKey)
		if err != nil {
			p.log.Warn().Err(err).Msg("persisted session has unusable key, dropping")
		} else {
			p.record = rec
			p.symKey = key
		}
	}
	return p
}

// Enable runs the pairing handshake: generate a pairing, subscribe its
// topic, surface the URI for the deep link, and wait for the wallet's
// approval. Returns when approved or when ctx ends.
func (p *WSProvider) Enable(ctx context.Context) error {
	pairing, err := newPairing()
	if err != nil {
		return errs.New(errs.KindInternal, "relay.enable", err)
	}

	approvals := make(chan *sessionEnvelope, 1)
	p.mu.Lock()
	p.record = nil
	p.symKey = pairing.SymKey
	p.approvals = approvals
	p.mu.Unlock()

	if err := p.ensureConn(ctx); err != nil {
		return err
	}
	if err := p.subscribe(ctx, pairing.Topic); err != nil {
		return err
	}

	p.emit(session.EventDisplayURI, session.EventPayload{Event: session.EventDisplayURI, URI: pairing.URI()})

	select {
	case <-ctx.Done():
		return errs.New(errs.Classify(ctx.Err()), "relay.enable", ctx.Err())
	case env, ok := <-approvals:
		if !ok {
			return errs.Newf(errs.KindNetwork, "relay.enable", "relay connection lost during pairing")
		}
		var approve sessionApproveParams
		if err := json.Unmarshal(env.Params, &approve); err != nil {
			return errs.Newf(errs.KindInternal, "relay.enable", "malformed session approval: %v", err)
		}

		rec := &sessionRecord{
			Topic:      pairing.Topic,
			SymKey:     hex.EncodeToString(pairing.SymKey),
			Namespaces: approve.Namespaces,
			Expiry:     time.Now().Add(sessionTTL),
		}
		p.mu.Lock()
		p.record = rec
		p.approvals = nil
		p.mu.Unlock()
		if err := saveRecord(p.cfg.SessionPath, rec); err != nil {
			p.log.Warn().Err(err).Msg("persisting session record failed")
		}
		p.log.Info().Str("topic", shortTopic(rec.Topic)).Msg("session approved")
		return nil
	}
}

// Request forwards a wallet RPC over the session topic and waits for the
// matching encrypted response.
func (p *WSProvider) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	rec := p.record
	key := p.symKey
	p.mu.Unlock()
	if !rec.valid() {
		return nil, errs.Newf(errs.KindSessionExpired, "relay.request", "no active wallet session")
	}

	if err := p.ensureConn(ctx); err != nil {
		return nil, err
	}
	if err := p.subscribe(ctx, rec.Topic); err != nil {
		return nil, err
	}

	var reqParams sessionRequestParams
	reqParams.ChainID = sessionChain(rec.Namespaces)
	reqParams.Request.Method = method
	reqParams.Request.Params = params
	rawParams, err := json.Marshal(reqParams)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "relay.request", err)
	}

	id := atomic.AddInt64(&p.nextID, 1)
	env := &sessionEnvelope{JSONRPC: "2.0", ID: id, Method: wcSessionRequest, Params: rawParams}

	ch := make(chan *sessionEnvelope, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.publishEnvelope(ctx, key, rec.Topic, env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.Classify(ctx.Err()), "relay.request", ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, errs.Newf(errs.KindNetwork, "relay.request", "relay connection lost")
		}
		if resp.Error != nil {
			return nil, &errs.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// Disconnect tears the session down: best-effort delete notice to the wallet,
// then the local record and connection go away. Idempotent.
func (p *WSProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	rec := p.record
	key := p.symKey
	conn := p.conn
	p.record = nil
	p.symKey = nil
	p.conn = nil
	p.subscribed = ""
	p.mu.Unlock()

	if rec.valid() && conn != nil {
		// The wallet should learn the session is gone, but a dead relay
		// must not block disconnecting.
		deleteCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		env := &sessionEnvelope{JSONRPC: "2.0", ID: atomic.AddInt64(&p.nextID, 1), Method: wcSessionDelete}
		if err := p.publishEnvelopeOn(deleteCtx, conn, key, rec.Topic, env); err != nil {
			p.log.Debug().Err(err).Msg("session delete notice failed")
		}
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if err := clearRecord(p.cfg.SessionPath); err != nil {
		p.log.Warn().Err(err).Msg("clearing session record failed")
	}
	return nil
}

// Namespaces returns the approved session namespaces, or "" without a
// session. Purely local.
func (p *WSProvider) Namespaces() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.record.valid() {
		return ""
	}
	return string(p.record.Namespaces)
}

// SessionAlive reports whether a locally valid session record exists.
func (p *WSProvider) SessionAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.valid()
}

// On registers a listener for a session event. The returned subscription
// removes exactly that listener.
func (p *WSProvider) On(event session.Event, fn func(session.EventPayload)) session.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[event] == nil {
		p.listeners[event] = make(map[int]func(session.EventPayload))
	}
	p.nextListener++
	id := p.nextListener
	p.listeners[event][id] = fn
	return &listenerSub{provider: p, event: event, id: id}
}

type listenerSub struct {
	provider *WSProvider
	event    session.Event
	id       int
}

func (s *listenerSub) Unsubscribe() {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	delete(s.provider.listeners[s.event], s.id)
}

// Close drops the relay connection. The session record stays; the next
// Request redials.
func (p *WSProvider) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.subscribed = ""
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (p *WSProvider) emit(event session.Event, payload session.EventPayload) {
	p.mu.Lock()
	fns := make([]func(session.EventPayload), 0, len(p.listeners[event]))
	for _, fn := range p.listeners[event] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (p *WSProvider) ensureConn(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	url := p.cfg.URL
	if p.cfg.ProjectID != "" {
		url += "?projectId=" + p.cfg.ProjectID
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errs.New(errs.KindNetwork, "relay.dial", err)
	}

	p.mu.Lock()
	if p.conn != nil {
		// Lost the race to another dialer; keep the winner.
		p.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	p.conn = conn
	p.subscribed = ""
	p.mu.Unlock()

	go p.readLoop(conn)
	return nil
}

func (p *WSProvider) subscribe(ctx context.Context, topic string) error {
	p.mu.Lock()
	already := p.subscribed == topic
	p.mu.Unlock()
	if already {
		return nil
	}
	if _, err := p.relayRequest(ctx, methodSubscribe, subscribeParams{Topic: topic}); err != nil {
		return err
	}
	p.mu.Lock()
	p.subscribed = topic
	p.mu.Unlock()
	return nil
}

// relayRequest sends one relay-level JSON-RPC request and waits for its ack.
func (p *WSProvider) relayRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "relay."+method, err)
	}
	id := atomic.AddInt64(&p.nextID, 1)
	frame := &relayMessage{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}

	ch := make(chan *relayMessage, 1)
	p.mu.Lock()
	p.acks[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.acks, id)
		p.mu.Unlock()
	}()

	if err := p.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.Classify(ctx.Err()), "relay."+method, ctx.Err())
	case ack, ok := <-ch:
		if !ok {
			return nil, errs.Newf(errs.KindNetwork, "relay."+method, "relay connection lost")
		}
		if ack.Error != nil {
			return nil, errs.New(errs.KindNetwork, "relay."+method, ack.Error)
		}
		return ack.Result, nil
	}
}

func (p *WSProvider) publishEnvelope(ctx context.Context, key []byte, topic string, env *sessionEnvelope) error {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return errs.New(errs.KindInternal, "relay.publish", err)
	}
	sealed, err := seal(key, plaintext)
	if err != nil {
		return errs.New(errs.KindInternal, "relay.publish", err)
	}
	_, err = p.relayRequest(ctx, methodPublish, publishParams{Topic: topic, Message: sealed, TTL: publishTTL, Tag: requestTag})
	return err
}

// publishEnvelopeOn writes directly to a specific connection, bypassing the
// provider state. Used during teardown, after the provider already forgot
// the connection.
func (p *WSProvider) publishEnvelopeOn(ctx context.Context, conn *websocket.Conn, key []byte, topic string, env *sessionEnvelope) error {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return err
	}
	sealed, err := seal(key, plaintext)
	if err != nil {
		return err
	}
	rawParams, err := json.Marshal(publishParams{Topic: topic, Message: sealed, TTL: publishTTL, Tag: requestTag})
	if err != nil {
		return err
	}
	frame := &relayMessage{JSONRPC: "2.0", ID: atomic.AddInt64(&p.nextID, 1), Method: methodPublish, Params: rawParams}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	return conn.WriteJSON(frame)
}

func (p *WSProvider) writeFrame(frame *relayMessage) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return errs.Newf(errs.KindNetwork, "relay.write", "no relay connection")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return errs.New(errs.KindNetwork, "relay.write", err)
	}
	return nil
}

func (p *WSProvider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.handleReadError(conn, err)
			return
		}
		var msg relayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Debug().Err(err).Msg("unreadable relay frame")
			continue
		}
		if msg.Method == methodSubscription {
			p.handleSubscription(&msg)
			continue
		}
		if msg.ID != 0 {
			p.mu.Lock()
			ch := p.acks[msg.ID]
			p.mu.Unlock()
			if ch != nil {
				ch <- &msg
			}
		}
	}
}

// handleSubscription processes one inbound encrypted message from the wallet
// peer.
func (p *WSProvider) handleSubscription(msg *relayMessage) {
	var sub subscriptionParams
	if err := json.Unmarshal(msg.Params, &sub); err != nil {
		p.log.Debug().Err(err).Msg("malformed subscription frame")
		return
	}
	// Ack the delivery so the relay stops retrying it.
	_ = p.writeFrame(&relayMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage("true")})

	p.mu.Lock()
	key := p.symKey
	p.mu.Unlock()
	if key == nil {
		return
	}
	plaintext, err := open(key, sub.Data.Message)
	if err != nil {
		p.log.Debug().Err(err).Msg("undecryptable session message")
		return
	}
	var env sessionEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		p.log.Debug().Err(err).Msg("malformed session envelope")
		return
	}

	switch env.Method {
	case "":
		// Response to one of our session requests.
		p.mu.Lock()
		ch := p.pending[env.ID]
		p.mu.Unlock()
		if ch != nil {
			ch <- &env
		}
	case wcSessionApprove:
		p.mu.Lock()
		approvals := p.approvals
		p.mu.Unlock()
		if approvals != nil {
			select {
			case approvals <- &env:
			default:
			}
		}
	case wcSessionEvent:
		p.handleSessionEvent(&env)
	case wcSessionDelete:
		p.mu.Lock()
		p.record = nil
		p.symKey = nil
		p.mu.Unlock()
		if err := clearRecord(p.cfg.SessionPath); err != nil {
			p.log.Warn().Err(err).Msg("clearing session record failed")
		}
		p.log.Info().Msg("wallet deleted the session")
		p.emit(session.EventSessionDelete, session.EventPayload{Event: session.EventSessionDelete})
	default:
		p.log.Debug().Str("method", env.Method).Msg("unhandled session method")
	}
}

func (p *WSProvider) handleSessionEvent(env *sessionEnvelope) {
	var params sessionEventParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.log.Debug().Err(err).Msg("malformed session event")
		return
	}
	switch params.Event.Name {
	case "accountsChanged":
		p.emit(session.EventAccountsChanged, session.EventPayload{
			Event:    session.EventAccountsChanged,
			Accounts: normalizeAccounts(params.Event.Data),
		})
	case "chainChanged":
		p.emit(session.EventChainChanged, session.EventPayload{
			Event:   session.EventChainChanged,
			ChainID: parseChainID(params.Event.Data),
		})
	case "disconnect":
		p.emit(session.EventDisconnect, session.EventPayload{Event: session.EventDisconnect})
	default:
		p.log.Debug().Str("event", params.Event.Name).Msg("unhandled session event")
	}
}

// handleReadError retires a dead connection: every in-flight wait is
// released with a closed channel so callers fail fast instead of hanging on
// their full timeout.
func (p *WSProvider) handleReadError(conn *websocket.Conn, err error) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.subscribed = ""
	}
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	for id, ch := range p.acks {
		close(ch)
		delete(p.acks, id)
	}
	approvals := p.approvals
	p.approvals = nil
	p.mu.Unlock()
	if approvals != nil {
		close(approvals)
	}
	_ = conn.Close()
	p.log.Debug().Err(err).Msg("relay connection closed")
}

// sessionChain picks the CAIP-2 chain reference the session was approved
// for.
func sessionChain(namespaces json.RawMessage) string {
	if chain := gjson.GetBytes(namespaces, "eip155.chains.0").String(); chain != "" {
		return chain
	}
	return "eip155:1"
}

// normalizeAccounts strips CAIP-10 prefixes, keeping bare addresses.
func normalizeAccounts(data json.RawMessage) []string {
	var accounts []string
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		account := v.String()
		if parts := strings.Split(account, ":"); len(parts) == 3 {
			account = parts[2]
		}
		accounts = append(accounts, account)
		return true
	})
	return accounts
}

// parseChainID accepts the formats wallets emit: decimal, 0x hex, or a
// CAIP-2 reference like "eip155:137".
func parseChainID(data json.RawMessage) uint64 {
	s := gjson.ParseBytes(data).String()
	s = strings.TrimPrefix(s, "eip155:")
	if strings.HasPrefix(s, "0x") {
		n, _ := strconv.ParseUint(s[2:], 16, 64)
		return n
	}
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

func shortTopic(topic string) string {
	if len(topic) > 8 {
		return topic[:8]
	}
	return topic
}

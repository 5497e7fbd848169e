package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/session"
)

const testNamespaces = `{"eip155":{"accounts":["eip155:1:0xab5801a7d398351b8be11c439e05c5b3259aec9b"],"chains":["eip155:1"],"methods":["eth_sendTransaction"]}}`

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := newSymKey()
	if err != nil {
		t.Fatalf("newSymKey() error = %v", err)
	}
	sealed, err := seal(key, []byte(`{"hello":"wallet"}`))
	if err != nil {
		t.Fatalf("seal() error = %v", err)
	}
	plaintext, err := open(key, sealed)
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	if string(plaintext) != `{"hello":"wallet"}` {
		t.Fatalf("plaintext = %q", plaintext)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	key, _ := newSymKey()
	sealed, _ := seal(key, []byte("payload"))

	otherKey, _ := newSymKey()
	if _, err := open(otherKey, sealed); err == nil {
		t.Fatal("open() with the wrong key must fail")
	}
	if _, err := open(key, "not base64!!"); err == nil {
		t.Fatal("open() with garbage input must fail")
	}
}

func TestPairingURIFormat(t *testing.T) {
	p, err := newPairing()
	if err != nil {
		t.Fatalf("newPairing() error = %v", err)
	}
	pattern := regexp.MustCompile(`^wc:[0-9a-f]{64}@2\?relay-protocol=irn&symKey=[0-9a-f]{64}$`)
	if uri := p.URI(); !pattern.MatchString(uri) {
		t.Fatalf("URI() = %q, want wc:<topic>@2?relay-protocol=irn&symKey=<hex>", uri)
	}

	q, err := newPairing()
	if err != nil {
		t.Fatalf("newPairing() error = %v", err)
	}
	if p.Topic == q.Topic {
		t.Fatal("two pairings must not share a topic")
	}
}

func TestSessionRecordPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	rec := &sessionRecord{
		Topic:      "abc123",
		SymKey:     "00ff",
		Namespaces: json.RawMessage(testNamespaces),
		Expiry:     time.Now().Add(time.Hour),
	}
	if err := saveRecord(path, rec); err != nil {
		t.Fatalf("saveRecord() error = %v", err)
	}
	loaded := loadRecord(path)
	if loaded == nil || loaded.Topic != rec.Topic || loaded.SymKey != rec.SymKey {
		t.Fatalf("loadRecord() = %+v, want the saved record", loaded)
	}

	if err := clearRecord(path); err != nil {
		t.Fatalf("clearRecord() error = %v", err)
	}
	if err := clearRecord(path); err != nil {
		t.Fatalf("second clearRecord() error = %v", err)
	}
	if loadRecord(path) != nil {
		t.Fatal("cleared record must not load")
	}
}

func TestExpiredRecordDoesNotLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	rec := &sessionRecord{Topic: "abc", SymKey: "00", Expiry: time.Now().Add(-time.Minute)}
	if err := saveRecord(path, rec); err != nil {
		t.Fatalf("saveRecord() error = %v", err)
	}
	if loadRecord(path) != nil {
		t.Fatal("expired record must not load")
	}
}

func TestCorruptRecordDoesNotLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if loadRecord(path) != nil {
		t.Fatal("corrupt record must not load")
	}
}

// fakeRelay is an in-process relay: it acks subscribe/publish frames and
// lets the test play the wallet peer by delivering sealed messages.
type fakeRelay struct {
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	onPublish func(topic, message string)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) setOnPublish(fn func(topic, message string)) {
	r.mu.Lock()
	r.onPublish = fn
	r.mu.Unlock()
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	for {
		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Method {
		case methodSubscribe:
			r.write(&relayMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`"sub-1"`)})
		case methodPublish:
			r.write(&relayMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage("true")})
			var pub publishParams
			if err := json.Unmarshal(msg.Params, &pub); err != nil {
				continue
			}
			r.mu.Lock()
			fn := r.onPublish
			r.mu.Unlock()
			if fn != nil {
				go fn(pub.Topic, pub.Message)
			}
		}
	}
}

func (r *fakeRelay) write(msg *relayMessage) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

// deliver pushes a sealed session message to the provider as an
// irn_subscription frame.
func (r *fakeRelay) deliver(topic, sealed string) {
	var sub subscriptionParams
	sub.ID = "sub-1"
	sub.Data.Topic = topic
	sub.Data.Message = sealed
	raw, _ := json.Marshal(sub)
	r.write(&relayMessage{JSONRPC: "2.0", ID: 9000, Method: methodSubscription, Params: raw})
}

func parsePairingURI(uri string) (topic string, key []byte, err error) {
	trimmed := strings.TrimPrefix(uri, "wc:")
	at := strings.Index(trimmed, "@2?")
	if at < 0 {
		return "", nil, errs.Newf(errs.KindInternal, "test", "malformed URI %q", uri)
	}
	q, err := url.ParseQuery(trimmed[at+3:])
	if err != nil {
		return "", nil, err
	}
	key, err = hex.DecodeString(q.Get("symKey"))
	return trimmed[:at], key, err
}

func sealEnvelope(t *testing.T, key []byte, env *sessionEnvelope) string {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sealed, err := seal(key, raw)
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	return sealed
}

// pairedProvider runs the full handshake against the fake relay and returns
// the established provider plus the wallet side's topic and key.
func pairedProvider(t *testing.T) (*WSProvider, *fakeRelay, string, []byte) {
	t.Helper()
	relay := newFakeRelay(t)
	p := NewWSProvider(Config{
		URL:         relay.url(),
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
	}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })

	uris := make(chan string, 1)
	sub := p.On(session.EventDisplayURI, func(e session.EventPayload) { uris <- e.URI })
	defer sub.Unsubscribe()

	enableErr := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { enableErr <- p.Enable(ctx) }()

	var topic string
	var key []byte
	select {
	case uri := <-uris:
		var err error
		topic, key, err = parsePairingURI(uri)
		if err != nil {
			t.Fatalf("parse pairing URI: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("pairing URI never emitted")
	}

	approveRaw, _ := json.Marshal(sessionApproveParams{Namespaces: json.RawMessage(testNamespaces)})
	relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{
		JSONRPC: "2.0", ID: 1, Method: wcSessionApprove, Params: approveRaw,
	}))

	if err := <-enableErr; err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return p, relay, topic, key
}

func TestEnablePairingHandshake(t *testing.T) {
	p, _, _, _ := pairedProvider(t)

	if !p.SessionAlive() {
		t.Fatal("approved session must be alive")
	}
	if ns := p.Namespaces(); !strings.Contains(ns, "0xab5801a7d398351b8be11c439e05c5b3259aec9b") {
		t.Fatalf("Namespaces() = %q, want the approved account", ns)
	}
	if loadRecord(p.cfg.SessionPath) == nil {
		t.Fatal("approved session must be persisted")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	p, relay, topic, key := pairedProvider(t)

	relay.setOnPublish(func(pubTopic, message string) {
		plaintext, err := open(key, message)
		if err != nil {
			return
		}
		var env sessionEnvelope
		if json.Unmarshal(plaintext, &env) != nil || env.Method != wcSessionRequest {
			return
		}
		var params sessionRequestParams
		if json.Unmarshal(env.Params, &params) != nil || params.Request.Method != "eth_chainId" {
			return
		}
		relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{
			JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage(`"0x1"`),
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := p.Request(ctx, "eth_chainId", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(raw) != `"0x1"` {
		t.Fatalf("result = %s, want \"0x1\"", raw)
	}
}

func TestRequestErrorCarriesWalletCode(t *testing.T) {
	p, relay, topic, key := pairedProvider(t)

	relay.setOnPublish(func(pubTopic, message string) {
		plaintext, err := open(key, message)
		if err != nil {
			return
		}
		var env sessionEnvelope
		if json.Unmarshal(plaintext, &env) != nil || env.Method != wcSessionRequest {
			return
		}
		relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{
			JSONRPC: "2.0", ID: env.ID, Error: &relayError{Code: 4001, Message: "User rejected the request"},
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.Request(ctx, "eth_sendTransaction", nil)
	if errs.Classify(err) != errs.KindUserRejected {
		t.Fatalf("Classify(err) = %v, want user_rejected (err = %v)", errs.Classify(err), err)
	}
}

func TestRequestWithoutSession(t *testing.T) {
	relay := newFakeRelay(t)
	p := NewWSProvider(Config{
		URL:         relay.url(),
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
	}, zerolog.Nop())

	_, err := p.Request(context.Background(), "eth_chainId", nil)
	if errs.KindOf(err) != errs.KindSessionExpired {
		t.Fatalf("KindOf(err) = %v, want session_expired", errs.KindOf(err))
	}
}

func TestWalletInitiatedSessionDelete(t *testing.T) {
	p, relay, topic, key := pairedProvider(t)

	deleted := make(chan struct{}, 1)
	p.On(session.EventSessionDelete, func(session.EventPayload) { deleted <- struct{}{} })

	relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{
		JSONRPC: "2.0", ID: 2, Method: wcSessionDelete,
	}))

	select {
	case <-deleted:
	case <-time.After(5 * time.Second):
		t.Fatal("session delete event never emitted")
	}
	if p.SessionAlive() {
		t.Fatal("deleted session must not be alive")
	}
	if loadRecord(p.cfg.SessionPath) != nil {
		t.Fatal("deleted session must be cleared from disk")
	}
}

func TestSessionEventsReachListeners(t *testing.T) {
	p, relay, topic, key := pairedProvider(t)

	accounts := make(chan []string, 1)
	chains := make(chan uint64, 1)
	p.On(session.EventAccountsChanged, func(e session.EventPayload) { accounts <- e.Accounts })
	p.On(session.EventChainChanged, func(e session.EventPayload) { chains <- e.ChainID })

	var evt sessionEventParams
	evt.ChainID = "eip155:1"
	evt.Event.Name = "accountsChanged"
	evt.Event.Data = json.RawMessage(`["eip155:1:0x1111111111111111111111111111111111111111"]`)
	raw, _ := json.Marshal(evt)
	relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{JSONRPC: "2.0", ID: 3, Method: wcSessionEvent, Params: raw}))

	select {
	case got := <-accounts:
		if len(got) != 1 || got[0] != "0x1111111111111111111111111111111111111111" {
			t.Fatalf("accounts = %v, want the bare address", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accountsChanged never emitted")
	}

	evt.Event.Name = "chainChanged"
	evt.Event.Data = json.RawMessage(`"eip155:137"`)
	raw, _ = json.Marshal(evt)
	relay.deliver(topic, sealEnvelope(t, key, &sessionEnvelope{JSONRPC: "2.0", ID: 4, Method: wcSessionEvent, Params: raw}))

	select {
	case got := <-chains:
		if got != 137 {
			t.Fatalf("chainID = %d, want 137", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chainChanged never emitted")
	}
}

func TestResumeFromPersistedRecord(t *testing.T) {
	p, _, _, _ := pairedProvider(t)

	resumed := NewWSProvider(Config{URL: p.cfg.URL, SessionPath: p.cfg.SessionPath}, zerolog.Nop())
	if !resumed.SessionAlive() {
		t.Fatal("a second provider over the same record must see the session")
	}
	if resumed.Namespaces() != p.Namespaces() {
		t.Fatal("resumed namespaces must match the original session")
	}
}

func TestDisconnectClearsSession(t *testing.T) {
	p, _, _, _ := pairedProvider(t)

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if p.SessionAlive() {
		t.Fatal("disconnected session must not be alive")
	}
	if loadRecord(p.cfg.SessionPath) != nil {
		t.Fatal("disconnect must clear the persisted record")
	}
	// Idempotent.
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
}

func TestParseChainIDFormats(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{`"eip155:137"`, 137},
		{`"0x89"`, 137},
		{`137`, 137},
		{`"1"`, 1},
	}
	for _, tc := range cases {
		if got := parseChainID(json.RawMessage(tc.in)); got != tc.want {
			t.Errorf("parseChainID(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

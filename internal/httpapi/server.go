// Package httpapi exposes the RPC read path and the wallet session manager
// over HTTP for the mobile shells. Surfaced errors are humanized; raw SDK
// text stays in the logs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/errs"
	"github.com/halofi/walletcore/internal/rpc"
	"github.com/halofi/walletcore/internal/session"
)

// Server wires the HTTP routes over the registry and the session manager.
type Server struct {
	registry    *rpc.Registry
	manager     *session.Manager
	monitor     *session.Monitor
	corsOrigins []string
	log         zerolog.Logger
}

// NewServer builds the API server. monitor may be nil when foreground
// tracking is not wired.
func NewServer(registry *rpc.Registry, manager *session.Manager, monitor *session.Monitor, log zerolog.Logger) *Server {
	return &Server{
		registry:    registry,
		manager:     manager,
		monitor:     monitor,
		corsOrigins: []string{"*"},
		log:         log.With().Str("component", "httpapi").Logger(),
	}
}

// SetCORSOrigins overrides the default allow-all CORS policy.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.corsOrigins = origins
	}
}

// Router returns the configured route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(newCORSMiddleware(s.corsOrigins).Handler))
	r.Use(loggingMiddleware(s.log))
	r.Use(metricsMiddleware())

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/session", s.handleSessionState).Methods(http.MethodGet)
	r.HandleFunc("/v1/session/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/switch-chain", s.handleSwitchChain).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/wake", s.handleWake).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/foreground", s.handleForeground).Methods(http.MethodPost)
	r.HandleFunc("/v1/session/background", s.handleBackground).Methods(http.MethodPost)

	r.HandleFunc("/v1/rpc/{chainID}/call", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/rpc/{chainID}/batch", s.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/rpc/{chainID}/provider", s.handleProvider).Methods(http.MethodGet)
	r.HandleFunc("/v1/rpc/{chainID}/health", s.handleChainHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.State())
}

type connectRequest struct {
	WalletID string `json:"walletId"`
}

// handleConnect starts the pairing flow and returns immediately; the shell
// polls the session state while the user approves in the wallet app. The
// handshake runs on a background context because it outlives this request.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "walletId is required")
		return
	}

	go func() {
		if err := s.manager.ConnectWallet(context.Background(), req.WalletID); err != nil {
			s.log.Warn().Err(err).Str("wallet", req.WalletID).Msg("connect attempt failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.DisconnectWallet(r.Context())
	writeJSON(w, http.StatusOK, s.manager.State())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.manager.CancelConnection(r.Context())
	writeJSON(w, http.StatusOK, s.manager.State())
}

type switchChainRequest struct {
	ChainID uint64 `json:"chainId"`
}

func (s *Server) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var req switchChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainID == 0 {
		writeError(w, http.StatusBadRequest, "chainId is required")
		return
	}
	if err := s.manager.SwitchChain(r.Context(), req.ChainID); err != nil {
		s.log.Warn().Err(err).Uint64("chain_id", req.ChainID).Msg("chain switch failed")
		msg := errs.Humanize(err)
		if errors.Is(err, session.ErrUnsupportedChain) {
			// The one rejection the caller can act on; say which chain.
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.State())
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.WakeWallet(); err != nil {
		writeError(w, http.StatusConflict, errs.Humanize(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.OnForeground(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.OnBackground()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	client, ok := s.chainClient(w, r)
	if !ok {
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	result, err := client.RawCall(r.Context(), req.Method, req.Params)
	if err != nil {
		s.log.Warn().Err(err).Str("method", req.Method).Msg("rpc call failed")
		writeError(w, statusForError(err), errs.Humanize(err))
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Result: result})
}

type batchRequest struct {
	Calls []callRequest `json:"calls"`
}

type batchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// handleBatch runs the calls concurrently and reduces failures to null in
// their slot, so one dead read never sinks a whole dashboard refresh.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	client, ok := s.chainClient(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "calls are required")
		return
	}

	results := make([]json.RawMessage, len(req.Calls))
	var wg sync.WaitGroup
	for i, call := range req.Calls {
		wg.Add(1)
		go func(i int, call callRequest) {
			defer wg.Done()
			res, err := client.RawCall(r.Context(), call.Method, call.Params)
			if err != nil {
				if !errs.Benign(err) {
					s.log.Warn().Err(err).Str("method", call.Method).Msg("batch entry failed")
				}
				return
			}
			results[i] = res
		}(i, call)
	}
	wg.Wait()
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

// handleProvider returns the endpoint a direct connection would use right
// now, for callers that need raw chain access outside the resilient path.
func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	client, ok := s.chainClient(w, r)
	if !ok {
		return
	}
	provider := client.DirectProvider()
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId": client.ChainID(),
		"url":     provider.Endpoint.URL,
	})
}

type endpointHealth struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

func (s *Server) handleChainHealth(w http.ResponseWriter, r *http.Request) {
	client, ok := s.chainClient(w, r)
	if !ok {
		return
	}
	statuses := make([]endpointHealth, 0, len(client.Endpoints()))
	for _, ep := range client.Endpoints() {
		statuses = append(statuses, endpointHealth{URL: ep.URL, Healthy: !client.Health().CircuitOpen(ep)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chainId": client.ChainID(), "endpoints": statuses})
}

func (s *Server) chainClient(w http.ResponseWriter, r *http.Request) (*rpc.Client, bool) {
	chainID, err := strconv.ParseUint(mux.Vars(r)["chainID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return nil, false
	}
	client, err := s.registry.Client(chainID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown chain")
		return nil, false
	}
	return client, true
}

func statusForError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindNetwork, errs.KindCircuitOpen:
		return http.StatusBadGateway
	case errs.KindRevert, errs.KindEmptyState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

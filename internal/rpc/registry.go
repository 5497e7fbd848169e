package rpc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/config"
)

// Registry lazily constructs and caches one Client per chain id. It replaces
// hidden global singletons: the application-lifetime context owns a Registry
// and injects it into callers.
type Registry struct {
	mu      sync.Mutex
	cfg     *config.Config
	log     zerolog.Logger
	clients map[uint64]*Client
}

// NewRegistry creates a registry over the configured chains.
func NewRegistry(cfg *config.Config, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log,
		clients: make(map[uint64]*Client),
	}
}

// Client returns the client for chainID, constructing it on first use.
func (r *Registry) Client(chainID uint64) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		return c, nil
	}

	chain, ok := r.cfg.Chain(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}
	c, err := NewClient(chainID, chain.Endpoints, r.cfg.RPC, r.log)
	if err != nil {
		return nil, err
	}
	r.clients[chainID] = c
	return c, nil
}

// ChainIDs lists the configured chain ids.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.cfg.Chains))
	for _, chain := range r.cfg.Chains {
		ids = append(ids, chain.ChainID)
	}
	return ids
}

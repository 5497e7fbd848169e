// walletcored is the wallet connectivity daemon: it serves the resilient
// RPC read path and the wallet session manager over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/halofi/walletcore/internal/config"
	"github.com/halofi/walletcore/internal/httpapi"
	"github.com/halofi/walletcore/internal/relay"
	"github.com/halofi/walletcore/internal/rpc"
	"github.com/halofi/walletcore/internal/session"
	"github.com/halofi/walletcore/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("WALLETCORE_CONFIG"), "path to config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "walletcored: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("session store init failed")
	}

	provider := relay.NewWSProvider(relay.Config{
		URL:         cfg.Session.RelayURL,
		ProjectID:   cfg.Session.ProjectID,
		SessionPath: cfg.Session.RelaySessionPath,
	}, log)
	defer provider.Close()

	registry := rpc.NewRegistry(cfg, log)
	deeplink := session.NewDeepLinker(cfg.Wallets, linkOpener{log: log}, log)

	chainIDs := make([]uint64, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		chainIDs = append(chainIDs, chain.ChainID)
	}
	manager := session.NewManager(provider, st, deeplink, cfg.Session, chainIDs, log)

	if err := manager.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("session restore failed, starting disconnected")
	}

	monCfg := session.DefaultMonitorConfig()
	monCfg.ProbeInterval = cfg.Session.ProbeInterval
	monCfg.KeepAliveInterval = cfg.Session.KeepAliveInterval
	monitor := session.NewMonitor(manager, provider, monCfg, log)
	go monitor.Run(ctx)

	api := httpapi.NewServer(registry, manager, monitor, log)
	api.SetCORSOrigins(cfg.CORSOrigins)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().Str("listen", cfg.Listen).Int("chains", len(cfg.Chains)).Msg("walletcored started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server failed")
	}
	log.Info().Msg("walletcored stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB)
	case "file":
		return store.NewFileStore(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// linkOpener surfaces wallet deep links through the log stream. Embedding
// shells provide a platform opener instead; the daemon itself has no UI to
// launch apps from.
type linkOpener struct {
	log zerolog.Logger
}

func (o linkOpener) OpenURL(link string) error {
	o.log.Info().Str("url", link).Msg("wallet link ready")
	return nil
}

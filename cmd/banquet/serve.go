package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/thebtf/banquet/internal/api"
	"github.com/thebtf/banquet/internal/auth"
	"github.com/thebtf/banquet/internal/backend"
	"github.com/thebtf/banquet/internal/config"
	"github.com/thebtf/banquet/internal/db/gorm"
	"github.com/thebtf/banquet/internal/menuresults"
	"github.com/thebtf/banquet/internal/popup"
	"github.com/thebtf/banquet/internal/sse"
	"github.com/thebtf/banquet/internal/telemetry"
	"github.com/thebtf/banquet/internal/watcher"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg := config.Get()
	setupLogging(cfg.LogLevel)
	return cfg
}

func openStore(cfg *config.Config) (*gorm.Store, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	return gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: level,
	})
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sealer, err := backend.NewSealer(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("token sealer: %w", err)
	}
	if !sealer.Enabled() {
		log.Warn().Msg("BANQUET_TOKEN_KEY not set, API tokens are stored unsealed")
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	svc := backend.New(store, sealer, backend.OAuthConfig{
		AuthorizeURL: cfg.AuthorizeURL,
		ClientID:     cfg.OAuthClientID,
		RedirectURL:  cfg.RedirectURL,
		Scope:        cfg.OAuthScope,
	}, backend.WithPriceRecorder(metrics))

	broadcaster := sse.NewBroadcaster()
	popups := popup.NewRegistry(broadcaster, cfg.HeartbeatGrace)

	hcfg := auth.DefaultConfig()
	hcfg.PollInterval = cfg.PollInterval
	hcfg.Timeout = cfg.AuthTimeout
	hcfg.CloseGrace = cfg.CloseGrace
	handshake := auth.NewHandshake(svc, popups, broadcaster,
		auth.NewOriginPolicy(cfg.AllowedOrigins), hcfg, auth.WithRecorder(metrics))
	defer handshake.Teardown()

	editor := menuresults.NewEditor(menuresults.Parser{BookingURLPattern: cfg.BookingURLPattern}, svc, broadcaster)

	server := api.NewServer(api.Deps{
		Handshake:   handshake,
		Editor:      editor,
		Popups:      popups,
		Broadcaster: broadcaster,
		Searcher:    svc,
		Metrics:     metrics,
		Version:     Version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", Version).Msg("Starting banquet")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		handshake.Teardown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	settingsPath := config.SettingsPath()
	w, err := watcher.New(settingsPath, func() {
		reloaded, err := config.Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to reload settings")
			return
		}
		setupLogging(reloaded.LogLevel)
		handshake.SetOriginPolicy(auth.NewOriginPolicy(reloaded.AllowedOrigins))
		log.Info().Strs("origins", reloaded.AllowedOrigins).Msg("Settings reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				log.Warn().Err(err).Str("path", settingsPath).Msg("Settings watcher stopped")
			}
			return nil
		})
	}

	// The connection routes stay closed until the stored state is known.
	g.Go(func() error {
		if err := handshake.Init(gctx); err != nil {
			log.Error().Err(err).Msg("Failed to load connection status")
		}
		server.SetReady(true)
		log.Info().Str("state", handshake.Snapshot().State.String()).Msg("Service ready")
		return nil
	})

	return g.Wait()
}

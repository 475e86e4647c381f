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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"waveminer/internal/config"
	"waveminer/internal/domain"
	"waveminer/internal/events"
	apphttp "waveminer/internal/http"
	"waveminer/internal/integrations/alerts"
	"waveminer/internal/journal"
	journalmem "waveminer/internal/journal/memory"
	journalpg "waveminer/internal/journal/postgres"
	"waveminer/internal/runtime"
	"waveminer/internal/security/secretbox"
	"waveminer/internal/service/auth"
	"waveminer/internal/service/mining"
	"waveminer/internal/service/spatial"
	"waveminer/internal/service/transit"
	storepkg "waveminer/internal/store"
	"waveminer/internal/store/gateway"
	storemem "waveminer/internal/store/memory"
)

func main() {
	root := &cobra.Command{
		Use:   "waveminer",
		Short: "Mining session client for frequency-based resource extraction",
	}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var offline bool
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the miner loop and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), offline, listen)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "use the built-in memory store instead of the gateway")
	cmd.Flags().StringVar(&listen, "listen", "", "ops API listen address (overrides LISTEN_ADDR)")
	return cmd
}

func run(ctx context.Context, offline bool, listen string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Warn("failed to load .env", zap.Error(err))
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if offline {
		cfg.StoreMode = "memory"
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, actor, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer remote.Close()
	log.Info("store connected", zap.String("mode", cfg.StoreMode), zap.String("actor", string(actor)))

	jour := openJournal(log, cfg)

	bus := events.NewBus()
	defer bus.Close()

	index := spatial.NewIndex(log)
	query := spatial.NewQuery(index, cfg.MaxMiningRange)
	inventory := domain.NewInventory(cfg.InventoryCapacity)

	tracker := transit.NewTracker(log, bus, remote, index, cfg.PacketPoolSize)
	ctrl := mining.NewController(log, bus, remote, query, inventory, tracker, actor, mining.Config{
		ExtractionInterval: cfg.ExtractionInterval,
		RetargetThreshold:  cfg.RetargetThreshold,
		RetargetDelay:      cfg.RetargetDelay,
	})
	tracker.SetCaptureSink(ctrl)

	if cfg.AlertWebhookURL != "" {
		notifier := alerts.NewNotifier(cfg.AlertWebhookURL, log)
		notifier.Attach(bus)
		defer notifier.Detach()
	}

	loop := runtime.NewLoop(log, remote, ctrl, tracker, index, jour, cfg.TickInterval)

	srv := apphttp.NewServer(cfg, loop, inventory, jour)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Info("ops API listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-loopErr:
	case err = <-httpErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("graceful shutdown failed", zap.Error(shutdownErr))
	}
	return err
}

// openStore dials the configured backend. Gateway mode performs the login
// handshake first, reusing a cached token when one is still valid.
func openStore(ctx context.Context, log *zap.Logger, cfg config.Config) (storepkg.RemoteStore, domain.Identity, error) {
	if cfg.StoreMode != "gateway" {
		st := storemem.NewStore(log, "local-miner")
		st.SetInventoryCapacity(cfg.InventoryCapacity)
		seedLocalSources(st)
		return st, "local-miner", nil
	}

	session, err := gatewaySession(ctx, log, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("gateway login: %w", err)
	}
	client, err := gateway.Dial(ctx, log, cfg.GatewayURL, session.Token)
	if err != nil {
		return nil, "", fmt.Errorf("dial gateway: %w", err)
	}
	return client, session.Actor, nil
}

func gatewaySession(ctx context.Context, log *zap.Logger, cfg config.Config) (auth.Session, error) {
	var cache *auth.TokenCache
	if cfg.TokenEncryptionKey != "" {
		box, err := secretbox.New(cfg.TokenEncryptionKey)
		if err != nil {
			return auth.Session{}, fmt.Errorf("token encryption key: %w", err)
		}
		cache = auth.NewTokenCache(cfg.TokenCachePath, box)
		if session, ok := cache.Load(); ok && !session.Expired() {
			log.Info("reusing cached gateway token")
			return session, nil
		}
	}

	client := &auth.Client{LoginURL: cfg.GatewayURL + "/v1/auth/login"}
	session, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return auth.Session{}, err
	}
	if cache != nil {
		if err := cache.Save(session); err != nil {
			log.Warn("failed to cache gateway token", zap.Error(err))
		}
	}
	return session, nil
}

func openJournal(log *zap.Logger, cfg config.Config) journal.Journal {
	if cfg.JournalMode == "postgres" && cfg.DatabaseURL != "" {
		pg, err := journalpg.NewJournal(cfg.DatabaseURL)
		if err == nil {
			return pg
		}
		log.Warn("postgres journal unavailable, falling back to memory", zap.Error(err))
	}
	return journalmem.NewJournal(0)
}

// seedLocalSources gives memory mode something to mine against.
func seedLocalSources(st *storemem.Store) {
	st.AddSource(domain.ResourceSource{
		SourceID:       1,
		Position:       domain.Vec3{X: 10, Y: 0, Z: 5},
		TotalRemaining: 40,
		Composition: []domain.FrequencyCount{
			{Frequency: 0.0, Count: 25},
			{Frequency: 2.094, Count: 15},
		},
	})
	st.AddSource(domain.ResourceSource{
		SourceID:       2,
		Position:       domain.Vec3{X: -8, Y: 0, Z: 12},
		TotalRemaining: 30,
		Composition: []domain.FrequencyCount{
			{Frequency: 0.0, Count: 30},
		},
	})
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/siteprobe/siteprobe/internal/api"
	"github.com/siteprobe/siteprobe/internal/cache"
	"github.com/siteprobe/siteprobe/internal/config"
	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/executor"
	"github.com/siteprobe/siteprobe/internal/logging"
	"github.com/siteprobe/siteprobe/internal/orchestrator"
	"github.com/siteprobe/siteprobe/internal/quota"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/status"
	"github.com/siteprobe/siteprobe/internal/store"
	"github.com/siteprobe/siteprobe/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "siteprobe",
	Short:   "siteprobe - SEO scan orchestration server",
	Long:    `siteprobe runs SEO analysis services against submitted URLs, with per-plan quotas, result caching, and polling APIs`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("siteprobe %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired cache entries and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "siteprobe"})
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := store.New(cfg.DataPath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, err := st.SweepExpiredCache(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired cache entries\n", removed)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "siteprobe",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "siteprobe",
	})

	log.Info().Str("version", Version).Msg("Starting siteprobe scan server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Str("dataPath", cfg.DataPath).Msg("Failed to open store")
	}
	defer st.Close()

	sink := events.New(st, log.Logger, cfg.Environment)
	defer sink.Close()

	scanCache := cache.New(st)
	go scanCache.RunSweeper(ctx, cfg.CacheSweepInterval)

	registry := services.NewRegistry()
	services.RegisterBuiltins(registry, services.NewHTTPClient())

	exec := executor.New(st, registry, sink, cfg)

	wsHub := websocket.NewHub()
	notifier := &hubNotifier{store: st, hub: wsHub}

	enforcer := quota.New(st)
	orch := orchestrator.New(st, scanCache, exec, sink, cfg, notifier)

	router := api.NewRouter(cfg, st, scanCache, enforcer, orch, sink, wsHub)
	api.Version = Version

	// ReadHeaderTimeout rather than ReadTimeout so WebSocket connections
	// are not cut off after upgrade.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.ListenHost).
			Int("port", cfg.ListenPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	wsHub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Shutdown complete")
}

// hubNotifier projects the scan on every persisted change and pushes the
// result to subscribed websocket clients.
type hubNotifier struct {
	store *store.Store
	hub   *websocket.Hub
}

func (n *hubNotifier) ScanUpdated(scanID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bundle, err := n.store.LoadScanBundle(ctx, scanID)
	if err != nil {
		log.Warn().Err(err).Str("scanId", scanID).Msg("Failed to load scan for broadcast")
		return
	}
	n.hub.BroadcastScanUpdate(scanID, status.Project(bundle, bundle.Scan.Cached))
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/troparcel/sync/pkg/api"
	"github.com/troparcel/sync/pkg/config"
	"github.com/troparcel/sync/pkg/events"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/relay"
	"github.com/troparcel/sync/pkg/relaystore"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "troparcel-relay",
	Short:   "troparcel relay — a WebSocket broker for peer-to-peer annotation sync",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("troparcel-relay version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRelayConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("relay-main")
	logger.Info().
		Int("port", cfg.Port).
		Str("persistenceDir", cfg.PersistenceDir).
		Int("maxRooms", cfg.MaxRooms).
		Msg("starting troparcel relay")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents([]string{"relaystore"})

	store, err := relaystore.Open(cfg.PersistenceDir)
	if err != nil {
		metrics.RegisterComponent("relaystore", false, err.Error())
		return fmt.Errorf("open relay store: %w", err)
	}
	metrics.RegisterComponent("relaystore", true, "")
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	registry := relay.NewRegistry(store, broker, cfg.MaxRooms, relay.DefaultIdleGrace)
	auth := relay.NewAuthenticator(cfg.AuthTokens, cfg.MinTokenLength)
	limiter := relay.NewConnLimiter(cfg.MaxConnsPerIP)

	stop := make(chan struct{})
	defer close(stop)
	go registry.RunIdleGC(relay.DefaultIdleGrace, stop)
	go registry.RunCompactionLoop(cfg.CompactionEvery, cfg.TombstoneMaxAge, stop)

	apiServer := api.NewServer(api.Config{
		Registry:        registry,
		Auth:            auth,
		Limiter:         limiter,
		Broker:          broker,
		MonitorToken:    cfg.MonitorToken,
		TombstoneMaxAge: cfg.TombstoneMaxAge,
	})

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("relay server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info().Msg("relay stopped")
	return nil
}

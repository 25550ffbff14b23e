package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/troparcel/sync/pkg/backup"
	"github.com/troparcel/sync/pkg/config"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/security"
	"github.com/troparcel/sync/pkg/storeadapter/memadapter"
	"github.com/troparcel/sync/pkg/syncengine"
	"github.com/troparcel/sync/pkg/transport"
	transfile "github.com/troparcel/sync/pkg/transport/file"
	"github.com/troparcel/sync/pkg/transport/snapshot"
	"github.com/troparcel/sync/pkg/transport/ws"
	"github.com/troparcel/sync/pkg/vault"
)

// This binary is a reference peer: it drives pkg/syncengine against an
// in-memory storeadapter (pkg/storeadapter/memadapter) so the engine, the
// vault and a real transport can be exercised end to end without a host
// application — the actual host integration is out of scope (§1).

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
	Use:     "troparcel-peer",
	Short:   "troparcel peer — reference driver for the sync engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("troparcel-peer version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a room and run the sync engine until interrupted",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("conn", "", "troparcel:// connection string")
	runCmd.Flags().String("user", "", "local user ID (required)")
	runCmd.Flags().String("room", "", "room name override")
	runCmd.Flags().String("token", "", "room token override")
	runCmd.Flags().String("vault-key", "", "passphrase for vault encryption-at-rest (optional)")
	runCmd.Flags().Int("max-backups", backup.DefaultMaxBackups, "max rotated backup snapshots to keep")
	runCmd.MarkFlagRequired("user")
}

func runRun(cmd *cobra.Command, args []string) error {
	connStr, _ := cmd.Flags().GetString("conn")
	userID, _ := cmd.Flags().GetString("user")
	roomOverride, _ := cmd.Flags().GetString("room")
	tokenOverride, _ := cmd.Flags().GetString("token")
	vaultKey, _ := cmd.Flags().GetString("vault-key")
	maxBackups, _ := cmd.Flags().GetInt("max-backups")

	parsed, err := config.PeerConfig{
		ConnString: connStr,
		Room:       roomOverride,
		Token:      tokenOverride,
	}.Resolve()
	if err != nil {
		return fmt.Errorf("resolve connection: %w", err)
	}

	logger := log.WithRoom(parsed.Room)
	logger.Info().Str("transport", string(parsed.Transport)).Str("user", userID).Msg("starting troparcel peer")

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	vaultPath := filepath.Join(home, ".troparcel", "vault", fmt.Sprintf("%s_%s.json", parsed.Room, userID))
	backupDir := filepath.Join(home, ".troparcel", "backups", parsed.Room)
	if err := os.MkdirAll(filepath.Dir(vaultPath), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	var sm *security.SecretsManager
	if vaultKey != "" {
		sm, err = security.NewSecretsManagerFromPassword(vaultKey)
		if err != nil {
			return fmt.Errorf("derive vault key: %w", err)
		}
	}

	v, err := vault.Load(vaultPath, sm)
	if err != nil {
		return fmt.Errorf("load vault: %w", err)
	}

	adapter := memadapter.New()
	journal := backup.NewJournal(backupDir, maxBackups)
	validator := backup.NewValidator(backup.Validator{})

	transportAdapter, err := buildTransport(*parsed)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	engine, err := syncengine.New(syncengine.Config{
		UserID:    userID,
		Room:      parsed.Room,
		Adapter:   adapter,
		Transport: transportAdapter,
		Vault:     v,
		Journal:   journal,
		Validator: validator,
		OnStatus: func(s syncengine.Status) {
			logger.Info().Str("status", s.String()).Msg("status")
		},
		OnNotify: func(n syncengine.Notification) {
			logger.Info().Str("kind", n.Kind.String()).Str("key", n.Key).Msg(n.Message)
		},
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

func buildTransport(parsed config.Parsed) (transport.Adapter, error) {
	switch parsed.Transport {
	case config.TransportWS, config.TransportWSS:
		scheme := "ws"
		if parsed.Transport == config.TransportWSS {
			scheme = "wss"
		}
		url := fmt.Sprintf("%s://%s/%s", scheme, parsed.Target, parsed.Room)
		return ws.New(ws.Config{URL: url, Token: parsed.Token}), nil
	case config.TransportFile:
		return transfile.New(transfile.Config{Dir: parsed.Target, PollInterval: transfile.DefaultPollInterval}), nil
	case config.TransportSnapshot:
		return snapshot.New(snapshot.Config{
			URL:          parsed.Target,
			BearerToken:  parsed.Token,
			PollInterval: snapshot.DefaultPollInterval,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", parsed.Transport)
	}
}

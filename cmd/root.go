package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/doorsight/internal/config"
	"github.com/andresmejia3/doorsight/internal/registry"
)

var (
	// Registry is the person registry shared by subcommands
	Registry registry.Store
	// Cfg is the loaded configuration
	Cfg *config.Config

	envFile string
	dbURL   string
	port    int
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "doorsight",
	Short:         "Visitor recognition for a talking doorbell",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		// Flags win over the environment
		if dbURL != "" {
			cfg.Registry.Driver = "postgres"
			cfg.Registry.URL = dbURL
		}
		if port != 0 {
			cfg.Server.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		Cfg = cfg

		slog.SetDefault(newLogger(cfg.Log))

		// Use the command's context (which will be cancellable) for the connection
		Registry, err = registry.NewStore(cmd.Context(), cfg.Registry.Driver, cfg.Registry.DSN())
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Registry != nil {
			if err := Registry.Close(); err != nil {
				slog.Warn("closing registry", "error", err)
			}
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "config", "", "Path to a .env file (default: ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string; selects the postgres registry")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP port for serve (overrides SERVER_PORT)")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

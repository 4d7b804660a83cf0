package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceshield/internal/config"
	"github.com/andresmejia3/faceshield/internal/logger"
	"github.com/andresmejia3/faceshield/internal/store"
)

var (
	// DB is the result store shared by subcommands
	DB store.Backend
	// cfg is the merged configuration (defaults, file, env, flags)
	cfg *config.Config

	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "faceshield",
	Short:   "Concurrent face detection for video masking",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log); err != nil {
			return err
		}

		dbURL := cfg.DB.ResolveURL()
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		log.WithField("db", redactURL(dbURL)).Debug("Result store ready")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db", "", "Result store URL: postgres://..., sqlite://path or memory:// (default: POSTGRES_* env, then sqlite://faceshield.db)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}

// redactURL hides the password of a database URL before it is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

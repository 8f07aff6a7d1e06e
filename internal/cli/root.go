package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/npasecink/chatling/internal/config"
	"github.com/npasecink/chatling/internal/store"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatling",
	Short: "Chatling - a browser-driven AI task processor",
	Long: `Chatling processes a file-backed task queue by driving a web-based AI chat
UI through an already-running, DevTools-enabled browser.

The run command is the processing loop; the remaining commands inspect and
manage the queue.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the CHATLING_* environment (and .env) configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the task store for the inspection commands.
func openStore(cfg *config.Config) (*store.Store, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	return store.New(cfg.QueueDir, store.WithLogger(logger), store.WithHeartbeat(cfg.CacheTTL))
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

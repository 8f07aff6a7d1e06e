package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/npasecink/chatling/internal/browser"
	"github.com/npasecink/chatling/internal/engine"
	"github.com/npasecink/chatling/internal/lock"
	"github.com/npasecink/chatling/internal/rules"
	"github.com/npasecink/chatling/internal/scheduler"
	"github.com/npasecink/chatling/internal/store"
	"github.com/npasecink/chatling/internal/telemetry"
	"github.com/npasecink/chatling/internal/timeout"
	"github.com/npasecink/chatling/internal/vocab"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the processing loop",
	Long: `Run starts the engine loop: recover zombie tasks, pick the next eligible
task, drive the browser through the exchange, and persist the outcome. The
loop stops on SIGINT/SIGTERM after finishing the task in flight.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		otelShutdown, err := telemetry.SetupOTelSDK(ctx)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry shutdown error: %v\n", err)
			}
		}()

		counters, err := telemetry.NewCounters()
		if err != nil {
			return fmt.Errorf("create counters: %w", err)
		}

		s, err := store.New(cfg.QueueDir,
			store.WithLogger(telemetry.Logger("store")),
			store.WithHeartbeat(cfg.CacheTTL))
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		defer s.Close()

		locks, err := lock.NewManager(cfg.QueueDir, telemetry.Logger("lock"))
		if err != nil {
			return fmt.Errorf("open lock manager: %w", err)
		}

		watch := rules.NewWatcher(cfg.RulesFile, time.Second, telemetry.Logger("rules"))
		if err := watch.Start(); err != nil {
			return fmt.Errorf("start rules watcher: %w", err)
		}
		defer watch.Stop()

		var est timeout.Estimator
		if cfg.AdaptiveTimeouts {
			est = timeout.NewWindow(30*time.Second, 5*time.Second, cfg.MaxWait)
		} else {
			est = timeout.Fixed{Timeout: 30 * time.Second}
		}

		conns := browser.New(browser.Config{
			Host:           cfg.BrowserHost,
			Ports:          cfg.BrowserPorts,
			AllowedDomains: cfg.AllowedDomains,
			Selection:      browser.SelectionPolicy(cfg.PageSelection),
			BackoffBase:    cfg.BackoffBase,
			BackoffMax:     cfg.BackoffMax,
		}, telemetry.Logger("browser"))

		exchanger := engine.NewPageExchanger(engine.ExchangeConfig{
			PollInterval:       cfg.PollInterval,
			StableCycles:       cfg.StableCycles,
			MaxWait:            cfg.MaxWait,
			ContinuationRounds: cfg.ContinuationRounds,
		}, watch, vocab.NewDictionary(), est, telemetry.Logger("exchange"))

		eng := engine.New(engine.Config{
			OutputDir:         cfg.OutputDir,
			ControlFile:       cfg.ControlFile,
			IdleSleep:         cfg.IdleSleep,
			RateLimitCooldown: cfg.RateLimitCooldown,
		}, s, scheduler.New(s, cfg.RecoveryThreshold, telemetry.Logger("scheduler")),
			locks, conns, exchanger, counters, telemetry.Logger("engine"))

		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gridwell/gridsync/internal/breaker"
	"github.com/gridwell/gridsync/internal/clock"
	"github.com/gridwell/gridsync/internal/config"
	"github.com/gridwell/gridsync/internal/logging"
	"github.com/gridwell/gridsync/internal/netstrategy"
	"github.com/gridwell/gridsync/internal/orchestrator"
	"github.com/gridwell/gridsync/internal/queue"
	"github.com/gridwell/gridsync/internal/remote"
	"github.com/gridwell/gridsync/internal/store"
	"github.com/gridwell/gridsync/internal/syncstate"
	"github.com/gridwell/gridsync/internal/tombstone"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sync worker (foreground)",
	Long: `Start the sync worker in foreground mode.

The worker:
  1. Drains the durable mutation queue to the remote store
  2. Subscribes to the remote change feed (or polls as fallback)
  3. Pulls remote changes via clock-skew-aware delta sync
  4. Reconciles the local tombstone mirror

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.ProjectID == "" {
			fmt.Fprintf(os.Stderr, "Error: no project configured (set project_id or pass --project)\n")
			os.Exit(1)
		}
		if cfg.Remote.URL == "" {
			fmt.Fprintf(os.Stderr, "Error: no remote URL configured (set remote.url)\n")
			os.Exit(1)
		}

		log := logging.New(cfg.Log)

		orch, db, err := buildOrchestrator(cfg, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		watcher, err := config.NewWatcher(configPath)
		if err == nil && watcher.Start() == nil {
			defer watcher.Stop()
			go watchConfig(ctx, watcher, log)
		}

		fmt.Printf("Starting sync worker for project %s\n", cfg.ProjectID)
		fmt.Printf("  Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("  Local db: %s\n", cfg.DBPath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := orch.Run(ctx, cfg.ProjectID); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Worker stopped with error: %v\n", err)
			os.Exit(1)
		}
		orch.Close()
	},
}

// buildOrchestrator wires the full engine from config. The returned DB
// must be closed by the caller after the orchestrator shuts down.
func buildOrchestrator(cfg *config.Config, log zerolog.Logger) (*orchestrator.Orchestrator, *store.DB, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	remoteStore := remote.NewHTTPStore(cfg.Remote.URL, cfg.Remote.Token, nil)

	queueCfg := queue.DefaultConfig()
	queueCfg.MaxSize = cfg.Queue.MaxSize
	queueCfg.MaxRetries = cfg.Queue.MaxRetries
	queueCfg.MaxAge = cfg.Queue.MaxAge
	queueCfg.PersistTimeout = cfg.Queue.PersistTimeout
	q, err := queue.New(db, queueCfg, log)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load mutation queue: %w", err)
	}

	clockCfg := clock.DefaultConfig()
	clockCfg.WarnThreshold = cfg.Clock.WarnThreshold
	clockCfg.ErrorThreshold = cfg.Clock.ErrorThreshold
	clockCfg.MaxReliableRTT = cfg.Clock.MaxReliableRTT
	clockCfg.StaleAfter = cfg.Clock.StaleAfter

	tombCfg := tombstone.DefaultConfig()
	tombCfg.CacheTTL = cfg.Sync.TombstoneCacheTTL

	strategyCfg := netstrategy.DefaultConfig()
	strategyCfg.ActivePoll = cfg.Sync.ActivePoll
	strategyCfg.IdlePoll = cfg.Sync.IdlePoll

	var notifier remote.ChangeNotifier
	if cfg.Remote.Realtime {
		notifier = remote.NewWSNotifier(cfg.Remote.URL, log)
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SafetyWindow = cfg.Sync.SafetyWindow
	orchCfg.MicroDelay = cfg.Sync.MicroDelay
	orchCfg.MaxConcurrentCalls = cfg.Sync.MaxConcurrentCalls
	orchCfg.CursorStrategy = orchestrator.CursorStrategy(cfg.Sync.CursorStrategy)
	orchCfg.RealtimeEnabled = cfg.Remote.Realtime

	orch, err := orchestrator.New(orchestrator.Deps{
		Remote:     remoteStore,
		Notifier:   notifier,
		Queue:      q,
		Tombstones: tombstone.New(db, remoteStore, tombCfg, log),
		Clock:      clock.New(remoteStore, clockCfg, log),
		Breakers:   breaker.NewSet(cfg.Breaker.Threshold, cfg.Breaker.Recovery),
		Strategy:   netstrategy.New(strategyCfg, log),
		State:      syncstate.NewTracker(),
		Cursors:    db,
	}, orchCfg, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return orch, db, nil
}

// watchConfig applies hot-reloadable settings. Only the log level takes
// effect live; anything else logs a restart reminder.
func watchConfig(ctx context.Context, w *config.Watcher, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Updates():
			if !ok {
				return
			}
			if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && level != zerolog.NoLevel {
				zerolog.SetGlobalLevel(level)
				log.Info().Str("level", level.String()).Msg("log level updated from config")
			}
			log.Warn().Msg("config file changed; other settings apply on restart")
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config reload failed")
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// sessiond runs the session execution engine and its HTTP control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/api"
	"github.com/ebibibi/claude-discord/internal/common/config"
	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/engine"
	"github.com/ebibibi/claude-discord/internal/events/bus"
	"github.com/ebibibi/claude-discord/internal/lounge"
	"github.com/ebibibi/claude-discord/internal/resume"
	"github.com/ebibibi/claude-discord/internal/session"
	"github.com/ebibibi/claude-discord/internal/storage"
	"github.com/ebibibi/claude-discord/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting session engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the embedded store
	store, err := storage.Open(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	// 4. Event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Worktree isolation
	var worktreeMgr *worktree.Manager
	if cfg.Worktree.Enabled {
		worktreeMgr, err = worktree.NewManager(worktree.Config{
			Enabled:      cfg.Worktree.Enabled,
			BasePath:     cfg.Worktree.BasePath,
			BranchPrefix: cfg.Worktree.BranchPrefix,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize worktree manager", zap.Error(err))
		}
		log.Info("Worktree isolation enabled", zap.String("repo", cfg.Worktree.RepoPath))
	}

	// 6. Assemble the engine
	registry := session.NewRegistry(cfg.Agent.MaxConcurrent, log)
	ledger := resume.NewLedger(store, cfg.Resume.TTL(), log)
	loungeSvc := lounge.NewService(store, eventBus, cfg.Lounge.MaxStored, log)

	eng := engine.New(cfg, engine.Deps{
		Registry:  registry,
		Worktrees: worktreeMgr,
		Store:     store,
		Ledger:    ledger,
		Lounge:    loungeSvc,
		Bus:       eventBus,
	}, log)

	// 7. Reconcile leftovers from the previous lifetime
	eng.StartupSweep(ctx)
	if resumed := eng.ResumePending(ctx); resumed > 0 {
		log.Info("Relaunched marked sessions", zap.Int("count", resumed))
	}

	// 8. Start the control plane
	server := api.NewServer(cfg, eng, loungeSvc, eventBus, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Control plane failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session engine...")

	// 10. Stop accepting requests, then drain sessions with resume marks
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Control plane shutdown error", zap.Error(err))
	}
	eng.Shutdown(shutdownCtx, storage.ReasonShutdown)
	cancel()

	log.Info("Session engine stopped")
}

// Package main is the entry point for the headspace daemon. It observes a
// population of coding-agent sessions through hooks, transcript tails,
// terminal scans, and process probes, and serves the derived timeline over
// HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/samotage/claude-headspace/internal/api"
	"github.com/samotage/claude-headspace/internal/broadcast"
	"github.com/samotage/claude-headspace/internal/card"
	"github.com/samotage/claude-headspace/internal/common/config"
	"github.com/samotage/claude-headspace/internal/common/httpmw"
	"github.com/samotage/claude-headspace/internal/common/logger"
	"github.com/samotage/claude-headspace/internal/common/tracing"
	"github.com/samotage/claude-headspace/internal/correlator"
	"github.com/samotage/claude-headspace/internal/db"
	"github.com/samotage/claude-headspace/internal/events"
	gateway "github.com/samotage/claude-headspace/internal/gateway/websocket"
	"github.com/samotage/claude-headspace/internal/hookstate"
	"github.com/samotage/claude-headspace/internal/ingest"
	"github.com/samotage/claude-headspace/internal/intent"
	"github.com/samotage/claude-headspace/internal/lifecycle"
	"github.com/samotage/claude-headspace/internal/lockmgr"
	"github.com/samotage/claude-headspace/internal/notify"
	"github.com/samotage/claude-headspace/internal/priority"
	"github.com/samotage/claude-headspace/internal/reaper"
	"github.com/samotage/claude-headspace/internal/summarize"
	"github.com/samotage/claude-headspace/internal/terminal"
	timelinesqlite "github.com/samotage/claude-headspace/internal/timeline/repository/sqlite"
	"github.com/samotage/claude-headspace/internal/transcript"
	"github.com/samotage/claude-headspace/internal/watchdog"
)

// priorityScoreInterval rate-limits per-agent re-scoring after commits.
const priorityScoreInterval = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting headspace daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the timeline store
	var pool *db.Pool
	if cfg.Database.UsePostgres() {
		pool, err = db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to open postgres pool", zap.Error(err))
		}
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.Database.Host))
	} else {
		path := expandHome(cfg.Database.Path)
		pool, err = db.OpenSQLitePool(path)
		if err != nil {
			log.Fatal("Failed to open sqlite pool", zap.Error(err))
		}
		log.Info("SQLite database opened", zap.String("path", path))
	}
	defer pool.Close()

	store, err := timelinesqlite.NewWithPool(pool)
	if err != nil {
		log.Fatal("Failed to initialize timeline store", zap.Error(err))
	}

	// 4. Per-agent advisory locks. Postgres deployments share locks across
	// processes through pg_advisory_lock on dedicated connections; the
	// single-process SQLite mode keeps them in memory.
	var locks lockmgr.Manager
	if cfg.Database.UsePostgres() {
		locks = lockmgr.NewPostgresManager(pool.Writer().DB, cfg.Locks.AcquireTimeoutDuration(), log)
	} else {
		locks = lockmgr.NewMemoryManager(cfg.Locks.AcquireTimeoutDuration())
	}

	// 5. Event bus (in-memory, or NATS when configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 6. Core pipeline components
	questionTools, err := intent.LoadRegistry(cfg.Intent.QuestionTools, cfg.Intent.RegistryPath)
	if err != nil {
		log.Fatal("Failed to load question-tool registry", zap.Error(err))
	}
	detector := intent.NewDetector(questionTools)

	hooks := hookstate.New()
	lifecycleMgr := lifecycle.NewManager(detector, log)
	sessionCorrelator := correlator.New(store, cfg.Correlator.CacheTTLDuration(), log)

	broadcaster := broadcast.New(
		cfg.Broadcaster.MaxSubscribers,
		cfg.Broadcaster.QueueSize,
		cfg.Broadcaster.IdleTimeoutDuration(),
		cfg.Broadcaster.SweepIntervalDuration(),
		log,
	)

	notifier := notify.NewLogNotifier(log)
	summarizer := summarize.NewWorker(store, &summarize.TruncatingClient{}, notifier, log)
	scorer := priority.New(store, priorityScoreInterval, log)

	sink := terminal.NewTmuxSink()
	probe := terminal.NewPSProbe()

	reconciler := transcript.NewReconciler(
		store, locks, hooks, lifecycleMgr, summarizer, broadcaster,
		cfg.Transcript.DedupWindowDuration(), cfg.Transcript.ConsultLegacyHash, log,
	)

	ingestor := ingest.New(ingest.Config{
		Store:          store,
		Locks:          locks,
		Hooks:          hooks,
		Lifecycle:      lifecycleMgr,
		Correlator:     sessionCorrelator,
		Detector:       detector,
		Reconciler:     reconciler,
		Summarizer:     summarizer,
		Broadcaster:    broadcaster,
		Notifier:       notifier,
		Scorer:         scorer,
		Sink:           sink,
		Logger:         log,
		DeferredDelays: cfg.DeferredStop.Delays(),
		StaleAwaiting:  cfg.Intent.StaleAwaitingDuration(),
	})

	paneWatchdog := watchdog.New(
		store, sink, reconciler,
		cfg.Watchdog.PollDuration(),
		cfg.Watchdog.GapDuration(),
		cfg.Watchdog.TurnWindowDuration(),
		cfg.Watchdog.CaptureLines,
		log,
	)

	agentReaper := reaper.New(
		store, locks, lifecycleMgr, detector, sink, probe, summarizer, broadcaster,
		cfg.Reaper.IntervalDuration(),
		cfg.Reaper.InactivityDuration(),
		cfg.Reaper.GraceDuration(),
		log,
	)

	bridge := events.NewBridge(broadcaster, providedBus.Bus, ingestor, log)

	// 7. HTTP + WebSocket surface
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "headspace"))
	router.Use(httpmw.OtelTracing("headspace"))

	projector := card.NewProjector(store, cfg.Card.StalenessDuration())
	api.RegisterRoutes(router, api.NewHandlers(ingestor, store, projector, locks, log))

	hub := gateway.NewHub(log)
	wsHandler := gateway.NewHandler(hub, broadcaster, log)
	router.GET("/ws", wsHandler.HandleConnection)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 8. Background actors
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { broadcaster.Run(groupCtx); return nil })
	group.Go(func() error { summarizer.Run(groupCtx); return nil })
	group.Go(func() error { hub.Run(groupCtx); return nil })
	group.Go(func() error { bridge.Run(groupCtx); return nil })
	group.Go(func() error { paneWatchdog.Run(groupCtx); return nil })
	group.Go(func() error { agentReaper.Run(groupCtx); return nil })

	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 9. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
		log.Warn("Background actor failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	if err := group.Wait(); err != nil {
		log.Warn("Background actor error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Trace flush error", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		log.Warn("Store close error", zap.Error(err))
	}

	log.Info("Headspace daemon stopped")
}

// expandHome resolves a leading ~ in the configured database path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

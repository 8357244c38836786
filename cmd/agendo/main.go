// Command agendo runs the session supervisor worker: it claims queued
// sessions, spawns agent subprocesses, and publishes their event streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agendo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	sessionStore, err := store.New(ctx, pool)
	if err != nil {
		return err
	}
	agentRegistry, err := agents.NewRegistry(cfg.Agents.RegistryPath)
	if err != nil {
		return err
	}

	sessCfg := cfg.Session
	sessCfg.LogDir = config.ExpandHome(sessCfg.LogDir)

	liveSessions := session.NewRegistry()
	deps := session.Deps{
		Store:     sessionStore,
		Bus:       eventBus,
		Queue:     queue.NewBusEnqueuer(eventBus),
		Pusher:    notify.NewLogPusher(log),
		TeamInbox: notify.NewLogTeamInbox(log),
		Registry:  liveSessions,
		Config:    &sessCfg,
		Logger:    log,
	}
	runner := session.NewRunner(deps, agentRegistry, queue.NewMailbox())

	g, gctx := errgroup.WithContext(ctx)

	sub, err := eventBus.QueueSubscribe(bus.QueueSubject, "session-workers", func(_ context.Context, event *bus.Event) error {
		item := queue.Item{}
		if id, ok := event.Data["sessionId"].(string); ok {
			item.SessionID = id
		}
		if ref, ok := event.Data["resumeRef"].(string); ok {
			item.ResumeRef = ref
		}
		if item.SessionID == "" {
			log.Warn("queue item without session id")
			return nil
		}
		// One goroutine per claim; the runner returns on slot release while
		// the subprocess may stay resident.
		g.Go(func() error {
			if err := runner.Handle(gctx, item); err != nil {
				log.Error("session run failed",
					zap.String("sessionId", item.SessionID), zap.Error(err))
			}
			return nil
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to work queue: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	log.Info("agendo worker started",
		zap.String("workerId", sessCfg.WorkerID),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("postgres", cfg.Database.Host != ""))

	<-ctx.Done()
	log.Info("shutting down, terminating live sessions",
		zap.Int("liveSessions", liveSessions.Len()))

	// Flags first, signals second: the terminal may already have delivered
	// SIGINT to the whole process group.
	liveSessions.MarkTerminatingAll()
	liveSessions.TerminateAll()
	waitForSessions(liveSessions, sessCfg.KillEscalation()+2*time.Second, log)

	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// openPool opens PostgreSQL when a host is configured, SQLite otherwise.
func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Host != "" {
		sqlDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(sqlDB, "pgx")
		return db.NewPool(conn, conn), nil
	}

	path := config.ExpandHome(cfg.Database.SQLitePath)
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

// waitForSessions polls the live registry until every session exits or the
// deadline passes. Escalation timers inside each supervisor handle the
// SIGKILL fallback.
func waitForSessions(reg *session.Registry, timeout time.Duration, log *logger.Logger) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			if n := reg.Len(); n > 0 {
				log.Warn("sessions still live at shutdown deadline", zap.Int("count", n))
			}
			return
		case <-ticker.C:
			if reg.Len() == 0 {
				return
			}
		}
	}
}

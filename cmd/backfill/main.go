// Command backfill recomputes daily metric snapshots for the last N days.
//
// Usage:
//
//	go run ./cmd/backfill -days 30 -admin <auth uid>
//
// Configuration comes from the same environment as the server; DATABASE_URL
// is required.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/mbd888/opscenter/internal/audit"
	"github.com/mbd888/opscenter/internal/config"
	"github.com/mbd888/opscenter/internal/logging"
	"github.com/mbd888/opscenter/internal/marketplace"
	"github.com/mbd888/opscenter/internal/snapshot"
)

func main() {
	days := flag.Int("days", snapshot.DefaultDailyDays, "number of days to recompute, today included")
	admin := flag.String("admin", "", "auth uid recorded in the audit log")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	store, err := snapshot.NewGormStore(db)
	if err != nil {
		logger.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	svc := snapshot.NewService(marketplace.NewPostgresSource(db), store, logger).WithLocation(cfg.Location())

	written, err := svc.Backfill(ctx, *days)
	if err != nil {
		logger.Error("backfill failed", "days", *days, "written", written, "error", err)
		os.Exit(1)
	}

	recorder := audit.NewRecorder(audit.NewPostgresStore(db), nil, logger)
	entry := audit.Entry{
		AdminUID:   *admin,
		Action:     audit.ActionSnapshotBackfill,
		TargetType: "system",
		Details:    map[string]any{"days": *days, "written": written},
	}
	if _, err := recorder.Record(ctx, entry); err != nil {
		logger.Warn("audit write failed", "action", entry.Action, "error", err)
	}

	logger.Info("backfill complete", "days", *days, "written", written)
}

// Package main runs the login-attempt retention job: attempts older than the
// configured retention age are exported to object storage as gzip NDJSON and
// removed from the database. Intended to run from cron or a scheduled task.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/subportal/backend/internal/archive"
	"github.com/subportal/backend/internal/config"
	"github.com/subportal/backend/internal/logger"
	"github.com/subportal/backend/internal/repository"
)

// Version is set at build time
var Version = "dev"

func main() {
	var (
		dryRun  = flag.Bool("dry-run", false, "Report what would be archived without writing or deleting")
		timeout = flag.Duration("timeout", 30*time.Minute, "Overall run timeout")
		version = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("archiver version %s\n", Version)
		os.Exit(0)
	}

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()

	if cfg.Archive.AccessKeyID == "" || cfg.Archive.SecretAccessKey == "" {
		log.Error("ARCHIVE_S3_ACCESS_KEY_ID and ARCHIVE_S3_SECRET_ACCESS_KEY are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	attemptRepo := repository.NewLoginAttemptRepository(db)

	if *dryRun {
		cutoff := time.Now().UTC().Add(-cfg.Archive.RetentionAge)
		rows, err := attemptRepo.ListOlderThan(ctx, cutoff, cfg.Archive.BatchSize)
		if err != nil {
			log.Error("failed to load candidate rows", "error", err)
			os.Exit(1)
		}
		log.Info("dry run",
			"cutoff", cutoff.Format(time.RFC3339),
			"first_batch_rows", len(rows),
			"batch_size", cfg.Archive.BatchSize,
		)
		return
	}

	archiver := archive.NewArchiver(archive.Config{
		Client:    archive.NewS3Client(&cfg.Archive),
		Bucket:    cfg.Archive.Bucket,
		Attempts:  attemptRepo,
		Retention: cfg.Archive.RetentionAge,
		BatchSize: cfg.Archive.BatchSize,
		Logger:    log,
	})

	total, err := archiver.Run(ctx)
	if err != nil {
		log.Error("archive run failed", "archived", total, "error", err)
		os.Exit(1)
	}

	log.Info("archive run complete", "archived", total, "bucket", cfg.Archive.Bucket)
}

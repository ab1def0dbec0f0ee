package main

import (
	"context"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bhyt/costdash/internal/config"
	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/domain/importer"
	"github.com/bhyt/costdash/internal/platform/archive"
	"github.com/bhyt/costdash/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "costdash",
		Short:        "Insurance settlement import service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(importCmd())
	root.AddCommand(tokenCmd())
	return root
}

func newLogger(w io.Writer, env, level string) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func schemaFor(cfg *config.Config) (*billing.Schema, error) {
	schema := billing.DefaultSchema()
	if len(cfg.ImportRequiredFields) == 0 {
		return schema, nil
	}
	return schema.WithRequired(cfg.ImportRequiredFields)
}

func serviceConfig(cfg *config.Config) importer.ServiceConfig {
	return importer.ServiceConfig{
		Classifier: importer.ClassifierConfig{
			BatchSize:   cfg.ImportLookupBatchSize,
			Concurrency: cfg.ImportLookupConcurrency,
			Timeout:     cfg.ImportStoreTimeout,
		},
		Committer: importer.CommitterConfig{
			BatchSize: cfg.ImportCommitBatchSize,
			Timeout:   cfg.ImportStoreTimeout,
		},
		RecheckAfter: cfg.ImportRecheckAfter,
	}
}

// pipeline is the import service and what it holds open.
type pipeline struct {
	svc      *importer.Service
	sessions *importer.SessionStore
	pool     *pgxpool.Pool
}

// openPipeline connects to the store and builds the import service. The
// caller closes the pool.
func openPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline, error) {
	schema, err := schemaFor(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		return nil, err
	}

	store := billing.NewPGStore(pool, schema)
	sessions := importer.NewSessionStore(cfg.ImportSessionTTL)
	svc := importer.NewService(schema, store, store, sessions, serviceConfig(cfg), logger)
	if cfg.ArchiveDir != "" {
		svc.SetArchiver(archive.NewWriter(cfg.ArchiveDir, logger))
	}
	return &pipeline{svc: svc, sessions: sessions, pool: pool}, nil
}

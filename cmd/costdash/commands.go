package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bhyt/costdash/internal/config"
	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/domain/importer"
	"github.com/bhyt/costdash/internal/platform/auth"
	"github.com/bhyt/costdash/internal/platform/db"
	"github.com/bhyt/costdash/internal/platform/workbook"
	"github.com/bhyt/costdash/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationsFS(cfg.MigrationsDir), cfg.DBSchema))
}

// migrationsFS prefers an on-disk directory over the embedded migrations.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the importable sheets of a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			required, _ := cmd.Flags().GetStringSlice("required")
			schema := billing.DefaultSchema()
			if len(required) > 0 {
				var err error
				if schema, err = schema.WithRequired(required); err != nil {
					return err
				}
			}
			return inspectWorkbook(cmd.OutOrStdout(), args[0], schema)
		},
	}
	cmd.Flags().StringSlice("required", nil, "Override the required field names")
	return cmd
}

// inspectWorkbook prints the compatible sheets of path. When none qualifies
// it prints what each sheet is missing and returns the detection error.
func inspectWorkbook(w io.Writer, path string, schema *billing.Schema) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	wb, err := workbook.Open(f)
	if err != nil {
		return err
	}
	defer wb.Close()

	candidates, err := workbook.Detect(wb, schema.Required, schema.Fields)
	var noSheet *workbook.NoCompatibleSheetError
	if errors.As(err, &noSheet) {
		fmt.Fprintf(w, "%-30s %s\n", "SHEET", "MISSING")
		for _, m := range noSheet.Sheets {
			detail := strings.Join(m.Missing, ", ")
			if m.Error != "" {
				detail = m.Error
			}
			fmt.Fprintf(w, "%-30s %s\n", m.Sheet, detail)
		}
		fmt.Fprintf(w, "Most commonly missing: %s\n", strings.Join(noSheet.CommonlyMissing, ", "))
		return err
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-30s %-8s %s\n", "SHEET", "MATCHED", "EXTRA COLUMNS")
	for _, c := range candidates {
		fmt.Fprintf(w, "%-30s %-8d %s\n", c.Sheet, len(c.MatchedFields), strings.Join(c.ExtraFields, ", "))
	}
	return nil
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate, deduplicate and commit a workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sheet, _ := cmd.Flags().GetString("sheet")
			mode, _ := cmd.Flags().GetString("mode")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			p, err := openPipeline(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer p.pool.Close()
			p.svc.SetPublisher(logPublisher{logger: logger})

			return runImport(ctx, cmd.OutOrStdout(), p.svc, importOptions{
				Path:   args[0],
				Sheet:  sheet,
				Mode:   mode,
				DryRun: dryRun,
			})
		},
	}
	cmd.Flags().String("sheet", "", "Sheet to import when several qualify")
	cmd.Flags().String("mode", string(billing.ModeNew), "Commit mode: new or overwrite")
	cmd.Flags().Bool("dry-run", false, "Analyze only; do not write to the store")
	return cmd
}

type importOptions struct {
	Path   string
	Sheet  string
	Mode   string
	DryRun bool
}

// runImport analyzes a workbook and, unless DryRun is set, commits every row
// of the class selected by Mode. The session is discarded afterwards.
func runImport(ctx context.Context, w io.Writer, svc *importer.Service, opts importOptions) error {
	if _, err := billing.ParseMode(opts.Mode); err != nil {
		return err
	}
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return err
	}

	view, err := svc.Upload(ctx, filepath.Base(opts.Path), data, opts.Sheet)
	if err != nil {
		return err
	}
	defer svc.Discard(ctx, view.ID)

	if view.State == importer.StateAwaitingSheet {
		names := make([]string, len(view.Candidates))
		for i, c := range view.Candidates {
			names[i] = c.Sheet
		}
		return fmt.Errorf("several sheets qualify, pick one with --sheet: %s", strings.Join(names, ", "))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return err
	}
	if opts.DryRun {
		return nil
	}

	report, err := svc.Commit(ctx, view.ID, opts.Mode, nil)
	if err != nil {
		return err
	}
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d rows failed to commit", report.Failed, report.Submitted)
	}
	return nil
}

// logPublisher reports pipeline progress on the command line.
type logPublisher struct {
	logger zerolog.Logger
}

func (p logPublisher) Publish(sessionID string, pr importer.Progress) {
	ev := p.logger.Info()
	if pr.Failed {
		ev = p.logger.Warn()
	}
	ev.Str("session_id", sessionID).Str("stage", string(pr.Stage)).
		Int("batch", pr.Batch).Int("batches", pr.Batches).Msg(pr.Message)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.NewToken(auth.JWTConfig{
				Issuer:     cfg.JWTIssuer,
				Audience:   cfg.JWTAudience,
				SigningKey: []byte(cfg.JWTSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user id)")
	cmd.Flags().StringSlice("roles", []string{auth.RoleImporter}, "Roles granted by the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("subject")
	return cmd
}

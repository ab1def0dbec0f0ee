package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/archive"
)

// Appender writes projected rows to the warehouse.
type Appender interface {
	AppendRecords(ctx context.Context, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error)
}

// Archiver keeps a copy of acknowledged batches.
type Archiver interface {
	WriteBatch(ctx context.Context, b archive.Batch) error
}

type CommitterConfig struct {
	BatchSize int
	Timeout   time.Duration
}

func DefaultCommitterConfig() CommitterConfig {
	return CommitterConfig{BatchSize: 500, Timeout: 30 * time.Second}
}

// BatchOutcome reports one append call.
type BatchOutcome struct {
	Seq      int    `json:"seq"`
	Size     int    `json:"size"`
	Uploaded int    `json:"uploaded"`
	Failed   int    `json:"failed"`
	Deleted  int    `json:"deleted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CommitResult sums the batch outcomes.
type CommitResult struct {
	Uploaded int            `json:"uploaded"`
	Failed   int            `json:"failed"`
	Batches  []BatchOutcome `json:"batches"`
}

// CommitOptions carry per-call context for archiving and progress.
// SeqOffset numbers archived batches after those of earlier commits in the
// same session.
type CommitOptions struct {
	SessionID string
	SeqOffset int
	Progress  ProgressFunc
}

// Committer sends records to the store in sequential batches.
type Committer struct {
	store    Appender
	schema   *billing.Schema
	cfg      CommitterConfig
	archiver Archiver
	logger   zerolog.Logger
}

func NewCommitter(store Appender, schema *billing.Schema, cfg CommitterConfig, logger zerolog.Logger) *Committer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultCommitterConfig().BatchSize
	}
	return &Committer{store: store, schema: schema, cfg: cfg, logger: logger}
}

// WithArchiver returns a committer that archives every acknowledged batch.
func (c *Committer) WithArchiver(a Archiver) *Committer {
	out := *c
	out.archiver = a
	return &out
}

// Commit projects records onto the commit columns and appends them batch by
// batch. A failing batch counts all its rows as failed and does not stop
// later batches. Rows the store rejects count as failed. Once ctx is
// cancelled, remaining batches are not sent and count as failed.
func (c *Committer) Commit(ctx context.Context, records []*billing.Record, mode billing.Mode, opts CommitOptions) CommitResult {
	fields := c.schema.CommitFields()
	batches := chunk(records, c.cfg.BatchSize)
	result := CommitResult{Batches: make([]BatchOutcome, 0, len(batches))}

	for i, batch := range batches {
		outcome := BatchOutcome{Seq: i + 1, Size: len(batch)}
		rows := make([]billing.Row, len(batch))
		keys := make([]string, len(batch))
		for j, rec := range batch {
			rows[j] = billing.Row(rec.Project(fields))
			keys[j] = c.schema.NaturalKeyOf(rec)
		}

		if err := ctx.Err(); err != nil {
			outcome.Failed = len(batch)
			outcome.Error = "not sent: " + err.Error()
		} else {
			res, err := callWithTimeout(ctx, c.cfg.Timeout, func(ctx context.Context) (billing.AppendResult, error) {
				return c.store.AppendRecords(ctx, mode, rows)
			})
			if err != nil {
				outcome.Failed = len(batch)
				outcome.Error = err.Error()
				c.logger.Warn().Err(err).Int("batch", outcome.Seq).Int("rows", len(batch)).
					Str("mode", string(mode)).Msg("commit batch failed")
			} else {
				rejected := min(max(res.Rejected, 0), len(batch))
				outcome.Failed = rejected
				outcome.Uploaded = len(batch) - rejected
				outcome.Deleted = res.Deleted
				c.logger.Debug().Int("batch", outcome.Seq).Int("uploaded", outcome.Uploaded).
					Int("rejected", rejected).Int("deleted", res.Deleted).Msg("commit batch")
				c.archive(ctx, opts.SessionID, opts.SeqOffset+outcome.Seq, mode, fields, rows, keys)
			}
		}

		result.Uploaded += outcome.Uploaded
		result.Failed += outcome.Failed
		result.Batches = append(result.Batches, outcome)
		opts.Progress.report(Progress{
			Stage:   StageCommit,
			Batch:   outcome.Seq,
			Batches: len(batches),
			Failed:  outcome.Error != "",
		})
	}
	return result
}

func (c *Committer) archive(ctx context.Context, sessionID string, seq int, mode billing.Mode, fields []billing.Field, rows []billing.Row, keys []string) {
	if c.archiver == nil {
		return
	}
	err := c.archiver.WriteBatch(ctx, archive.Batch{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       seq,
		Mode:      mode,
		Fields:    fields,
		Rows:      rows,
		Keys:      keys,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Int("batch", seq).Msg("archive batch failed")
	}
}

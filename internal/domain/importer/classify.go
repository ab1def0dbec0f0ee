package importer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bhyt/costdash/internal/domain/billing"
)

// KeyLookup finds stored natural keys by patient code.
type KeyLookup interface {
	LookupExistingKeys(ctx context.Context, patientCodes []string) ([]billing.KeyValues, error)
}

type ClassifierConfig struct {
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
}

func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{BatchSize: 5000, Concurrency: 1, Timeout: 30 * time.Second}
}

// Classification splits record indices into new and duplicate.
type Classification struct {
	New           []int     `json:"-"`
	Duplicate     []int     `json:"-"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Classifier marks records whose natural key already exists in the store.
type Classifier struct {
	lookup KeyLookup
	schema *billing.Schema
	cfg    ClassifierConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewClassifier(lookup KeyLookup, schema *billing.Schema, cfg ClassifierConfig, logger zerolog.Logger) *Classifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultClassifierConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Classifier{lookup: lookup, schema: schema, cfg: cfg, logger: logger, now: time.Now}
}

// Classify looks up the distinct patient codes of records in batches and
// marks each record duplicate iff its natural key was returned by any
// batch. A failed or timed-out batch contributes no keys, so its rows stay
// new. Cancelling ctx stops further batches.
func (c *Classifier) Classify(ctx context.Context, records []*billing.Record, progress ProgressFunc) Classification {
	batches := chunk(patientCodes(records), c.cfg.BatchSize)
	result := Classification{New: []int{}, Duplicate: []int{}, Batches: len(batches)}

	var mu sync.Mutex
	existing := make(map[string]struct{})
	done := 0

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for i, batch := range batches {
		if ctx.Err() != nil {
			mu.Lock()
			result.FailedBatches += len(batches) - i
			mu.Unlock()
			c.logger.Warn().Err(ctx.Err()).Int("remaining", len(batches)-i).Msg("duplicate check stopped")
			break
		}
		g.Go(func() error {
			keys, err := c.lookupBatch(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				result.FailedBatches++
				c.logger.Warn().Err(err).Int("batch", i+1).Int("patients", len(batch)).
					Msg("duplicate lookup failed; rows treated as new")
			} else {
				for _, k := range keys {
					existing[k.Join()] = struct{}{}
				}
				c.logger.Debug().Int("batch", i+1).Int("patients", len(batch)).Int("keys", len(keys)).
					Msg("duplicate lookup batch")
			}
			progress.report(Progress{Stage: StageClassify, Batch: done, Batches: len(batches), Failed: err != nil})
			return nil
		})
	}
	// Lookup failures are counted in result; the batch funcs never fail.
	g.Wait()

	for i, rec := range records {
		if _, ok := existing[c.schema.NaturalKeyOf(rec)]; ok {
			result.Duplicate = append(result.Duplicate, i)
		} else {
			result.New = append(result.New, i)
		}
	}
	result.CheckedAt = c.now()
	return result
}

func (c *Classifier) lookupBatch(ctx context.Context, codes []string) ([]billing.KeyValues, error) {
	return callWithTimeout(ctx, c.cfg.Timeout, func(ctx context.Context) ([]billing.KeyValues, error) {
		return c.lookup.LookupExistingKeys(ctx, codes)
	})
}

// patientCodes returns the distinct non-empty patient codes in first-seen
// order.
func patientCodes(records []*billing.Record) []string {
	seen := make(map[string]struct{}, len(records))
	var out []string
	for _, rec := range records {
		code := rec.Get(billing.FieldPatientCode).Text()
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

package importer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/domain/billing"
)

func TestClassify_ExistingEpisodeIsDuplicate(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.addKey(billing.KeyValues{"F1", "P1", "1", "2024-01-01T00:00:00", "2024-01-05T00:00:00"})

	records := []*billing.Record{
		episode(s, "F1", "P1", "1", "2024-01-01T00:00:00", "2024-01-05T00:00:00"),
		episode(s, "F1", "P1", "1", "2024-01-01T00:00:00", "2024-01-06T00:00:00"),
	}

	c := NewClassifier(store, s, DefaultClassifierConfig(), zerolog.Nop())
	got := c.Classify(context.Background(), records, nil)

	if !reflect.DeepEqual(got.Duplicate, []int{0}) || !reflect.DeepEqual(got.New, []int{1}) {
		t.Errorf("new = %v, duplicate = %v", got.New, got.Duplicate)
	}
	if got.Batches != 1 || got.FailedBatches != 0 || got.CheckedAt.IsZero() {
		t.Errorf("unexpected classification %+v", got)
	}
	if !reflect.DeepEqual(store.lookupCalls, [][]string{{"P1"}}) {
		t.Errorf("expected one lookup for distinct patient codes, got %v", store.lookupCalls)
	}
}

func classificationFixture(s *billing.Schema, store *mockStore) []*billing.Record {
	var records []*billing.Record
	for i := 0; i < 30; i++ {
		patient := fmt.Sprintf("P%02d", i%12)
		discharged := fmt.Sprintf("2024-01-%02dT10:00:00", 2+i%7)
		rec := episode(s, "F1", patient, "3", "2024-01-01T08:00:00", discharged)
		records = append(records, rec)
		if i%3 == 0 {
			store.addKey(billing.KeyValues{"F1", patient, "3", "2024-01-01T08:00:00", discharged})
		}
	}
	return records
}

func TestClassify_BatchSizeInvariance(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	records := classificationFixture(s, store)

	baseline := NewClassifier(store, s, ClassifierConfig{BatchSize: 1000}, zerolog.Nop()).
		Classify(context.Background(), records, nil)
	if len(baseline.Duplicate) == 0 || len(baseline.New) == 0 {
		t.Fatalf("fixture must produce both classes, got %+v", baseline)
	}

	for _, cfg := range []ClassifierConfig{
		{BatchSize: 1},
		{BatchSize: 5, Concurrency: 3},
		{BatchSize: 7, Concurrency: 8},
	} {
		got := NewClassifier(store, s, cfg, zerolog.Nop()).Classify(context.Background(), records, nil)
		if !reflect.DeepEqual(got.New, baseline.New) || !reflect.DeepEqual(got.Duplicate, baseline.Duplicate) {
			t.Errorf("batch size %d concurrency %d changed the classification", cfg.BatchSize, cfg.Concurrency)
		}
		if got.Batches != (12+cfg.BatchSize-1)/cfg.BatchSize {
			t.Errorf("batch size %d: %d batches", cfg.BatchSize, got.Batches)
		}
	}
}

func TestClassify_DisjointCover(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	records := classificationFixture(s, store)

	got := NewClassifier(store, s, ClassifierConfig{BatchSize: 4, Concurrency: 2}, zerolog.Nop()).
		Classify(context.Background(), records, nil)

	all := append(append([]int(nil), got.New...), got.Duplicate...)
	sort.Ints(all)
	for i, idx := range all {
		if idx != i {
			t.Fatalf("classes do not partition the input: %v", all)
		}
	}
	if len(all) != len(records) {
		t.Fatalf("expected %d rows, got %d", len(records), len(all))
	}
}

func TestClassify_FailedBatchTreatsRowsAsNew(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.addKey(billing.KeyValues{"F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"})
	store.addKey(billing.KeyValues{"F1", "P2", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"})
	store.lookupFn = func(ctx context.Context, codes []string) ([]billing.KeyValues, error) {
		if codes[0] == "P1" {
			return nil, errors.New("store unavailable")
		}
		return store.keys[codes[0]], nil
	}

	records := []*billing.Record{
		episode(s, "F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"),
		episode(s, "F1", "P2", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"),
	}
	var events []Progress
	got := NewClassifier(store, s, ClassifierConfig{BatchSize: 1}, zerolog.Nop()).
		Classify(context.Background(), records, func(p Progress) { events = append(events, p) })

	if !reflect.DeepEqual(got.New, []int{0}) || !reflect.DeepEqual(got.Duplicate, []int{1}) {
		t.Errorf("new = %v, duplicate = %v", got.New, got.Duplicate)
	}
	if got.FailedBatches != 1 || got.Batches != 2 {
		t.Errorf("unexpected batch counts %+v", got)
	}
	if len(events) != 2 || events[0].Stage != StageClassify || !events[0].Failed || events[1].Batch != 2 {
		t.Errorf("unexpected progress %+v", events)
	}
}

func TestClassify_TimeoutTreatsRowsAsNew(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.addKey(billing.KeyValues{"F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"})
	release := make(chan struct{})
	defer close(release)
	store.lookupFn = func(ctx context.Context, codes []string) ([]billing.KeyValues, error) {
		// Ignores ctx on purpose.
		<-release
		return store.keys["P1"], nil
	}

	records := []*billing.Record{episode(s, "F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00")}
	start := time.Now()
	got := NewClassifier(store, s, ClassifierConfig{BatchSize: 10, Timeout: 20 * time.Millisecond}, zerolog.Nop()).
		Classify(context.Background(), records, nil)

	if time.Since(start) > time.Second {
		t.Fatal("classification waited for an unresponsive store")
	}
	if got.FailedBatches != 1 || len(got.New) != 1 {
		t.Errorf("unexpected classification %+v", got)
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	records := []*billing.Record{
		episode(s, "F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"),
		episode(s, "F1", "P2", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := NewClassifier(store, s, ClassifierConfig{BatchSize: 1}, zerolog.Nop()).Classify(ctx, records, nil)
	if got.FailedBatches != 2 || len(got.New) != 2 {
		t.Errorf("unexpected classification %+v", got)
	}
	if len(store.lookupCalls) != 0 {
		t.Errorf("expected no lookups after cancellation, got %d", len(store.lookupCalls))
	}
}

func TestClassify_NoPatientCodes(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	rec := episode(s, "F1", "P1", "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00")
	rec.Set(billing.FieldPatientCode, billing.Null())

	got := NewClassifier(store, s, DefaultClassifierConfig(), zerolog.Nop()).
		Classify(context.Background(), []*billing.Record{rec}, nil)
	if got.Batches != 0 || !reflect.DeepEqual(got.New, []int{0}) {
		t.Errorf("unexpected classification %+v", got)
	}
}

func TestChunk(t *testing.T) {
	got := chunk([]int{1, 2, 3, 4, 5}, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunk = %v, want %v", got, want)
	}
	if chunk([]int(nil), 3) != nil {
		t.Error("expected nil for empty input")
	}
}

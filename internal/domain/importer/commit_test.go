package importer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/domain/billing"
)

func commitRecords(s *billing.Schema, n int) []*billing.Record {
	out := make([]*billing.Record, n)
	for i := range out {
		out[i] = episode(s, "F1", fmt.Sprintf("P%d", i), "3", "2024-01-01T08:00:00", "2024-01-05T10:00:00")
	}
	return out
}

func TestCommit_MiddleBatchFailureContinues(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.appendFn = func(ctx context.Context, call int, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error) {
		if call == 1 {
			return billing.AppendResult{}, errors.New("quota exceeded")
		}
		return billing.AppendResult{Inserted: len(rows)}, nil
	}

	c := NewCommitter(store, s, CommitterConfig{BatchSize: 2}, zerolog.Nop())
	var events []Progress
	res := c.Commit(context.Background(), commitRecords(s, 6), billing.ModeNew, CommitOptions{
		Progress: func(p Progress) { events = append(events, p) },
	})

	if len(store.appendCalls) != 3 {
		t.Fatalf("expected 3 append calls, got %d", len(store.appendCalls))
	}
	if res.Uploaded != 4 || res.Failed != 2 {
		t.Errorf("uploaded = %d, failed = %d", res.Uploaded, res.Failed)
	}
	if len(res.Batches) != 3 || res.Batches[1].Error != "quota exceeded" || res.Batches[2].Uploaded != 2 {
		t.Errorf("unexpected batches %+v", res.Batches)
	}
	if len(events) != 3 || !events[1].Failed || events[2].Batch != 3 || events[2].Batches != 3 {
		t.Errorf("unexpected progress %+v", events)
	}
}

func TestCommit_BatchSizeInvariance(t *testing.T) {
	s := billing.DefaultSchema()
	records := commitRecords(s, 23)

	for _, size := range []int{1, 4, 10, 500} {
		store := newMockStore()
		res := NewCommitter(store, s, CommitterConfig{BatchSize: size}, zerolog.Nop()).
			Commit(context.Background(), records, billing.ModeNew, CommitOptions{})
		if res.Uploaded != 23 || res.Failed != 0 {
			t.Errorf("batch size %d: uploaded %d failed %d", size, res.Uploaded, res.Failed)
		}
		if store.appendedRows() != 23 {
			t.Errorf("batch size %d: store saw %d rows", size, store.appendedRows())
		}
		if len(res.Batches) != (23+size-1)/size {
			t.Errorf("batch size %d: %d batches", size, len(res.Batches))
		}
	}
}

func TestCommit_ProjectsCommitFields(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	rec := commitRecords(s, 1)[0]
	rec.Extras = map[string]billing.Value{"ghi_chu": billing.Str("ignored")}

	NewCommitter(store, s, DefaultCommitterConfig(), zerolog.Nop()).
		Commit(context.Background(), []*billing.Record{rec}, billing.ModeOverwrite, CommitOptions{})

	row := store.appendCalls[0][0]
	if len(row) != len(s.CommitFields()) {
		t.Fatalf("row has %d values, want %d", len(row), len(s.CommitFields()))
	}
	for i, f := range s.CommitFields() {
		if !row[i].Equal(rec.Get(f)) {
			t.Errorf("%s = %v, want %v", f, row[i].Any(), rec.Get(f).Any())
		}
	}
	if store.appendModes[0] != billing.ModeOverwrite {
		t.Errorf("mode = %s", store.appendModes[0])
	}
}

func TestCommit_RejectedRowsCountAsFailed(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.appendFn = func(ctx context.Context, call int, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error) {
		return billing.AppendResult{Inserted: len(rows) - 1, Rejected: 1, Deleted: 2}, nil
	}

	res := NewCommitter(store, s, CommitterConfig{BatchSize: 5}, zerolog.Nop()).
		Commit(context.Background(), commitRecords(s, 5), billing.ModeOverwrite, CommitOptions{})
	if res.Uploaded != 4 || res.Failed != 1 || res.Batches[0].Deleted != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCommit_CancelledBatchesNotSent(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	ctx, cancel := context.WithCancel(context.Background())
	res := NewCommitter(store, s, CommitterConfig{BatchSize: 2}, zerolog.Nop()).
		Commit(ctx, commitRecords(s, 6), billing.ModeNew, CommitOptions{
			Progress: func(Progress) { cancel() },
		})

	if len(store.appendCalls) != 1 {
		t.Fatalf("expected 1 append call, got %d", len(store.appendCalls))
	}
	if res.Uploaded != 2 || res.Failed != 4 {
		t.Errorf("uploaded = %d, failed = %d", res.Uploaded, res.Failed)
	}
	if res.Batches[2].Error == "" {
		t.Error("unsent batch must carry an error")
	}
}

func TestCommit_Timeout(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	release := make(chan struct{})
	defer close(release)
	store.appendFn = func(ctx context.Context, call int, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error) {
		if call == 0 {
			<-release
		}
		return billing.AppendResult{Inserted: len(rows)}, nil
	}

	res := NewCommitter(store, s, CommitterConfig{BatchSize: 1, Timeout: 20 * time.Millisecond}, zerolog.Nop()).
		Commit(context.Background(), commitRecords(s, 2), billing.ModeNew, CommitOptions{})
	if res.Failed != 1 || res.Uploaded != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Batches[0].Error != context.DeadlineExceeded.Error() {
		t.Errorf("expected deadline error, got %q", res.Batches[0].Error)
	}
}

func TestCommit_ArchivesAcknowledgedBatches(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	store.appendFn = func(ctx context.Context, call int, mode billing.Mode, rows []billing.Row) (billing.AppendResult, error) {
		if call == 1 {
			return billing.AppendResult{}, errors.New("boom")
		}
		return billing.AppendResult{Inserted: len(rows)}, nil
	}
	arch := &mockArchiver{err: errors.New("disk full")}

	res := NewCommitter(store, s, CommitterConfig{BatchSize: 1}, zerolog.Nop()).WithArchiver(arch).
		Commit(context.Background(), commitRecords(s, 3), billing.ModeNew, CommitOptions{SessionID: "sess", SeqOffset: 4})

	if res.Uploaded != 2 {
		t.Errorf("archive failure must not change the result: %+v", res)
	}
	if len(arch.batches) != 2 {
		t.Fatalf("expected 2 archived batches, got %d", len(arch.batches))
	}
	if arch.batches[0].Seq != 5 || arch.batches[1].Seq != 7 || arch.batches[0].SessionID != "sess" {
		t.Errorf("unexpected archive numbering %d, %d", arch.batches[0].Seq, arch.batches[1].Seq)
	}
	if len(arch.batches[0].Keys) != 1 || arch.batches[0].Keys[0] != s.NaturalKeyOf(commitRecords(s, 1)[0]) {
		t.Errorf("unexpected keys %v", arch.batches[0].Keys)
	}
}

func TestCommit_Empty(t *testing.T) {
	s := billing.DefaultSchema()
	store := newMockStore()
	res := NewCommitter(store, s, DefaultCommitterConfig(), zerolog.Nop()).
		Commit(context.Background(), nil, billing.ModeNew, CommitOptions{})
	if res.Uploaded != 0 || len(res.Batches) != 0 || len(store.appendCalls) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

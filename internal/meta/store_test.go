package meta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestJournal(t *testing.T) *BoltJournal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	j, err := NewBoltJournal(path, false, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestBoltJournal_RecordListDelete(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	committedAt := time.Now().Truncate(time.Second)
	for _, rec := range []BlockRecord{
		{BlockID: 2, Size: 20, TierAlias: "HDD", Dir: 0, MediumType: "HDD", CommittedBy: 7, CommittedAt: committedAt},
		{BlockID: 1, Size: 10, TierAlias: "MEM", Dir: 0, MediumType: "MEM", CommittedBy: 7, CommittedAt: committedAt},
	} {
		if err := j.RecordBlock(ctx, rec); err != nil {
			t.Fatalf("RecordBlock: %v", err)
		}
	}

	records, err := j.ListBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Keys are big-endian so records come back in id order.
	if records[0].BlockID != 1 || records[1].Location().TierAlias != "HDD" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if !records[0].CommittedAt.Equal(committedAt) {
		t.Errorf("commit time not preserved: %v", records[0].CommittedAt)
	}

	if err := j.DeleteBlock(ctx, 1); err != nil {
		t.Fatal(err)
	}
	records, _ = j.ListBlocks(ctx)
	if len(records) != 1 || records[0].BlockID != 2 {
		t.Fatalf("unexpected records after delete: %+v", records)
	}
}

func TestBoltJournal_PinnedReplaced(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	if err := j.SavePinned(ctx, []int64{3, 1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := j.SavePinned(ctx, []int64{9}); err != nil {
		t.Fatal(err)
	}
	ids, err := j.LoadPinned(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("pin list should be replaced wholesale, got %v", ids)
	}
}

func TestBoltJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	j, err := NewBoltJournal(path, false, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	j.RecordBlock(ctx, BlockRecord{BlockID: 42, Size: 1, TierAlias: "MEM", MediumType: "MEM"})
	j.SavePinned(ctx, []int64{42})
	j.Close()

	j, err = NewBoltJournal(path, false, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	records, _ := j.ListBlocks(ctx)
	pinned, _ := j.LoadPinned(ctx)
	if len(records) != 1 || len(pinned) != 1 {
		t.Fatalf("state lost across reopen: records=%v pinned=%v", records, pinned)
	}
}

func TestBoltJournal_PingAfterClose(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "tbw-meta-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	j, err := NewBoltJournal(tmpFile.Name(), true, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Ping(); err != nil {
		t.Fatalf("ping on open journal: %v", err)
	}
	j.Close()
	if err := j.Ping(); err == nil {
		t.Fatal("expected ping to fail on a closed journal")
	}
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	j.RecordBlock(ctx, BlockRecord{BlockID: 5})
	j.RecordBlock(ctx, BlockRecord{BlockID: 3})
	records, _ := j.ListBlocks(ctx)
	if len(records) != 2 || records[0].BlockID != 3 {
		t.Fatalf("unexpected records: %+v", records)
	}
	j.SavePinned(ctx, []int64{1})
	pinned, _ := j.LoadPinned(ctx)
	if len(pinned) != 1 {
		t.Fatalf("unexpected pinned: %v", pinned)
	}
}

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

func TestManager_ReadersShare(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	l1, err := m.Lock(ctx, 1, 100, Read, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m.Lock(ctx, 2, 100, Read, time.Second)
	if err != nil {
		t.Fatalf("second reader should be granted: %v", err)
	}
	if l1 == l2 {
		t.Fatal("lock ids must be unique")
	}
	if !m.IsLocked(100) {
		t.Fatal("block should be locked")
	}
	if _, ok := m.TryLock(3, 100, Write); ok {
		t.Fatal("writer must not be granted while readers hold the block")
	}

	if err := m.Unlock(l1); err != nil {
		t.Fatal(err)
	}
	if err := m.Unlock(l2); err != nil {
		t.Fatal(err)
	}
	if m.IsLocked(100) {
		t.Fatal("block should be free")
	}
	if len(m.blocks) != 0 {
		t.Fatalf("expected no bookkeeping left, got %d entries", len(m.blocks))
	}
}

func TestManager_WriteTimesOutBehindReader(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	reader, err := m.Lock(ctx, 1, 7, Read, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = m.Lock(ctx, 2, 7, Write, 50*time.Millisecond)
	if !errors.Is(err, types.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("lock returned before the timeout elapsed")
	}

	if err := m.Unlock(reader); err != nil {
		t.Fatal(err)
	}
	w, err := m.Lock(ctx, 2, 7, Write, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("writer should succeed after reader released: %v", err)
	}
	m.Unlock(w)
}

func TestManager_WriterWaitsForRelease(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	reader, _ := m.Lock(ctx, 1, 9, Read, time.Second)
	done := make(chan error, 1)
	go func() {
		id, err := m.Lock(ctx, 2, 9, Write, 2*time.Second)
		if err == nil {
			m.Unlock(id)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Unlock(reader)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer never granted")
	}
}

func TestManager_UnrelatedBlocksDoNotContend(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	w1, err := m.Lock(ctx, 1, 1, Write, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := m.Lock(ctx, 1, 2, Write, 0)
	if err != nil {
		t.Fatalf("write on another block should be immediate: %v", err)
	}
	if got := m.LockedBlocks(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected locked blocks: %v", got)
	}
	m.Unlock(w1)
	m.Unlock(w2)
}

func TestManager_DoubleUnlock(t *testing.T) {
	m := NewManager(zap.NewNop())
	id, _ := m.Lock(context.Background(), 1, 5, Write, time.Second)
	if err := m.Unlock(id); err != nil {
		t.Fatal(err)
	}
	if err := m.Unlock(id); !errors.Is(err, types.ErrInvalidWorkerState) {
		t.Fatalf("expected ErrInvalidWorkerState on double unlock, got %v", err)
	}
	if err := m.Unlock(999); !errors.Is(err, types.ErrInvalidWorkerState) {
		t.Fatalf("expected ErrInvalidWorkerState for unknown lock, got %v", err)
	}
}

func TestManager_UnlockSession(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()
	m.Lock(ctx, 42, 1, Read, time.Second)
	m.Lock(ctx, 42, 2, Write, time.Second)
	other, _ := m.Lock(ctx, 43, 1, Read, time.Second)

	if n := m.UnlockSession(42); n != 2 {
		t.Fatalf("expected 2 locks released, got %d", n)
	}
	if m.IsLocked(2) {
		t.Fatal("block 2 should be free")
	}
	if !m.IsLocked(1) {
		t.Fatal("block 1 is still read by session 43")
	}
	rec, ok := m.Lookup(other)
	if !ok || rec.SessionID != 43 || rec.Mode != Read {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestManager_ConcurrentReadersAndWriters(t *testing.T) {
	m := NewManager(zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	readers, writers := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := Read
			if i%5 == 0 {
				mode = Write
			}
			id, err := m.Lock(ctx, int64(i), 77, mode, 5*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if mode == Write {
				writers++
				if writers > 1 || readers > 0 {
					t.Error("writer granted alongside other holders")
				}
			} else {
				readers++
				if writers > 0 {
					t.Error("reader granted alongside a writer")
				}
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			if mode == Write {
				writers--
			} else {
				readers--
			}
			mu.Unlock()
			m.Unlock(id)
		}(i)
	}
	wg.Wait()

	if m.IsLocked(77) {
		t.Fatal("block should be free after all holders released")
	}
}

//go:build stress

package internal_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/lifecycle"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"github.com/gftdcojp/tiered-block-worker/internal/ufs"
	"github.com/gftdcojp/tiered-block-worker/internal/worker"
	"go.uber.org/zap"
)

const (
	stressGoroutines = 16
	stressOps        = 500
	stressBlockIDs   = 400
	ufsBlockBase     = 10000
)

func stressSize(blockID int64) int { return 10 + int(blockID%91) }

func tolerated(err error) bool {
	return errors.Is(err, types.ErrBlockDoesNotExist) ||
		errors.Is(err, types.ErrBlockAlreadyExists) ||
		errors.Is(err, types.ErrWorkerOutOfSpace) ||
		errors.Is(err, types.ErrDeadlineExceeded)
}

// TestStress_ConcurrentSessions runs writers, readers, removers and ufs caching
// against one worker while the space reserver keeps the tiers under their watermarks.
func TestStress_ConcurrentSessions(t *testing.T) {
	mem := ufs.NewMemoryUFS()
	for id := int64(ufsBlockBase + 1); id <= ufsBlockBase+stressBlockIDs; id++ {
		mem.Put(fmt.Sprintf("/blk/%d", id), pattern(id, stressSize(id)))
	}
	s := openStack(t, t.TempDir(), mem, nil, nil)
	defer s.close(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reserver := lifecycle.NewSpaceReserver(s.store, zap.NewNop())
	go reserver.Run(ctx, 5*time.Millisecond)

	var wg sync.WaitGroup
	errCh := make(chan error, stressGoroutines)
	for g := 0; g < stressGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if err := stressSession(ctx, s.worker, int64(100+g), rand.New(rand.NewSource(int64(g)))); err != nil {
				errCh <- fmt.Errorf("session %d: %w", g, err)
			}
		}(g)
	}
	wg.Wait()
	cancel()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	// Capacity is never exceeded and usage matches the committed blocks.
	for _, d := range s.store.Topology().AllDirs() {
		if d.CommittedBytes() > d.CapacityBytes() {
			t.Errorf("dir %s: used %d > capacity %d", d, d.CommittedBytes(), d.CapacityBytes())
		}
		entries, err := os.ReadDir(d.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			sub, _ := os.ReadDir(filepath.Join(d.TempDir(), e.Name()))
			if len(sub) != 0 {
				t.Errorf("dir %s: %d temporary blocks left behind", d, len(sub))
			}
		}
	}
	var total int64
	for _, bm := range s.store.Blocks() {
		total += bm.Size
		if got := readBlock(t, s.worker, 1, bm.BlockID); !bytes.Equal(got, pattern(bm.BlockID, stressSize(bm.BlockID))) {
			t.Errorf("block %d content mismatch", bm.BlockID)
		}
	}
	if used := s.worker.GetStoreMeta().UsedBytes; used != total {
		t.Errorf("used bytes = %d, committed blocks sum to %d", used, total)
	}
	t.Logf("%d blocks committed, %d bytes used", len(s.store.Blocks()), total)
}

func stressSession(ctx context.Context, w *worker.BlockWorker, session int64, r *rand.Rand) error {
	defer w.CleanupSession(ctx, session)
	for i := 0; i < stressOps; i++ {
		id := r.Int63n(stressBlockIDs) + 1
		ufsID := id + ufsBlockBase
		opts := types.OpenUfsBlockOptions{
			UnderFileSystemPath: fmt.Sprintf("/mnt/blk/%d", ufsID),
			BlockSize:           int64(stressSize(ufsID)),
			MountTableVersion:   1,
		}

		var err error
		switch op := r.Intn(10); {
		case op < 4:
			err = stressWrite(ctx, w, session, id)
		case op < 7:
			err = stressRead(ctx, w, session, id, types.OpenUfsBlockOptions{})
		case op < 8:
			err = w.RemoveBlock(ctx, session, id)
		case op < 9:
			err = w.Cache(ctx, worker.CacheRequest{BlockID: ufsID, Options: opts})
		default:
			err = stressRead(ctx, w, session, ufsID, opts)
		}
		if err != nil && !tolerated(err) {
			return err
		}
	}
	return nil
}

func stressWrite(ctx context.Context, w *worker.BlockWorker, session, blockID int64) error {
	data := pattern(blockID, stressSize(blockID))
	if _, err := w.CreateBlock(ctx, session, blockID, worker.AnyTierOrdinal, "", int64(len(data))); err != nil {
		return err
	}
	bw, err := w.CreateBlockWriter(session, blockID)
	if err == nil {
		_, err = bw.Append(data)
		if closeErr := bw.Close(); err == nil {
			err = closeErr
		}
	}
	if err == nil {
		err = w.CommitBlock(ctx, session, blockID, false)
	}
	if err != nil && !w.HasBlockMeta(blockID) {
		w.AbortBlock(ctx, session, blockID)
	}
	return err
}

func stressRead(ctx context.Context, w *worker.BlockWorker, session, blockID int64, opts types.OpenUfsBlockOptions) error {
	rd, err := w.CreateBlockReader(ctx, session, blockID, 0, false, opts)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rd)
	rd.Close()
	if err != nil {
		return err
	}
	if want := pattern(blockID, stressSize(blockID)); !bytes.Equal(data, want) {
		return fmt.Errorf("block %d: read %d bytes, content mismatch", blockID, len(data))
	}
	return nil
}

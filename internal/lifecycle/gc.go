package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"go.uber.org/zap"
)

// CollectOrphans deletes block files that no dir accounts for. They are left behind
// when the process dies between writing a block file and recording it, or when a
// journal record was dropped at recovery.
func CollectOrphans(ctx context.Context, s *store.TieredBlockStore, logger *zap.Logger) (int, error) {
	collected := 0
	for _, d := range s.Topology().AllDirs() {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		entries, err := os.ReadDir(d.Path())
		if err != nil {
			return collected, err
		}
		for _, e := range entries {
			if e.IsDir() || e.Name() == tier.TempDirName {
				continue
			}
			id, err := strconv.ParseInt(e.Name(), 10, 64)
			if err != nil {
				continue
			}
			// Reserved space covers committed blocks and moves or commits in flight.
			if d.Holds(id) {
				continue
			}
			path := filepath.Join(d.Path(), e.Name())
			logger.Warn("orphaned block file found, cleaning up",
				zap.Int64("block_id", id),
				zap.Stringer("dir", d.Location()),
			)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete orphan block file", zap.String("path", path), zap.Error(err))
				continue
			}
			collected++
		}
	}
	return collected, nil
}

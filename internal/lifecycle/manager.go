// Package lifecycle runs background maintenance over the block store.
package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// SpaceReserver keeps every tier with a high watermark below it. When a dir's usage
// exceeds high × capacity, blocks are evicted until usage is at most low × capacity.
type SpaceReserver struct {
	store  *store.TieredBlockStore
	logger *zap.Logger
}

func NewSpaceReserver(s *store.TieredBlockStore, logger *zap.Logger) *SpaceReserver {
	return &SpaceReserver{store: s, logger: logger.Named("space_reserver")}
}

// Run starts the periodic reserve loop.
func (r *SpaceReserver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reserve(ctx); err != nil {
				r.logger.Error("space reserve cycle error", zap.Error(err))
			}
		}
	}
}

// Reserve runs one cycle and returns the first unexpected error. Dirs that cannot be
// brought under the watermark because their blocks are pinned or busy are logged.
func (r *SpaceReserver) Reserve(ctx context.Context) error {
	var errs []error
	for _, st := range r.store.Topology().Tiers() {
		high, low := st.Watermarks()
		if high <= 0 {
			continue
		}
		for _, d := range st.Dirs() {
			capacity := d.CapacityBytes()
			used := d.CommittedBytes()
			if float64(used) <= high*float64(capacity) {
				continue
			}
			want := capacity - int64(math.Floor(low*float64(capacity)))
			err := r.store.FreeSpace(ctx, want, d.Location())
			switch {
			case err == nil:
				r.logger.Info("dir brought under watermark",
					zap.Stringer("dir", d.Location()),
					zap.Int64("used_before", used),
					zap.Int64("used_after", d.CommittedBytes()),
				)
			case errors.Is(err, types.ErrWorkerOutOfSpace):
				r.logger.Warn("dir above high watermark with nothing evictable",
					zap.Stringer("dir", d.Location()),
					zap.Int64("used", used),
					zap.Error(err),
				)
			default:
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

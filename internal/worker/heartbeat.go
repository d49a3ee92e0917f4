package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/master"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"go.uber.org/zap"
)

// Register announces the worker and its full block list to the block master. The
// pending report is folded into the list.
func (w *BlockWorker) Register(ctx context.Context) error {
	report := w.store.Report()
	full := w.store.StoreMetaFull()
	id, err := w.blockMaster.RegisterWorker(ctx, master.RegisterRequest{
		Hostname:  w.settings.Worker.Hostname,
		StoreMeta: full,
		Blocks:    full.BlockListByLocation,
	})
	if err != nil {
		w.store.RestoreReport(report)
		return fmt.Errorf("registering worker: %w", err)
	}
	w.workerID.Store(id)
	w.logger.Info("registered with master",
		zap.Int64("worker_id", id),
		zap.Int("blocks", full.NumberOfBlocks),
	)
	return nil
}

// Reregister makes the next heartbeat tick register again with the full block list.
// Used when the connection to the master was lost and the master may have restarted.
func (w *BlockWorker) Reregister() {
	w.workerID.Store(0)
}

// RunHeartbeat sends a heartbeat every interval until ctx is done. Failed heartbeats
// are logged and retried on the next tick. A worker that never registered registers
// instead.
func (w *BlockWorker) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.workerID.Load() == 0 {
				if err := w.Register(ctx); err != nil {
					w.logger.Warn("registration failed", zap.Error(err))
				}
				continue
			}
			if err := w.Heartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat sends one report to the block master and applies the commands it returns.
// An undelivered report is kept for the next heartbeat.
func (w *BlockWorker) Heartbeat(ctx context.Context) error {
	report := w.store.Report()
	sm := w.store.StoreMeta()
	resp, err := w.blockMaster.Heartbeat(ctx, master.HeartbeatRequest{
		WorkerID:             w.workerID.Load(),
		CapacityBytesOnTiers: sm.CapacityBytesOnTiers,
		UsedBytesOnTiers:     sm.UsedBytesOnTiers,
		Report:               report,
	})
	if err != nil {
		w.store.RestoreReport(report)
		metrics.HeartbeatFailures.Inc()
		return err
	}
	for _, cmd := range resp.Commands {
		w.apply(ctx, cmd)
	}
	return nil
}

func (w *BlockWorker) apply(ctx context.Context, cmd master.Command) {
	switch cmd.Type {
	case master.CommandFree:
		for _, id := range cmd.BlockIDs {
			if err := w.store.RemoveBlock(ctx, types.MasterCommandSessionID, id); err != nil {
				w.logger.Warn("failed to free block on master request", zap.Error(err), zap.Int64("block_id", id))
			}
		}
	case master.CommandPin:
		w.UpdatePinList(ctx, cmd.BlockIDs)
	case master.CommandRegister:
		if err := w.Register(ctx); err != nil {
			w.logger.Warn("re-registration failed", zap.Error(err))
		}
	default:
		w.logger.Warn("ignoring unknown master command", zap.String("type", string(cmd.Type)))
	}
}

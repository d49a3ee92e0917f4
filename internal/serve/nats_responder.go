package serve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/worker"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder accepts cache requests over NATS so masters and clients can ask the
// worker to load blocks without an HTTP round trip.
// Subject pattern: {prefix}.cache
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, w *worker.BlockWorker, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tbw.worker"
	}

	subject := prefix + ".cache"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req worker.CacheRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, map[string]string{"error": "invalid cache request: " + err.Error()}, logger)
			return
		}
		if err := w.Cache(ctx, req); err != nil {
			logger.Debug("cache request failed", zap.Error(err), zap.Int64("block_id", req.BlockID))
			respond(msg, map[string]string{"error": err.Error()}, logger)
			return
		}
		status := "cached"
		if req.Async {
			status = "accepted"
		}
		respond(msg, map[string]interface{}{"status": status, "block_id": req.BlockID}, logger)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

// respond replies when the sender asked for one. Published requests get none.
func respond(msg *nats.Msg, v interface{}, logger *zap.Logger) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(v)
	if err := msg.Respond(data); err != nil {
		logger.Warn("failed to respond", zap.Error(err), zap.String("subject", msg.Subject))
	}
}

package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/master"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"github.com/gftdcojp/tiered-block-worker/internal/worker"
	"go.uber.org/zap"
)

// adminSessionBase numbers the sessions of HTTP requests that do not name one. It sits
// far above client session ids.
const adminSessionBase int64 = 1 << 48

type handler struct {
	worker  *worker.BlockWorker
	logger  *zap.Logger
	started time.Time
	session atomic.Int64
}

// NewHandler returns the worker's HTTP API.
func NewHandler(w *worker.BlockWorker, logger *zap.Logger) http.Handler {
	h := &handler{
		worker:  w,
		logger:  logger,
		started: time.Now(),
	}
	h.session.Store(adminSessionBase)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/store/meta", h.handleStoreMeta)
	mux.HandleFunc("GET /v1/blocks/{blockID}", h.handleGetBlock)
	mux.HandleFunc("GET /v1/blocks/{blockID}/data", h.handleReadBlock)
	mux.HandleFunc("DELETE /v1/blocks/{blockID}", h.handleRemoveBlock)
	mux.HandleFunc("POST /v1/blocks/{blockID}/move", h.handleMoveBlock)
	mux.HandleFunc("PUT /v1/pins", h.handleUpdatePins)
	mux.HandleFunc("POST /v1/cache", h.handleCache)
	mux.HandleFunc("POST /v1/async-cache", h.handleAsyncCache)
	mux.HandleFunc("GET /v1/files/{fileID}", h.handleFileInfo)
	mux.HandleFunc("GET /v1/configuration", h.handleConfiguration)
	mux.HandleFunc("GET /v1/whitelist", h.handleWhiteList)
	mux.HandleFunc("POST /v1/metrics/clear", h.handleClearMetrics)
	mux.HandleFunc("POST /v1/report", h.handleReport)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, w *worker.BlockWorker, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(w, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sm := h.worker.GetStoreMeta()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"worker_id":      h.worker.GetWorkerID(),
		"uptime":         time.Since(h.started).Round(time.Second).String(),
		"blocks":         sm.NumberOfBlocks,
		"capacity_bytes": sm.CapacityBytes,
		"used_bytes":     sm.UsedBytes,
	})
}

func (h *handler) handleStoreMeta(w http.ResponseWriter, r *http.Request) {
	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		writeJSON(w, http.StatusOK, h.worker.GetStoreMetaFull())
		return
	}
	writeJSON(w, http.StatusOK, h.worker.GetStoreMeta())
}

func (h *handler) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	blockID, ok := pathInt(w, r, "blockID")
	if !ok {
		return
	}
	info, err := h.worker.GetBlockInfo(blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleReadBlock streams a block. Without ufs_path only a cached block can be read;
// with it the worker falls back to the under file system.
func (h *handler) handleReadBlock(w http.ResponseWriter, r *http.Request) {
	blockID, ok := pathInt(w, r, "blockID")
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		return
	}
	opts, err := ufsOptionsFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	session, err := h.sessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session"})
		return
	}

	reader, err := h.worker.CreateBlockReader(r.Context(), session, blockID, offset, false, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn("block stream interrupted", zap.Error(err), zap.Int64("block_id", blockID))
	}
}

func (h *handler) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	blockID, ok := pathInt(w, r, "blockID")
	if !ok {
		return
	}
	if err := h.worker.RemoveBlock(r.Context(), types.MasterCommandSessionID, blockID); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("block removed via API", zap.Int64("block_id", blockID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "removed", "block_id": blockID})
}

type moveRequest struct {
	Tier   string `json:"tier"`
	Medium string `json:"medium"`
}

func (h *handler) handleMoveBlock(w http.ResponseWriter, r *http.Request) {
	blockID, ok := pathInt(w, r, "blockID")
	if !ok {
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	var err error
	switch {
	case req.Tier != "":
		err = h.worker.MoveBlock(r.Context(), types.MasterCommandSessionID, blockID, req.Tier)
	case req.Medium != "":
		err = h.worker.MoveBlockToMedium(r.Context(), types.MasterCommandSessionID, blockID, req.Medium)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tier or medium required"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.worker.GetBlockInfo(blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("block moved via API", zap.Int64("block_id", blockID), zap.Stringer("location", info.Location))
	writeJSON(w, http.StatusOK, info)
}

type pinsRequest struct {
	BlockIDs []int64 `json:"block_ids"`
}

func (h *handler) handleUpdatePins(w http.ResponseWriter, r *http.Request) {
	var req pinsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	h.worker.UpdatePinList(r.Context(), req.BlockIDs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"pinned": len(req.BlockIDs)})
}

func (h *handler) handleCache(w http.ResponseWriter, r *http.Request) {
	var req worker.CacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	h.cache(w, r, req)
}

// asyncCacheRequest is the flat request body of the legacy async-cache endpoint.
type asyncCacheRequest struct {
	BlockID int64 `json:"block_id"`
	types.OpenUfsBlockOptions
}

func (h *handler) handleAsyncCache(w http.ResponseWriter, r *http.Request) {
	var req asyncCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	h.cache(w, r, worker.CacheRequest{BlockID: req.BlockID, Options: req.OpenUfsBlockOptions, Async: true})
}

func (h *handler) cache(w http.ResponseWriter, r *http.Request, req worker.CacheRequest) {
	if err := h.worker.Cache(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	if req.Async {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "block_id": req.BlockID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cached", "block_id": req.BlockID})
}

func (h *handler) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	fileID, ok := pathInt(w, r, "fileID")
	if !ok {
		return
	}
	info, err := h.worker.GetFileInfo(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.worker.GetConfiguration()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) handleWhiteList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"whitelist": h.worker.GetWhiteList()})
}

func (h *handler) handleClearMetrics(w http.ResponseWriter, r *http.Request) {
	h.worker.ClearMetrics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleReport drains the pending block report. The drained changes are not sent to
// the master by the next heartbeat.
func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.worker.GetReport())
}

func (h *handler) sessionID(r *http.Request) (int64, error) {
	if s := r.URL.Query().Get("session"); s != "" {
		return strconv.ParseInt(s, 10, 64)
	}
	return h.session.Add(1), nil
}

func ufsOptionsFromQuery(r *http.Request) (types.OpenUfsBlockOptions, error) {
	q := r.URL.Query()
	opts := types.OpenUfsBlockOptions{
		UnderFileSystemPath: q.Get("ufs_path"),
		MountPoint:          q.Get("mount_point"),
	}
	if opts.UnderFileSystemPath == "" {
		return opts, nil
	}
	var err error
	if opts.Offset, err = queryInt(q.Get("ufs_offset")); err != nil {
		return opts, fmt.Errorf("invalid ufs_offset")
	}
	if opts.BlockSize, err = queryInt(q.Get("block_size")); err != nil {
		return opts, fmt.Errorf("invalid block_size")
	}
	if opts.MountTableVersion, err = queryInt(q.Get("mount_table_version")); err != nil {
		return opts, fmt.Errorf("invalid mount_table_version")
	}
	maxReaders, err := queryInt(q.Get("max_ufs_read_concurrency"))
	if err != nil {
		return opts, fmt.Errorf("invalid max_ufs_read_concurrency")
	}
	opts.MaxUfsReadConcurrency = int(maxReaders)
	return opts, nil
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

// statusFor maps worker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrBlockAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrBlockDoesNotExist):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidWorkerState):
		return http.StatusPreconditionFailed
	case errors.Is(err, types.ErrWorkerOutOfSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, types.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrUfsReadConcurrency):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrIOFailure):
		return http.StatusBadGateway
	case errors.Is(err, master.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

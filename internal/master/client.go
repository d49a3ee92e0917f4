// Package master is the worker's view of the cluster masters: block registration and
// heartbeats on one side, file metadata lookups on the other.
package master

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// ErrUnavailable is returned by clients that have no master to talk to.
var ErrUnavailable = errors.New("master unavailable")

// BlockMasterClient reports block state to the block master.
type BlockMasterClient interface {
	RegisterWorker(ctx context.Context, req RegisterRequest) (int64, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	CommitBlock(ctx context.Context, req CommitBlockRequest) error
	CommitBlockInUfs(ctx context.Context, blockID, length int64) error
}

// FileSystemMasterClient resolves file metadata.
type FileSystemMasterClient interface {
	GetFileInfo(ctx context.Context, fileID int64) (FileInfo, error)
}

type RegisterRequest struct {
	Hostname  string                               `json:"hostname"`
	StoreMeta types.BlockStoreMeta                 `json:"store_meta"`
	Blocks    map[types.BlockStoreLocation][]int64 `json:"blocks"`
}

type HeartbeatRequest struct {
	WorkerID             int64                      `json:"worker_id"`
	CapacityBytesOnTiers map[string]int64           `json:"capacity_bytes_on_tiers"`
	UsedBytesOnTiers     map[string]int64           `json:"used_bytes_on_tiers"`
	Report               types.BlockHeartbeatReport `json:"report"`
}

// CommandType is an instruction piggybacked on a heartbeat response.
type CommandType string

const (
	// CommandFree removes the listed blocks from the worker.
	CommandFree CommandType = "free"
	// CommandPin replaces the worker's pin list with the listed blocks.
	CommandPin CommandType = "pin"
	// CommandRegister asks the worker to register again, e.g. after a master failover.
	CommandRegister CommandType = "register"
)

type Command struct {
	Type     CommandType `json:"type"`
	BlockIDs []int64     `json:"block_ids,omitempty"`
}

type HeartbeatResponse struct {
	Commands []Command `json:"commands"`
}

type CommitBlockRequest struct {
	WorkerID        int64  `json:"worker_id"`
	UsedBytesOnTier int64  `json:"used_bytes_on_tier"`
	TierAlias       string `json:"tier_alias"`
	MediumType      string `json:"medium_type"`
	BlockID         int64  `json:"block_id"`
	Length          int64  `json:"length"`
}

// FileInfo is the master's description of a file and where its blocks come from.
type FileInfo struct {
	FileID            int64   `json:"file_id"`
	Path              string  `json:"path"`
	Length            int64   `json:"length"`
	BlockSizeBytes    int64   `json:"block_size_bytes"`
	BlockIDs          []int64 `json:"block_ids"`
	UfsPath           string  `json:"ufs_path"`
	MountPoint        string  `json:"mount_point"`
	MountTableVersion int64   `json:"mount_table_version"`
	Persisted         bool    `json:"persisted"`
	Pinned            bool    `json:"pinned"`
}

// Standalone serves a worker running without a master. It hands out a fixed worker id,
// accepts every report and cannot resolve files.
type Standalone struct {
	workerID   int64
	heartbeats atomic.Int64
}

func NewStandalone(workerID int64) *Standalone {
	return &Standalone{workerID: workerID}
}

func (s *Standalone) RegisterWorker(context.Context, RegisterRequest) (int64, error) {
	return s.workerID, nil
}

func (s *Standalone) Heartbeat(context.Context, HeartbeatRequest) (HeartbeatResponse, error) {
	s.heartbeats.Add(1)
	return HeartbeatResponse{}, nil
}

func (s *Standalone) CommitBlock(context.Context, CommitBlockRequest) error { return nil }

func (s *Standalone) CommitBlockInUfs(context.Context, int64, int64) error { return nil }

func (s *Standalone) GetFileInfo(_ context.Context, fileID int64) (FileInfo, error) {
	return FileInfo{}, fmt.Errorf("file %d: %w", fileID, ErrUnavailable)
}

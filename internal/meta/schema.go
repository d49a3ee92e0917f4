package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	keySchemaVersion = []byte("schema_version")
	bucketBlocks     = []byte("blocks")

	// Schema v2: pinned block ids
	bucketPinned = []byte("pinned")
)

const currentSchemaVersion = 2

// BlockRecord is the durable form of a committed block.
type BlockRecord struct {
	BlockID     int64
	Size        int64
	TierAlias   string
	Dir         int
	MediumType  string
	CommittedBy int64
	CommittedAt time.Time
}

// Location returns the dir the block was committed to.
func (r BlockRecord) Location() types.BlockStoreLocation {
	return types.NewLocation(r.TierAlias, r.Dir, r.MediumType)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

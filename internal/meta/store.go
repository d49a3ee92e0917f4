package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Journal durably records committed blocks and the pin list so they survive a restart.
type Journal interface {
	RecordBlock(ctx context.Context, rec BlockRecord) error
	DeleteBlock(ctx context.Context, blockID int64) error
	ListBlocks(ctx context.Context) ([]BlockRecord, error)
	SavePinned(ctx context.Context, blockIDs []int64) error
	LoadPinned(ctx context.Context) ([]int64, error)
	Ping() error
	Close() error
}

// BoltJournal implements Journal using bbolt (BoltDB).
type BoltJournal struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltJournal opens or creates a BoltDB journal.
func NewBoltJournal(path string, noSync bool, logger *zap.Logger) (*BoltJournal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	j := &BoltJournal{db: db, logger: logger.Named("journal")}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func (j *BoltJournal) initSchema() error {
	if err := j.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if sys.Get(keySchemaVersion) == nil {
			for _, name := range [][]byte{bucketBlocks, bucketPinned} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return j.Migrate()
}

func encodeRecord(rec *BlockRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*BlockRecord, error) {
	var rec BlockRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (j *BoltJournal) RecordBlock(_ context.Context, rec BlockRecord) error {
	data, err := encodeRecord(&rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(int64ToBytes(rec.BlockID), data)
	})
}

func (j *BoltJournal) DeleteBlock(_ context.Context, blockID int64) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete(int64ToBytes(blockID))
	})
}

func (j *BoltJournal) ListBlocks(_ context.Context) ([]BlockRecord, error) {
	var records []BlockRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decoding block %d: %w", bytesToInt64(k), err)
			}
			records = append(records, *rec)
			return nil
		})
	})
	return records, err
}

// SavePinned replaces the stored pin list.
func (j *BoltJournal) SavePinned(_ context.Context, blockIDs []int64) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketPinned) != nil {
			if err := tx.DeleteBucket(bucketPinned); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketPinned)
		if err != nil {
			return err
		}
		for _, id := range blockIDs {
			if err := b.Put(int64ToBytes(id), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *BoltJournal) LoadPinned(_ context.Context) ([]int64, error) {
	var ids []int64
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPinned).ForEach(func(k, _ []byte) error {
			ids = append(ids, bytesToInt64(k))
			return nil
		})
	})
	return ids, err
}

func (j *BoltJournal) Ping() error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}

// MemoryJournal keeps records in process memory. It backs volatile stores and tests.
type MemoryJournal struct {
	mu     sync.Mutex
	blocks map[int64]BlockRecord
	pinned []int64
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{blocks: make(map[int64]BlockRecord)}
}

func (m *MemoryJournal) RecordBlock(_ context.Context, rec BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[rec.BlockID] = rec
	return nil
}

func (m *MemoryJournal) DeleteBlock(_ context.Context, blockID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, blockID)
	return nil
}

func (m *MemoryJournal) ListBlocks(_ context.Context) ([]BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]BlockRecord, 0, len(m.blocks))
	for _, rec := range m.blocks {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BlockID < records[j].BlockID })
	return records, nil
}

func (m *MemoryJournal) SavePinned(_ context.Context, blockIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = append([]int64(nil), blockIDs...)
	return nil
}

func (m *MemoryJournal) LoadPinned(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.pinned...), nil
}

func (m *MemoryJournal) Ping() error  { return nil }
func (m *MemoryJournal) Close() error { return nil }

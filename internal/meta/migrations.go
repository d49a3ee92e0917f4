package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (j *BoltJournal) Migrate() error {
	var version uint64
	j.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := j.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
		j.logger.Info("migrated metadata schema", zap.Uint64("from", version), zap.Uint64("to", 2))
	}

	return nil
}

// migrateV1toV2 adds the pinned bucket. v1 journals only recorded committed blocks.
func (j *BoltJournal) migrateV1toV2() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPinned); err != nil {
			return err
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}

package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// Object index bucket: object key -> ObjectInfo JSON.
var bucketObjects = []byte("objects")

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketObjects); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketObjects, err)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// GetObject retrieves metadata for a stored object.
func (b *BoltDB) GetObject(_ context.Context, key string) (*ObjectInfo, error) {
	var info ObjectInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(val, &info); err != nil {
			return fmt.Errorf("unmarshaling object info: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PutObject stores or replaces metadata for an object.
// A zero UploadedAt is filled in with the current time.
func (b *BoltDB) PutObject(_ context.Context, info *ObjectInfo) error {
	if info.Key == "" {
		return fmt.Errorf("metadb: object key is empty")
	}
	if info.UploadedAt.IsZero() {
		info.UploadedAt = b.now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling object info: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", bucketObjects)
		}
		return bucket.Put([]byte(info.Key), data)
	})
}

// DeleteObject removes metadata for an object.
// Deleting a missing object is not an error.
func (b *BoltDB) DeleteObject(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// ListObjects returns metadata for every stored object.
// bbolt iterates in byte order, so results are sorted by key.
func (b *BoltDB) ListObjects(_ context.Context) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, val []byte) error {
			var info ObjectInfo
			if err := json.Unmarshal(val, &info); err != nil {
				return fmt.Errorf("unmarshaling object info: %w", err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// CountObjects returns the number of stored objects.
func (b *BoltDB) CountObjects(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Compile-time check that BoltDB implements MetaDB.
var _ MetaDB = (*BoltDB)(nil)

package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB provides the object index for the image cache.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Object index
	GetObject(ctx context.Context, key string) (*ObjectInfo, error)
	PutObject(ctx context.Context, info *ObjectInfo) error
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context) ([]ObjectInfo, error)
	CountObjects(ctx context.Context) (int, error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}

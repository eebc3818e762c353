// Package metadb provides the metadata index for stored images using bbolt.
package metadb

import (
	"time"

	imagecache "github.com/wolfeidau/image-cache"
)

// ObjectInfo contains metadata about a stored image.
type ObjectInfo struct {
	Key          string            `json:"key"`
	OriginalName string            `json:"original_name,omitempty"`
	Format       imagecache.Format `json:"format"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	ETag         imagecache.Hash   `json:"etag"`
	UploadedAt   time.Time         `json:"uploaded_at"`
}

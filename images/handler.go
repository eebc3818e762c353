// Package images implements the image API handlers: uploads re-encoded into
// the storage format, format-converting fetches served through the conversion
// cache, listing, and deletion.
package images

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/convert"
	"github.com/wolfeidau/image-cache/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
)

const (
	// DefaultCacheTTL is how long converted variants remain servable from the
	// conversion cache.
	DefaultCacheTTL = 45 * time.Minute

	// DefaultMaxUploadSize caps upload request bodies.
	DefaultMaxUploadSize = 32 << 20 // 32 MiB
)

// Handler serves the image endpoints. The server registers its methods on the
// mux; the handler owns the upload and fetch pipelines and their store, index,
// and cache interactions.
type Handler struct {
	backend backend.Backend
	meta    metadb.MetaDB
	cache   *cache.Cache
	flight  flightGroup
	logger  *slog.Logger

	cacheTTL    time.Duration
	storeFormat imagecache.Format
	jpegQuality int
	maxUpload   int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCacheTTL sets the TTL applied to cached conversions.
func WithCacheTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.cacheTTL = ttl
	}
}

// WithStoreFormat sets the format uploads are re-encoded into before storage.
func WithStoreFormat(f imagecache.Format) HandlerOption {
	return func(h *Handler) {
		h.storeFormat = f
	}
}

// WithJPEGQuality sets the quality used when encoding JPEG output.
func WithJPEGQuality(quality int) HandlerOption {
	return func(h *Handler) {
		h.jpegQuality = quality
	}
}

// WithMaxUploadSize caps the accepted upload body size in bytes.
func WithMaxUploadSize(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxUpload = n
	}
}

// NewHandler creates an image API handler over the given store, metadata
// index, and conversion cache.
func NewHandler(b backend.Backend, meta metadb.MetaDB, c *cache.Cache, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend:     b,
		meta:        meta,
		cache:       c,
		logger:      slog.Default(),
		cacheTTL:    DefaultCacheTTL,
		storeFormat: imagecache.FormatJPEG,
		jpegQuality: convert.DefaultQuality,
		maxUpload:   DefaultMaxUploadSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// List serves GET /images: every indexed object, sorted by key.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")

	objects, err := h.meta.ListObjects(r.Context())
	if err != nil {
		h.logger.Error("list objects failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "listing objects failed")
		return
	}
	if objects == nil {
		objects = []metadb.ObjectInfo{}
	}
	WriteJSON(w, r, http.StatusOK, objects)
}

// Delete serves DELETE /images/{key}: removes the object from the store and
// the index and drops every cached conversion derived from it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "delete")

	key, err := imagecache.CleanKey(r.PathValue("key"))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	logger := h.logger.With("key", key)

	exists, err := h.backend.Exists(ctx, key)
	if err != nil {
		logger.Error("existence check failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "store error")
		return
	}
	if !exists {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no object %q", key))
		return
	}

	if err := h.backend.Delete(ctx, key); err != nil {
		logger.Error("store delete failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "deleting object failed")
		return
	}
	// The object is gone from the store; a failed index delete leaves a
	// harmless stale row, not a dangling blob.
	if err := h.meta.DeleteObject(ctx, key); err != nil {
		logger.Error("index delete failed", "error", err)
	}

	removed := h.cache.Invalidate(key)
	telemetry.RecordCacheInvalidation(ctx, "delete", removed)

	logger.Info("deleted object", "cache_entries_removed", removed)
	w.WriteHeader(http.StatusNoContent)
}

package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/convert"
	"github.com/wolfeidau/image-cache/telemetry"
)

// errConversion marks a failure converting stored bytes, distinct from store
// errors so the fetch path can map it to a conversion-failure response.
var errConversion = errors.New("conversion failed")

// Fetch serves GET /images/{key}. The optional format query parameter selects
// a conversion target and must appear at most once; it defaults to the
// object's native format. Every fetch reads through the conversion cache,
// native and converted alike, and populates it on miss.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "fetch")

	key, err := imagecache.CleanKey(r.PathValue("key"))
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	// CleanKey guarantees a known extension.
	native, _ := imagecache.FormatFromPath(key)

	target := native
	if values, ok := r.URL.Query()["format"]; ok {
		if len(values) != 1 {
			WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("format given %d times, want exactly once", len(values)))
			return
		}
		target, err = imagecache.ParseFormat(values[0])
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("unknown format %q", values[0]))
			return
		}
	}
	telemetry.SetFormat(r, string(target))
	logger := h.logger.With("key", key, "format", target)

	if target == native {
		h.serveNative(w, r, key, native, logger)
		return
	}
	if !target.CanEncode() {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("no encoder for %s output", target))
		return
	}
	h.serveConverted(w, r, key, target, logger)
}

// serveNative serves the stored bytes unchanged, through the conversion
// cache under the (key, native format) entry, so a repeat fetch is a memory
// hit just like a converted variant. When the index knows the object's digest
// it is sent as the ETag and If-None-Match revalidations short-circuit to 304
// before the cache is consulted.
func (h *Handler) serveNative(w http.ResponseWriter, r *http.Request, key string, native imagecache.Format, logger *slog.Logger) {
	ctx := r.Context()

	var etag string
	if info, err := h.meta.GetObject(ctx, key); err == nil && !info.ETag.IsZero() {
		etag = `"` + info.ETag.String() + `"`
	}
	if etag != "" && r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	ck := cache.Key{Object: key, Format: string(native)}
	if data, ok := h.cache.Get(ck); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		logger.Debug("cache hit")
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		writeImage(w, native, "hit", data)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	logger.Debug("cache miss, reading store")

	variant := imagecache.VariantID(key, native)
	res, shared, err := h.flight.do(ctx, variant, func(ctx context.Context) (*conversion, error) {
		return h.readNative(ctx, key, native)
	})
	if err != nil {
		h.flight.forgetOnError(variant, err)
		h.writeFetchError(w, r, key, err, logger)
		return
	}
	if shared {
		logger.Debug("store read shared with concurrent fetch")
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	writeImage(w, native, "miss", res.data)
}

// readNative reads the object from the store and caches it under its native
// format. The bytes are served exactly as stored; nothing is decoded, so a
// blob no decoder accepts still serves natively.
func (h *Handler) readNative(ctx context.Context, key string, native imagecache.Format) (*conversion, error) {
	rc, err := h.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	h.cache.Set(cache.Key{Object: key, Format: string(native)}, data, h.cacheTTL)
	return &conversion{data: data, source: native}, nil
}

// serveConverted returns the converted variant, from the conversion cache
// when present. Misses collapse into one store read and conversion per
// variant no matter how many requests arrive together.
func (h *Handler) serveConverted(w http.ResponseWriter, r *http.Request, key string, target imagecache.Format, logger *slog.Logger) {
	ck := cache.Key{Object: key, Format: string(target)}

	if data, ok := h.cache.Get(ck); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		logger.Debug("cache hit")
		writeImage(w, target, "hit", data)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	logger.Debug("cache miss, converting")

	variant := imagecache.VariantID(key, target)
	res, shared, err := h.flight.do(r.Context(), variant, func(ctx context.Context) (*conversion, error) {
		return h.convertVariant(ctx, key, target)
	})
	if err != nil {
		h.flight.forgetOnError(variant, err)
		h.writeFetchError(w, r, key, err, logger)
		return
	}
	if shared {
		logger.Debug("conversion shared with concurrent fetch")
	}
	writeImage(w, target, "miss", res.data)
}

// convertVariant reads the object from the store, converts it, and caches the
// result. It runs inside the flight group, so one execution serves every
// concurrent fetch of the same variant.
func (h *Handler) convertVariant(ctx context.Context, key string, target imagecache.Format) (*conversion, error) {
	rc, err := h.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	source, _, _, err := convert.Probe(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored object %q is not a decodable image: %v", errConversion, key, err)
	}

	start := time.Now()
	out, err := convert.Image(data, target, h.jpegQuality)
	if err != nil {
		telemetry.RecordConversion(ctx, string(source), string(target), "error", time.Since(start), 0)
		return nil, fmt.Errorf("%w: converting %q to %s: %v", errConversion, key, target, err)
	}
	telemetry.RecordConversion(ctx, string(source), string(target), "success", time.Since(start), int64(len(out)))

	h.cache.Set(cache.Key{Object: key, Format: string(target)}, out, h.cacheTTL)
	return &conversion{data: out, source: source}, nil
}

// writeFetchError maps a fetch pipeline error onto the response taxonomy.
// Conversion failures are never cached, so a later fetch retries them.
func (h *Handler) writeFetchError(w http.ResponseWriter, r *http.Request, key string, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no object %q", key))
	case errors.Is(err, errConversion):
		logger.Error("conversion failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeConversionFailed, "converting stored object failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, r, http.StatusGatewayTimeout, CodeInternalError, "timed out waiting for conversion")
	default:
		logger.Error("fetch failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "reading object failed")
	}
}

func writeImage(w http.ResponseWriter, f imagecache.Format, cacheResult string, data []byte) {
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Cache", cacheResult)
	_, _ = w.Write(data)
}

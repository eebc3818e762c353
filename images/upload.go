package images

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/convert"
	"github.com/wolfeidau/image-cache/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Upload serves POST /images. The body is either a multipart form with a
// "file" part or the raw image bytes with a filename query parameter. Uploads
// are re-encoded into the storage format before they reach the store, so
// every stored object carries the same encoding regardless of what the
// client sent.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "upload")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	data, filename, err := readUploadBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, CodeInvalidRequest,
				fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit))
			return
		}
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	// The filename obeys object key rules: plain name, known image extension.
	if _, err := imagecache.CleanKey(filename); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	srcFormat, width, height, err := convert.Probe(data)
	if err != nil {
		WriteError(w, r, http.StatusUnprocessableEntity, CodeConversionFailed,
			"uploaded bytes could not be decoded as an image")
		return
	}

	stored := data
	if srcFormat != h.storeFormat {
		start := time.Now()
		stored, err = convert.Image(data, h.storeFormat, h.jpegQuality)
		if err != nil {
			telemetry.RecordConversion(ctx, string(srcFormat), string(h.storeFormat), "error", time.Since(start), 0)
			h.logger.Error("upload re-encode failed", "filename", filename, "source", srcFormat, "error", err)
			WriteError(w, r, http.StatusUnprocessableEntity, CodeConversionFailed,
				fmt.Sprintf("re-encoding %s upload to %s failed", srcFormat, h.storeFormat))
			return
		}
		telemetry.RecordConversion(ctx, string(srcFormat), string(h.storeFormat), "success", time.Since(start), int64(len(stored)))
	}

	key := imagecache.ObjectKey(filename, h.storeFormat)
	etag := imagecache.HashBytes(stored)
	logger := h.logger.With("key", key)

	replaced := false
	if _, err := h.meta.GetObject(ctx, key); err == nil {
		replaced = true
	}

	if err := h.backend.Write(ctx, key, bytes.NewReader(stored)); err != nil {
		logger.Error("store write failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "storing object failed")
		return
	}

	info := &metadb.ObjectInfo{
		Key:          key,
		OriginalName: filename,
		Format:       h.storeFormat,
		ContentType:  h.storeFormat.ContentType(),
		Size:         int64(len(stored)),
		Width:        width,
		Height:       height,
		ETag:         etag,
	}
	if err := h.meta.PutObject(ctx, info); err != nil {
		logger.Error("index write failed, removing stored object", "error", err)
		if derr := h.backend.Delete(ctx, key); derr != nil {
			logger.Error("rollback delete failed", "error", derr)
		}
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "indexing object failed")
		return
	}

	// Cached conversions of a replaced object are stale the moment the new
	// bytes land.
	removed := h.cache.Invalidate(key)
	telemetry.RecordCacheInvalidation(ctx, "upload", removed)
	telemetry.RecordUpload(ctx, string(h.storeFormat), int64(len(stored)), replaced)
	telemetry.SetFormat(r, string(h.storeFormat))

	logger.Info("stored object",
		"size", len(stored),
		"etag", etag.ShortString(),
		"source_format", srcFormat,
		"replaced", replaced,
		"cache_entries_removed", removed,
	)
	WriteJSON(w, r, http.StatusCreated, info)
}

// readUploadBody extracts the image bytes and source filename from an upload
// request. Multipart forms use the "file" part and its filename; raw bodies
// name the file through the filename query parameter, which must appear
// exactly once.
func readUploadBody(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("multipart form needs a file part: %w", err)
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}

		// Browsers may send a full path; only the base name matters.
		name := strings.TrimSpace(path.Base(header.Filename))
		if name == "" || name == "." {
			return nil, "", fmt.Errorf("multipart file part has no filename")
		}
		return data, name, nil
	}

	values, ok := r.URL.Query()["filename"]
	if !ok {
		return nil, "", fmt.Errorf("filename query parameter is required for raw uploads")
	}
	if len(values) != 1 {
		return nil, "", fmt.Errorf("filename given %d times, want exactly once", len(values))
	}
	name := strings.TrimSpace(values[0])
	if name == "" {
		return nil, "", fmt.Errorf("filename must not be blank")
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty request body")
	}
	return data, name, nil
}

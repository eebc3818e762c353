// Package server provides the HTTP server for the image cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/allowlist"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/convert"
	"github.com/wolfeidau/image-cache/images"
	"github.com/wolfeidau/image-cache/metadb"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoreDir is the root directory for filesystem storage. The metadata
	// index also lives here unless MetaPath overrides it.
	StoreDir string

	// S3Endpoint switches storage to an S3-compatible object store when set
	// (host:port, no scheme).
	S3Endpoint string

	// S3Bucket is the bucket objects are stored in. Created when absent.
	S3Bucket string

	// S3AccessKey and S3SecretKey are the static credentials for the store.
	S3AccessKey string
	S3SecretKey string

	// S3Region is passed through when the bucket has to be created.
	S3Region string

	// S3UseSSL selects https for the S3 endpoint.
	S3UseSSL bool

	// MetaPath is the bbolt metadata index file.
	// Default: <StoreDir>/meta.db
	MetaPath string

	// CacheTTL is how long converted variants stay servable from the
	// conversion cache. Default: 45 minutes.
	CacheTTL time.Duration

	// JanitorInterval is how often the cache janitor sweeps expired entries.
	// Zero uses the cache default; negative disables the janitor.
	JanitorInterval time.Duration

	// AllowlistPath is the flat file backing the moderators API.
	AllowlistPath string

	// AllowlistTTL is how long the allowlist file is cached before re-read.
	AllowlistTTL time.Duration

	// APIKeys are the shared secrets accepted on mutating endpoints. With no
	// keys configured, mutating requests are refused as misconfigured.
	APIKeys []string

	// StoreFormat is the format uploads are re-encoded into. Default: jpeg.
	StoreFormat string

	// JPEGQuality is the encoder quality for JPEG output (1-100).
	JPEGQuality int

	// MaxUploadSize caps upload request bodies in bytes.
	MaxUploadSize int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend   backend.Backend
	meta      metadb.MetaDB
	cache     *cache.Cache
	allowlist *allowlist.Store
	images    *images.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = "./data"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = images.DefaultCacheTTL
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("cache TTL must be positive, got %s", cfg.CacheTTL)
	}
	if cfg.StoreFormat == "" {
		cfg.StoreFormat = string(imagecache.FormatJPEG)
	}

	storeFormat, err := imagecache.ParseFormat(cfg.StoreFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid storage format: %w", err)
	}
	if !storeFormat.CanEncode() {
		return nil, fmt.Errorf("storage format %s has no encoder", storeFormat)
	}

	// Initialize the storage backend.
	var (
		store       backend.Backend
		backendName string
	)
	if cfg.S3Endpoint != "" {
		s3, err := backend.NewS3(context.Background(), backend.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			UseSSL:          cfg.S3UseSSL,
			Transport:       telemetry.NewInstrumentedTransport(nil, "s3"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 backend: %w", err)
		}
		store, backendName = s3, "s3"
	} else {
		fs, err := backend.NewFilesystem(filepath.Join(cfg.StoreDir, "objects"))
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		store, backendName = fs, "filesystem"
	}
	instrumented := backend.NewInstrumentedBackend(store, backendName)

	// Initialize the metadata index.
	metaPath := cfg.MetaPath
	if metaPath == "" {
		metaPath = filepath.Join(cfg.StoreDir, "meta.db")
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}
	meta := metadb.New(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := meta.Open(metaPath); err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	// Initialize the conversion cache and export its counters.
	convCache := cache.New(cache.WithLogger(cfg.Logger.With("component", "cache")))
	if err := telemetry.RegisterCacheStats(func() (int, uint64, uint64) {
		stats := convCache.Stats()
		return stats.Keys, stats.Hits, stats.Misses
	}); err != nil {
		cfg.Logger.Warn("failed to register cache stats metrics", "error", err)
	}

	// Initialize the moderator allowlist.
	allowOpts := []allowlist.Option{
		allowlist.WithLogger(cfg.Logger.With("component", "allowlist")),
	}
	if cfg.AllowlistTTL > 0 {
		allowOpts = append(allowOpts, allowlist.WithTTL(cfg.AllowlistTTL))
	}
	moderators := allowlist.New(cfg.AllowlistPath, allowOpts...)

	// Initialize the image API handler.
	imageOpts := []images.HandlerOption{
		images.WithLogger(cfg.Logger.With("component", "images")),
		images.WithCacheTTL(cfg.CacheTTL),
		images.WithStoreFormat(storeFormat),
	}
	if cfg.JPEGQuality > 0 {
		imageOpts = append(imageOpts, images.WithJPEGQuality(cfg.JPEGQuality))
	}
	if cfg.MaxUploadSize > 0 {
		imageOpts = append(imageOpts, images.WithMaxUploadSize(cfg.MaxUploadSize))
	}
	imageHandler := images.NewHandler(instrumented, meta, convCache, imageOpts...)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		backend:   instrumented,
		meta:      meta,
		cache:     convCache,
		allowlist: moderators,
		images:    imageHandler,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Conversion cache introspection
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)

	// Image API
	mux.HandleFunc("POST /images", s.images.Upload)
	mux.HandleFunc("GET /images", s.images.List)
	mux.HandleFunc("GET /images/{key}", s.images.Fetch)
	mux.HandleFunc("DELETE /images/{key}", s.images.Delete)

	// Moderators API
	mux.HandleFunc("GET /moderators", s.handleModeratorList)
	mux.HandleFunc("GET /moderators/{id}", s.handleModeratorCheck)
	mux.HandleFunc("POST /moderators/reload", s.handleModeratorReload)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleCacheStats reports conversion cache effectiveness.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_stats")
	images.WriteJSON(w, r, http.StatusOK, s.cache.Stats())
}

// handleCacheClear empties the conversion cache. Hit and miss counters are
// left alone so effectiveness stays observable across clears.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_clear")

	removed := s.cache.Clear()
	telemetry.RecordCacheInvalidation(r.Context(), "clear", removed)
	s.logger.Info("conversion cache cleared", "removed", removed)
	images.WriteJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

// Reindex rebuilds the metadata index from the objects already in the store.
// Used at startup after the index file was lost or the store was populated
// out of band. Objects the index already knows are left alone; undecodable
// blobs are skipped with a warning.
func (s *Server) Reindex(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing store: %w", err)
	}

	indexed := 0
	for _, key := range keys {
		if _, err := imagecache.CleanKey(key); err != nil {
			s.logger.Warn("skipping object with unusable key", "key", key, "error", err)
			continue
		}
		if _, err := s.meta.GetObject(ctx, key); err == nil {
			continue
		}

		rc, err := s.backend.Read(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable object", "key", key, "error", err)
			continue
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			s.logger.Warn("skipping unreadable object", "key", key, "error", err)
			continue
		}

		format, width, height, err := convert.Probe(data)
		if err != nil {
			s.logger.Warn("skipping undecodable object", "key", key, "error", err)
			continue
		}

		info := &metadb.ObjectInfo{
			Key:         key,
			Format:      format,
			ContentType: format.ContentType(),
			Size:        int64(len(data)),
			Width:       width,
			Height:      height,
			ETag:        imagecache.HashBytes(data),
		}
		if err := s.meta.PutObject(ctx, info); err != nil {
			return indexed, fmt.Errorf("indexing %q: %w", key, err)
		}
		indexed++
	}

	s.logger.Info("reindexed store", "objects", len(keys), "indexed", indexed)
	return indexed, nil
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Format != "" {
			attrs = append(attrs, "format", tags.Format)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	interval := s.config.JanitorInterval
	if interval == 0 {
		interval = cache.DefaultJanitorInterval
	}
	if interval > 0 {
		s.logger.Info("starting cache janitor", "interval", interval)
		s.cache.StartJanitor(interval)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.cache.StopJanitor()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.meta.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, middleware included. Exposed for
// tests that drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

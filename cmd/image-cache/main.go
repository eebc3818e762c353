// Command image-cache is an image upload gateway with format conversion and
// an in-memory conversion cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/image-cache/credentials"
	"github.com/wolfeidau/image-cache/credentials/opprovider"
	"github.com/wolfeidau/image-cache/server"
	"github.com/wolfeidau/image-cache/telemetry"
)

var version = "dev"

var cli struct {
	Address  string `help:"Address to listen on." default:":8080" env:"IMAGE_CACHE_ADDRESS"`
	StoreDir string `help:"Root directory for filesystem storage." default:"./data" env:"IMAGE_CACHE_STORE_DIR"`

	S3Endpoint  string `name:"s3-endpoint" help:"S3-compatible endpoint (host:port); switches storage from the filesystem to S3." env:"IMAGE_CACHE_S3_ENDPOINT"`
	S3Bucket    string `name:"s3-bucket" help:"S3 bucket objects are stored in." default:"images" env:"IMAGE_CACHE_S3_BUCKET"`
	S3AccessKey string `name:"s3-access-key" help:"S3 access key." env:"IMAGE_CACHE_S3_ACCESS_KEY"`
	S3SecretKey string `name:"s3-secret-key" help:"S3 secret key." env:"IMAGE_CACHE_S3_SECRET_KEY"`
	S3Region    string `name:"s3-region" help:"S3 region used when the bucket has to be created." default:"us-east-1" env:"IMAGE_CACHE_S3_REGION"`
	S3UseSSL    bool   `name:"s3-use-ssl" help:"Use https for the S3 endpoint." env:"IMAGE_CACHE_S3_USE_SSL"`

	MetaPath        string        `help:"Metadata index file (default: <store-dir>/meta.db)." env:"IMAGE_CACHE_META_PATH"`
	CacheTTL        time.Duration `name:"cache-ttl" help:"How long converted variants stay cached." default:"45m" env:"IMAGE_CACHE_CACHE_TTL"`
	JanitorInterval time.Duration `help:"Cache janitor sweep interval (0 for the default, negative to disable)." env:"IMAGE_CACHE_JANITOR_INTERVAL"`
	AllowlistPath   string        `help:"Moderator allowlist file." default:"./moderators.txt" env:"IMAGE_CACHE_ALLOWLIST_PATH"`
	AllowlistTTL    time.Duration `name:"allowlist-ttl" help:"How long the allowlist file is cached before re-read." default:"5m" env:"IMAGE_CACHE_ALLOWLIST_TTL"`
	APIKeys         []string      `name:"api-keys" help:"API keys accepted on mutating endpoints (comma separated)." env:"IMAGE_CACHE_API_KEYS"`
	CredentialsFile string        `help:"Credentials template file resolving API keys and S3 secrets." env:"IMAGE_CACHE_CREDENTIALS_FILE"`

	StoreFormat   string `help:"Format uploads are re-encoded into (png, jpeg, gif, bmp)." default:"jpeg" env:"IMAGE_CACHE_STORE_FORMAT"`
	JPEGQuality   int    `name:"jpeg-quality" help:"JPEG encoder quality (1-100)." default:"80" env:"IMAGE_CACHE_JPEG_QUALITY"`
	MaxUploadSize int64  `help:"Upload body cap in bytes." default:"33554432" env:"IMAGE_CACHE_MAX_UPLOAD_SIZE"`
	Reindex       bool   `help:"Rebuild the metadata index from the store before serving." env:"IMAGE_CACHE_REINDEX"`

	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"IMAGE_CACHE_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." env:"IMAGE_CACHE_PROMETHEUS"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"IMAGE_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"IMAGE_CACHE_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("Image upload gateway with format conversion and an in-memory conversion cache."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := newLogger(cli.LogLevel, cli.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	cfg := server.Config{
		Address:         cli.Address,
		StoreDir:        cli.StoreDir,
		S3Endpoint:      cli.S3Endpoint,
		S3Bucket:        cli.S3Bucket,
		S3AccessKey:     cli.S3AccessKey,
		S3SecretKey:     cli.S3SecretKey,
		S3Region:        cli.S3Region,
		S3UseSSL:        cli.S3UseSSL,
		MetaPath:        cli.MetaPath,
		CacheTTL:        cli.CacheTTL,
		JanitorInterval: cli.JanitorInterval,
		AllowlistPath:   cli.AllowlistPath,
		AllowlistTTL:    cli.AllowlistTTL,
		APIKeys:         cli.APIKeys,
		StoreFormat:     cli.StoreFormat,
		JPEGQuality:     cli.JPEGQuality,
		MaxUploadSize:   cli.MaxUploadSize,
		Logger:          logger,
	}

	if cli.CredentialsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(ctx, cli.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		cfg.APIKeys = append(cfg.APIKeys, creds.APIKeys...)
		// Direct flags win over the credentials file.
		if creds.S3 != nil {
			if cfg.S3AccessKey == "" {
				cfg.S3AccessKey = creds.S3.AccessKey
			}
			if cfg.S3SecretKey == "" {
				cfg.S3SecretKey = creds.S3.SecretKey
			}
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if cli.Reindex {
		indexed, err := srv.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindexing store: %w", err)
		}
		logger.Info("reindex complete", "indexed", indexed)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address(), "version", version)
	fmt.Println()
	fmt.Println("To upload an image:")
	fmt.Printf("  curl -H 'Authorization: Bearer <key>' --data-binary @photo.png 'http://localhost%s/images?filename=photo.png'\n", srv.Address())
	fmt.Println()
	fmt.Println("To fetch it converted:")
	fmt.Printf("  curl 'http://localhost%s/images/photo.jpg?format=png'\n", srv.Address())
	fmt.Println()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	}
	return slog.New(handler)
}

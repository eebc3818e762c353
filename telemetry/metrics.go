package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/image-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter
	storeHTTPDuration      metric.Float64Histogram
	storeHTTPTotal         metric.Int64Counter
	storeHTTPBytesTotal    metric.Int64Counter

	conversionsTotal      metric.Int64Counter
	conversionDuration    metric.Float64Histogram
	conversionOutputBytes metric.Float64Histogram
	uploadSize            metric.Float64Histogram
	allowlistReloadsTotal metric.Int64Counter
	allowlistMembers      metric.Int64Gauge
	cacheInvalidatedTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "image-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"image_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"image_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"image_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"image_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"image_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"image_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"image_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeHTTPDuration, err := meter.Float64Histogram(
		"image_cache_store_http_request_duration_seconds",
		metric.WithDescription("Duration of object store HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	storeHTTPTotal, err := meter.Int64Counter(
		"image_cache_store_http_requests_total",
		metric.WithDescription("Total number of object store HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeHTTPBytesTotal, err := meter.Int64Counter(
		"image_cache_store_http_bytes_total",
		metric.WithDescription("Total bytes read from object store HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	conversionsTotal, err := meter.Int64Counter(
		"image_cache_conversions_total",
		metric.WithDescription("Total number of image conversions"),
		metric.WithUnit("{conversion}"),
	)
	if err != nil {
		return err
	}

	conversionDuration, err := meter.Float64Histogram(
		"image_cache_conversion_duration_seconds",
		metric.WithDescription("Duration of image conversions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	conversionOutputBytes, err := meter.Float64Histogram(
		"image_cache_conversion_output_bytes",
		metric.WithDescription("Size of converted image outputs"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return err
	}

	uploadSize, err := meter.Float64Histogram(
		"image_cache_upload_size_bytes",
		metric.WithDescription("Size of uploaded images after re-encoding"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return err
	}

	allowlistReloadsTotal, err := meter.Int64Counter(
		"image_cache_allowlist_reloads_total",
		metric.WithDescription("Total moderator allowlist reloads"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return err
	}

	allowlistMembers, err := meter.Int64Gauge(
		"image_cache_allowlist_members",
		metric.WithDescription("Current moderator allowlist size"),
		metric.WithUnit("{member}"),
	)
	if err != nil {
		return err
	}

	cacheInvalidatedTotal, err := meter.Int64Counter(
		"image_cache_conversion_cache_invalidated_total",
		metric.WithDescription("Total conversion cache entries removed by invalidation"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		backendRequestDuration:  backendRequestDuration,
		backendRequestsTotal:    backendRequestsTotal,
		backendBytesTotal:       backendBytesTotal,
		storeHTTPDuration:       storeHTTPDuration,
		storeHTTPTotal:          storeHTTPTotal,
		storeHTTPBytesTotal:     storeHTTPBytesTotal,
		conversionsTotal:        conversionsTotal,
		conversionDuration:      conversionDuration,
		conversionOutputBytes:   conversionOutputBytes,
		uploadSize:              uploadSize,
		allowlistReloadsTotal:   allowlistReloadsTotal,
		allowlistMembers:        allowlistMembers,
		cacheInvalidatedTotal:   cacheInvalidatedTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Format and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	format := "unknown"
	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.Format != "" {
			format = tags.Format
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {format, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("format", format),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("format", format),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordStoreHTTP records one object store HTTP round trip.
// Called by InstrumentedTransport when the response body is closed.
func RecordStoreHTTP(ctx context.Context, store, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeHTTPDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.storeHTTPTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.storeHTTPBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordConversion records one image conversion with its outcome.
func RecordConversion(ctx context.Context, source, target, outcome string, duration time.Duration, outputBytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source_format", source),
		attribute.String("target_format", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.conversionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.conversionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if outputBytes > 0 {
		globalMetrics.conversionOutputBytes.Record(ctx, float64(outputBytes), metric.WithAttributes(attrs...))
	}
}

// RecordUpload records an accepted upload with its stored size.
func RecordUpload(ctx context.Context, format string, size int64, replaced bool) {
	if globalMetrics == nil {
		return
	}

	result := "created"
	if replaced {
		result = "replaced"
	}

	attrs := []attribute.KeyValue{
		attribute.String("format", format),
		attribute.String("result", result),
	}
	globalMetrics.uploadSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordAllowlistReload records one allowlist reload and the resulting set size.
func RecordAllowlistReload(ctx context.Context, outcome string, members int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.allowlistReloadsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.allowlistMembers.Record(ctx, int64(members))
}

// RecordCacheInvalidation records entries removed from the conversion cache.
// reason is "upload", "delete" or "clear".
func RecordCacheInvalidation(ctx context.Context, reason string, removed int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.cacheInvalidatedTotal.Add(ctx, int64(removed),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RegisterCacheStats registers observable instruments reporting conversion
// cache counters. The callback is invoked on every metrics collection, so it
// must be cheap and safe for concurrent use.
func RegisterCacheStats(statsFn func() (keys int, hits, misses uint64)) error {
	if globalMetrics == nil {
		return nil
	}
	meter := globalMetrics.meterProvider.Meter(meterName)

	entries, err := meter.Int64ObservableGauge(
		"image_cache_conversion_cache_entries",
		metric.WithDescription("Current number of conversion cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	hits, err := meter.Int64ObservableCounter(
		"image_cache_conversion_cache_hits_total",
		metric.WithDescription("Total conversion cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	misses, err := meter.Int64ObservableCounter(
		"image_cache_conversion_cache_misses_total",
		metric.WithDescription("Total conversion cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		keys, h, m := statsFn()
		o.ObserveInt64(entries, int64(keys))
		o.ObserveInt64(hits, int64(h))
		o.ObserveInt64(misses, int64(m))
		return nil
	}, entries, hits, misses)
	return err
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	taskTracer trace.Tracer

	tickDuration     metric.Float64Histogram
	tickTotal        metric.Int64Counter
	batchTotal       metric.Int64Counter
	batchSubrequests metric.Int64Histogram
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "dawn-chorus"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Log error but don't fail app startup - observability is optional
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
			// Continue without tracing - app should still function
		} else {
			spanExporter = exp
			fmt.Printf("INFO: OTLP trace exporter initialised successfully for endpoint: %s\n", cfg.OTLPEndpoint)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		taskTracer = tracerProvider.Tracer("dawn-chorus/tasks")
		_ = initTaskInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		// Skip tracing for health checks to reduce noise
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initTaskInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("dawn-chorus/tasks")

	var err error
	tickDuration, err = meter.Float64Histogram(
		"chorus.tick.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to run one scheduler tick"),
	)
	if err != nil {
		return err
	}

	tickTotal, err = meter.Int64Counter(
		"chorus.tick.total",
		metric.WithDescription("Counts scheduler ticks by phase and outcome"),
	)
	if err != nil {
		return err
	}

	batchTotal, err = meter.Int64Counter(
		"chorus.batch.total",
		metric.WithDescription("Counts processed article batches by outcome"),
	)
	if err != nil {
		return err
	}

	batchSubrequests, err = meter.Int64Histogram(
		"chorus.batch.subrequests",
		metric.WithDescription("Outbound subrequests consumed per batch"),
	)
	return err
}

// ArticleSpanInfo describes the attributes used when starting an article enrichment span.
type ArticleSpanInfo struct {
	TaskDate string
	StoryID  int64
	Rank     int
	URL      string
}

// TickMetrics describes a completed scheduler tick for metric recording.
type TickMetrics struct {
	Phase    string
	Action   string
	Status   string
	Duration time.Duration
}

// BatchMetrics describes a processed batch for metric recording.
type BatchMetrics struct {
	Status      string
	Articles    int
	Subrequests int
	Duration    time.Duration
}

// StartArticleSpan starts a span for a single article's enrichment pipeline.
func StartArticleSpan(ctx context.Context, info ArticleSpanInfo) (context.Context, trace.Span) {
	t := taskTracer
	if t == nil {
		t = otel.Tracer("dawn-chorus/tasks")
	}

	attrs := []attribute.KeyValue{
		attribute.String("task.date", info.TaskDate),
		attribute.Int64("article.story_id", info.StoryID),
		attribute.Int("article.rank", info.Rank),
		attribute.String("article.url", info.URL),
	}

	return t.Start(ctx, "tasks.enrich_article", trace.WithAttributes(attrs...))
}

// RecordTick emits tick metrics when instrumentation is initialised.
func RecordTick(ctx context.Context, metrics TickMetrics) {
	if tickDuration != nil {
		tickDuration.Record(ctx, float64(metrics.Duration.Milliseconds()),
			metric.WithAttributes(attribute.String("tick.phase", metrics.Phase), attribute.String("tick.status", metrics.Status)))
	}

	if tickTotal != nil {
		tickTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("tick.phase", metrics.Phase),
				attribute.String("tick.action", metrics.Action),
				attribute.String("tick.status", metrics.Status)))
	}
}

// RecordBatch emits batch metrics when instrumentation is initialised.
func RecordBatch(ctx context.Context, metrics BatchMetrics) {
	if batchTotal != nil {
		batchTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("batch.status", metrics.Status)))
	}

	if batchSubrequests != nil {
		batchSubrequests.Record(ctx, int64(metrics.Subrequests),
			metric.WithAttributes(attribute.String("batch.status", metrics.Status)))
	}
}

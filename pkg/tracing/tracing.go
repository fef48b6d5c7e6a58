// Package tracing configures OpenTelemetry for the sync service and provides
// the gin middleware that opens a span per admin request.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config contains configuration for OpenTelemetry tracing
type Config struct {
	Enabled        bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"SERVICE_VERSION"`
	Environment    string  `yaml:"environment" env:"ENVIRONMENT"`
	SampleRate     float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`

	// OTLP/HTTP export
	Endpoint      string            `yaml:"endpoint" env:"ENDPOINT"`
	URLPath       string            `yaml:"url_path" env:"URL_PATH"`
	Insecure      bool              `yaml:"insecure" env:"INSECURE"`
	Headers       map[string]string `yaml:"headers" env:"-"`
	ExportTimeout time.Duration     `yaml:"export_timeout" env:"EXPORT_TIMEOUT"`
	BatchSize     int               `yaml:"batch_size" env:"BATCH_SIZE"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ServiceName:    "coursemirror",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		Endpoint:       "localhost:4318",
		Insecure:       true,
		ExportTimeout:  10 * time.Second,
		BatchSize:      512,
	}
}

// Service owns the tracer provider
type Service struct {
	config   *Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewService creates a tracing service. When tracing is disabled the global
// no-op provider stays in place.
func NewService(ctx context.Context, config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Service{
			config: config,
			tracer: otel.Tracer(config.ServiceName),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithExportTimeout(config.ExportTimeout),
			sdktrace.WithMaxExportBatchSize(config.BatchSize),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Service{
		config:   config,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

// Enabled reports whether spans are exported
func (s *Service) Enabled() bool {
	return s.provider != nil
}

// Tracer returns the service tracer
func (s *Service) Tracer() trace.Tracer {
	return s.tracer
}

// Shutdown flushes remaining spans
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

// GinMiddleware opens a server span per request, continuing any incoming trace
func (s *Service) GinMiddleware() gin.HandlerFunc {
	propagator := otel.GetTextMapPropagator()
	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := s.tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

func exporterOptions(config *Config) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	}
	if config.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(config.URLPath))
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

package otelcol

import (
	"context"
	"time"

	"licensing-controlplane/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol", fx.Invoke(RegisterTracerProvider))

func newExporter(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := otlptracehttp.NewClient(
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
	)

	return otlptrace.New(ctx, client)
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if len(opts) == 0 {
		opts = []trace.TracerProviderOption{trace.WithResource(resource.Default())}
	}

	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

// RegisterTracerProvider installs the global tracer provider when OTEL.ADDR is set.
func RegisterTracerProvider(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Otel.Addr == "" {
		return nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		zap.L().Error("failed to create otlp exporter", zap.Error(err))
		return err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := ProvideTrace(exporter, trace.WithResource(res))
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return nil
}

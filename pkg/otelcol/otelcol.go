package otelcol

import (
	"context"

	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer provider. Spans are exported over
// OTLP/HTTP when OTEL.ADDR is set and dropped otherwise.
var Module = fx.Module("otelcol",
	fx.Provide(ProvideTracerProvider),
	fx.Invoke(func(oteltrace.TracerProvider) {}),
)

func defaultTraceProviderOption(cfg *config.Config) []trace.TracerProviderOption {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		res = resource.Default()
	}
	return []trace.TracerProviderOption{
		trace.WithResource(res),
	}
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (oteltrace.TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	exporter, err := exporters.ProvideHttp(cfg)
	if err != nil {
		return nil, err
	}
	tp := ProvideTrace(exporter, defaultTraceProviderOption(cfg)...)
	otel.SetTracerProvider(tp)
	zap.L().Info("otel tracing enabled", zap.String("endpoint", cfg.Otel.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(context.WithoutCancel(ctx))
		},
	})
	return tp, nil
}

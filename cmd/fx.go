package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"github.com/webitel/im-fanout-service/config"
	"github.com/webitel/im-fanout-service/infra/metrics"
	"github.com/webitel/im-fanout-service/infra/pubsub"
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/infra/storage"
	adapter "github.com/webitel/im-fanout-service/internal/adapter/pubsub"
	"github.com/webitel/im-fanout-service/internal/domain/delivery"
	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/domain/registry"
	"github.com/webitel/im-fanout-service/internal/domain/room"
	"github.com/webitel/im-fanout-service/internal/handler/fanout"
	"github.com/webitel/im-fanout-service/internal/handler/lp"
	"github.com/webitel/im-fanout-service/internal/handler/rest"
	"github.com/webitel/im-fanout-service/internal/handler/ws"
	"github.com/webitel/im-fanout-service/internal/service"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// telemetryOut receives stdout-exported spans and log records.
var telemetryOut io.Writer = os.Stderr

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideResource,
			ProvideLoggerProvider,
			ProvideLogger,
			ProvideTracer,
		),
		fx.Invoke(func(trace.TracerProvider) {}),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			fl := &fxevent.SlogLogger{Logger: l.With(slog.String("component", "fx"))}
			fl.UseLogLevel(slog.LevelDebug)
			return fl
		}),
		// [INFRA]
		metrics.Module,
		pubsub.Module,
		storage.Module,
		// [DOMAIN]
		adapter.Module,
		registry.Module,
		room.Module,
		delivery.Module,
		service.Module,
		// [TRANSPORT]
		fanout.Module,
		ws.Module,
		lp.Module,
		rest.Module,
		httpsrv.Module,
	)
}

// ProvideResource describes this process to every telemetry signal.
func ProvideResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.namespace", ServiceNamespace),
		attribute.String("service.version", version),
		attribute.String("service.instance.id", cfg.Service.InstanceID),
	))
}

// ProvideLoggerProvider exports otel log records when telemetry.exporter is
// set; otherwise the provider has no processor and drops them.
func ProvideLoggerProvider(lc fx.Lifecycle, cfg *config.Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if cfg.Telemetry.Exporter == config.ExporterStdout {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(telemetryOut))
		if err != nil {
			return nil, fmt.Errorf("stdout log exporter: %w", err)
		}
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
	}

	lp := sdklog.NewLoggerProvider(opts...)
	global.SetLoggerProvider(lp)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return lp.Shutdown(ctx) },
	})
	return lp, nil
}

// ProvideLogger builds the process logger. Its level follows cfg.LevelVar, so
// a config reload changes verbosity without a restart.
func ProvideLogger(cfg *config.Config, lp *sdklog.LoggerProvider) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LevelVar}

	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	if cfg.Log.OTel {
		h = slogmulti.Fanout(h, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(lp)))
	}

	logger := slog.New(h).With(
		slog.String("service", ServiceName),
		slog.String("instance_id", cfg.Service.InstanceID),
	)
	slog.SetDefault(logger)
	return logger
}

// ProvideTracer registers the SDK provider globally so router spans and
// bus propagation share one trace.
func ProvideTracer(lc fx.Lifecycle, cfg *config.Config, res *resource.Resource) (trace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.SampleRatio))),
	}
	if cfg.Telemetry.Exporter == config.ExporterStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(telemetryOut))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	model.ServerVersion = version

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return tp.Shutdown(ctx) },
	})
	return tp, nil
}

// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

// Package tracing 出站发送、解包与分发的链路追踪
package tracing

import (
	"context"
	"os"

	"github.com/hertz-contrib/obs-opentelemetry/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// Provider 可关闭的 tracer provider
type Provider interface {
	Shutdown(ctx context.Context) error
}

// NewProvider 启用了 Hertz 入站传输时使用 hertz-contrib provider（同时设置全局 propagator），否则直接构建 SDK provider。
// ExportEndpoint 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT。
func NewProvider(config OTelConfig, withHertz bool) (Provider, error) {
	if config.ExportEndpoint == "" {
		config.ExportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if config.ServiceName == "" {
		config.ServiceName = tracerName
	}
	if withHertz {
		opts := []provider.Option{
			provider.WithServiceName(config.ServiceName),
			provider.WithExportEndpoint(config.ExportEndpoint),
		}
		if config.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		return provider.NewOpenTelemetryProvider(opts...), nil
	}
	return InitTracer(config)
}

const tracerName = "didcomm-agent"

// StartSendSpan 出站发送 span
func StartSendSpan(ctx context.Context, toKey string, route string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "conductor.send",
		trace.WithAttributes(
			attribute.String("message.to_key", toKey),
			attribute.String("message.route", route),
		),
	)
}

// StartUnpackSpan 入站解包 span
func StartUnpackSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "conductor.unpack")
}

// StartDispatchSpan handler 分发 span
func StartDispatchSpan(ctx context.Context, msgType string, msgID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("message.type", msgType),
			attribute.String("message.id", msgID),
		),
	)
}

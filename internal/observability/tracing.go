// Package observability 初始化进程级的链路追踪。
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// InitTracerProvider 创建 stdout 导出的 TracerProvider 并设置为全局实例。
// enabled 为 false 时返回 nil，全局保持 no-op 实现。
func InitTracerProvider(enabled bool, logger *zap.Logger) (*trace.TracerProvider, error) {
	if !enabled {
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		logger.Error("failed to create trace exporter", zap.Error(err))
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", zap.String("exporter", "stdout"))
	return tp, nil
}

// ShutdownTracerProvider 刷新并关闭 TracerProvider，tp 为 nil 时不做任何事。
func ShutdownTracerProvider(ctx context.Context, tp *trace.TracerProvider, logger *zap.Logger) {
	if tp == nil {
		return
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer provider", zap.Error(err))
	}
}

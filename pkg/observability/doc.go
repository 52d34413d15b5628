// Package observability provides logging, Prometheus metrics and OpenTelemetry tracing.
//
// # Logging
//
//	logger := observability.NewLogger("info", "text", os.Stderr)
//	observability.PluginLogger(logger, "aws-s3").Info("activated")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordTransition("loaded", "initialized", false, time.Since(start))
//
// A nil *Metrics records nothing, so components take it as an optional dependency.
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "hangar",
//	}, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// # Shutdown
//
// ShutdownManager runs cleanup functions in reverse registration order.
package observability

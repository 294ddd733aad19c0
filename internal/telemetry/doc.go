// Package telemetry wires OpenTelemetry tracing and metrics for the memsync
// daemons.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP) to a collector.
// When telemetry is disabled the otel globals stay no-op and every helper
// still returns usable tracers and meters.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, span := tel.Tracer("memsync.sync").Start(ctx, "sync.cycle")
//	defer span.End()
//
// Export failures never stop the process: the instance is marked degraded
// and Health reports the reason.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "index.rebuild")
//	span.End()
//	tt.AssertSpanExists(t, "index.rebuild")
package telemetry

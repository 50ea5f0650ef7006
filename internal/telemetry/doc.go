// Package telemetry sets up OpenTelemetry tracing and metrics for ragd.
//
// Spans and metrics are exported over OTLP (gRPC by default, or
// HTTP/protobuf) to a collector. With telemetry disabled the global no-op
// providers stay installed, so instrumented packages need no checks.
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, telemetry.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry

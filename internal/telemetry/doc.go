// Package telemetry wires OpenTelemetry tracing and metrics for graphd.
//
// New installs OTLP (gRPC or HTTP) tracer and meter providers as the otel
// globals. The engine libraries never import this package; they call
// otel.Tracer and otel.Meter and emit spans such as checkpoint.append,
// dispatch.step and approval.resolve, plus counters like
// graphd.checkpoint.appends_total.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    export_interval: "15s"
//
// Tests use NewTestTelemetry and Install to capture spans and counters in
// memory.
package telemetry

// Package logging provides the structured logger used by the graphd
// binaries.
//
// Logger wraps zap with context-aware methods. Correlation fields are taken
// from the context on every call:
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	ctx = logging.WithWorkerID(ctx, "finance")
//	ctx = logging.WithStep(ctx, 2)
//	logger.Info(ctx, "step completed", zap.Int64("cost", 200))
//
// produces
//
//	{"level":"info","msg":"step completed","run.id":"…","worker.id":"finance","step":2,"cost":200}
//
// together with trace_id and span_id when ctx carries a recording span.
//
// Library packages under pkg/ take a plain *zap.Logger; pass
// Logger.Underlying to them.
//
// Output goes to stdout, to an OpenTelemetry log provider through the
// otelzap bridge, or both. Entries below error level are sampled; errors
// never are. Values of sensitive keys and strings that look like bearer
// tokens or API keys are redacted by the encoder.
//
// Tests use NewTestLogger, which records entries in memory.
package logging

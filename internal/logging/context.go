package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx: the OTEL span and the
// run, worker and step the engine is working on.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := WorkerIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("worker.id", id))
	}
	if step, ok := StepFromContext(ctx); ok {
		fields = append(fields, zap.Int("step", step))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

type (
	runCtxKey     struct{}
	workerCtxKey  struct{}
	stepCtxKey    struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

const maxIDLen = 256

// Child run ids nest parent ids with '/'.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

func validateID(id, name string) error {
	switch {
	case id == "":
		return fmt.Errorf("%s cannot be empty", name)
	case !utf8.ValidString(id):
		return fmt.Errorf("%s contains invalid UTF-8", name)
	case len(id) > maxIDLen:
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// ValidID reports whether id is accepted by WithRunID, WithWorkerID and
// WithRequestID. Ids that arrive from outside the process should be checked
// with it first.
func ValidID(id string) bool {
	return validateID(id, "id") == nil
}

// WithStepScope adds the run, worker and step a dispatch works on to ctx.
// An id that is not valid is left out rather than panicking.
func WithStepScope(ctx context.Context, runID, workerID string, step int) context.Context {
	if ValidID(runID) {
		ctx = context.WithValue(ctx, runCtxKey{}, runID)
	}
	if ValidID(workerID) {
		ctx = context.WithValue(ctx, workerCtxKey{}, workerID)
	}
	if step >= 0 {
		ctx = context.WithValue(ctx, stepCtxKey{}, step)
	}
	return ctx
}

// WithRunID adds a run id to ctx. Panics on an invalid id.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateID(runID, "runID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id in ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithWorkerID adds a worker id to ctx. Panics on an invalid id.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	if err := validateID(workerID, "workerID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, workerCtxKey{}, workerID)
}

// WorkerIDFromContext returns the worker id in ctx, if any.
func WorkerIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(workerCtxKey{}).(string)
	return s
}

// WithStep adds a plan step index to ctx. Panics on a negative index.
func WithStep(ctx context.Context, step int) context.Context {
	if step < 0 {
		panic(fmt.Sprintf("logging: step must be >= 0, got %d", step))
	}
	return context.WithValue(ctx, stepCtxKey{}, step)
}

// StepFromContext returns the step index in ctx.
func StepFromContext(ctx context.Context) (int, bool) {
	step, ok := ctx.Value(stepCtxKey{}).(int)
	return step, ok
}

// WithRequestID adds an HTTP request id to ctx. Panics on an invalid id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

// Package checkpoint provides the append-only log of Run snapshots that makes
// runs resumable and replayable.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/internal/runlock"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

const instrumentationName = "github.com/fyrsmithlabs/graphd/pkg/checkpoint"

// Log is the checkpoint log contract used by the dispatcher and the engine.
type Log interface {
	// Append durably stores run and returns the new checkpoint. Appending a
	// run whose Version is already checkpointed returns that checkpoint.
	Append(ctx context.Context, run state.Run) (Checkpoint, error)

	// Latest returns the most recently checkpointed Run.
	Latest(ctx context.Context, runID string) (state.Run, error)

	// History yields every checkpoint of a run in sequence order. The
	// sequence is lazy and can be ranged over more than once.
	History(ctx context.Context, runID string) iter.Seq2[Checkpoint, error]

	// ReplayTo reconstructs a run as of a historical sequence number.
	ReplayTo(ctx context.Context, runID string, seq int64) (state.Run, error)

	// Runs lists every run id with at least one checkpoint.
	Runs(ctx context.Context) ([]string, error)
}

// RetryPolicy bounds the exponential backoff applied to backend failures.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Options configures a Service.
type Options struct {
	Retry RetryPolicy

	// PageSize is the number of checkpoints History fetches per backend call.
	PageSize int

	// Now overrides the clock used for CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Service implements Log on top of a Backend, retrying backend failures
// with bounded exponential backoff.
type Service struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	tracer        trace.Tracer
	appendCounter metric.Int64Counter
	retryCounter  metric.Int64Counter

	// appends for one run are serialized; different runs append concurrently
	locks runlock.Set
}

var _ Log = (*Service)(nil)

// NewService creates a checkpoint log over backend.
func NewService(backend Backend, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		backend: backend,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	s.appendCounter, err = meter.Int64Counter(
		"graphd.checkpoint.appends_total",
		metric.WithDescription("Total number of checkpoints appended"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create append counter", zap.Error(err))
	}

	s.retryCounter, err = meter.Int64Counter(
		"graphd.checkpoint.retries_total",
		metric.WithDescription("Total number of retried backend operations"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		s.logger.Warn("failed to create retry counter", zap.Error(err))
	}
}

// Append implements Log.
func (s *Service) Append(ctx context.Context, run state.Run) (Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int64("run.version", run.Version),
		attribute.String("run.status", string(run.Status)),
	)

	if run.ID == "" {
		return Checkpoint{}, errors.New("run id is required")
	}

	unlock := s.locks.Lock(run.ID)
	defer unlock()

	var next int64 = 1
	last, err := retry(ctx, s, "last", func() (Checkpoint, error) {
		return s.backend.Last(ctx, run.ID)
	})
	switch {
	case err == nil:
		if last.Version == run.Version {
			return last, nil
		}
		if run.Version < last.Version {
			return Checkpoint{}, fmt.Errorf("%w: run %s version %d is behind checkpointed version %d",
				ErrStaleVersion, run.ID, run.Version, last.Version)
		}
		next = last.Sequence + 1
	case errors.Is(err, ErrNotFound):
	default:
		s.fail(span, run.ID, err)
		return Checkpoint{}, fmt.Errorf("%w: reading last checkpoint of %s: %w", ErrPersistence, run.ID, err)
	}

	snapshot, err := Encode(run)
	if err != nil {
		s.fail(span, run.ID, err)
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Sequence:  next,
		Version:   run.Version,
		Status:    run.Status,
		Snapshot:  snapshot,
		CreatedAt: s.opts.Now().UTC(),
	}

	attempt := 0
	_, err = retry(ctx, s, "put", func() (struct{}, error) {
		attempt++
		err := s.backend.Put(ctx, cp)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrSequenceConflict) {
			// An earlier attempt may have been stored even though it
			// reported failure.
			if attempt > 1 {
				if stored, lerr := s.backend.Last(ctx, run.ID); lerr == nil && stored.ID == cp.ID {
					return struct{}{}, nil
				}
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		s.fail(span, run.ID, err)
		return Checkpoint{}, fmt.Errorf("%w: run %s sequence %d: %w", ErrPersistence, run.ID, cp.Sequence, err)
	}

	if s.appendCounter != nil {
		s.appendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
	}
	span.SetAttributes(attribute.Int64("checkpoint.sequence", cp.Sequence))
	s.logger.Debug("checkpoint appended",
		zap.String("run_id", run.ID),
		zap.Int64("sequence", cp.Sequence),
		zap.Int64("version", cp.Version),
		zap.String("status", string(cp.Status)))

	return cp, nil
}

// Latest implements Log.
func (s *Service) Latest(ctx context.Context, runID string) (state.Run, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	cp, err := retry(ctx, s, "last", func() (Checkpoint, error) {
		return s.backend.Last(ctx, runID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return state.Run{}, err
		}
		s.fail(span, runID, err)
		return state.Run{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return cp.Run()
}

// History implements Log.
func (s *Service) History(ctx context.Context, runID string) iter.Seq2[Checkpoint, error] {
	return func(yield func(Checkpoint, error) bool) {
		var after int64
		for {
			page, err := retry(ctx, s, "list", func() ([]Checkpoint, error) {
				return s.backend.List(ctx, runID, after, s.opts.PageSize)
			})
			if err != nil {
				yield(Checkpoint{}, fmt.Errorf("%w: listing %s after %d: %w", ErrPersistence, runID, after, err))
				return
			}
			for _, cp := range page {
				if !yield(cp, nil) {
					return
				}
				after = cp.Sequence
			}
			if len(page) < s.opts.PageSize {
				return
			}
		}
	}
}

// ReplayTo implements Log.
func (s *Service) ReplayTo(ctx context.Context, runID string, seq int64) (state.Run, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.replay")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.Int64("checkpoint.sequence", seq))

	cp, err := retry(ctx, s, "get", func() (Checkpoint, error) {
		return s.backend.Get(ctx, runID, seq)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return state.Run{}, err
		}
		s.fail(span, runID, err)
		return state.Run{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return cp.Run()
}

// Runs implements Log.
func (s *Service) Runs(ctx context.Context) ([]string, error) {
	ids, err := retry(ctx, s, "run_ids", func() ([]string, error) {
		return s.backend.RunIDs(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return ids, nil
}

func (s *Service) fail(span trace.Span, runID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("checkpoint operation failed", zap.String("run_id", runID), zap.Error(err))
}

// retry runs op with the service's backoff policy. ErrNotFound and
// context errors are not retried.
func retry[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Retry.InitialInterval
	b.MaxInterval = s.opts.Retry.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.opts.Retry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if s.retryCounter != nil {
				s.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			}
			s.logger.Warn("retrying checkpoint backend",
				zap.String("op", op),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	}
	if s.opts.Retry.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.opts.Retry.MaxElapsedTime))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

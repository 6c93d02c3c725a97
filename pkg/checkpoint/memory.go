package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Backend is the persistence contract behind the Log. Implementations must
// make Put atomic and reject any checkpoint that is not the immediate
// successor of the run's last one with ErrSequenceConflict.
type Backend interface {
	// Put stores a checkpoint.
	Put(ctx context.Context, cp Checkpoint) error

	// Last returns the highest-sequence checkpoint of a run, or ErrNotFound.
	Last(ctx context.Context, runID string) (Checkpoint, error)

	// Get returns one checkpoint, or ErrNotFound.
	Get(ctx context.Context, runID string, seq int64) (Checkpoint, error)

	// List returns up to limit checkpoints with sequence greater than after,
	// ordered by sequence.
	List(ctx context.Context, runID string, after int64, limit int) ([]Checkpoint, error)

	// RunIDs returns every run id with at least one checkpoint, sorted.
	RunIDs(ctx context.Context) ([]string, error)
}

// MemoryBackend keeps checkpoints in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	runs map[string][]Checkpoint
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{runs: make(map[string][]Checkpoint)}
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.runs[cp.RunID]
	if want := int64(len(list)) + 1; cp.Sequence != want {
		return fmt.Errorf("%w: run %s expects sequence %d, got %d", ErrSequenceConflict, cp.RunID, want, cp.Sequence)
	}
	b.runs[cp.RunID] = append(list, cp.Clone())
	return nil
}

// Last implements Backend.
func (b *MemoryBackend) Last(ctx context.Context, runID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.runs[runID]
	if len(list) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return list[len(list)-1].Clone(), nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, runID string, seq int64) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.runs[runID]
	if seq < 1 || seq > int64(len(list)) {
		return Checkpoint{}, fmt.Errorf("%w: run %s sequence %d", ErrNotFound, runID, seq)
	}
	return list[seq-1].Clone(), nil
}

// List implements Backend.
func (b *MemoryBackend) List(ctx context.Context, runID string, after int64, limit int) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.runs[runID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(list)) {
		return nil, nil
	}
	end := len(list)
	if limit > 0 && int(after)+limit < end {
		end = int(after) + limit
	}
	out := make([]Checkpoint, 0, end-int(after))
	for _, cp := range list[after:end] {
		out = append(out, cp.Clone())
	}
	return out, nil
}

// RunIDs implements Backend.
func (b *MemoryBackend) RunIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

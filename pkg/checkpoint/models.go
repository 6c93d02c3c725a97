package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/graphd/pkg/state"
)

var (
	// ErrNotFound is returned for an unknown run id or sequence number.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrPersistence is returned when the backend could not durably store a
	// checkpoint after all retries. The log is unchanged.
	ErrPersistence = errors.New("checkpoint persistence failed")

	// ErrSequenceConflict is returned by a Backend when a checkpoint is not
	// the immediate successor of the run's last checkpoint.
	ErrSequenceConflict = errors.New("checkpoint sequence conflict")

	// ErrStaleVersion is returned when appending a Run older than the one
	// already checkpointed.
	ErrStaleVersion = errors.New("stale run version")
)

// Checkpoint is an immutable, sequence-numbered snapshot of a Run.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint (UUID)
	ID string `json:"id"`

	// RunID is the run the snapshot belongs to.
	RunID string `json:"run_id"`

	// Sequence starts at 1 and increases by one per append.
	Sequence int64 `json:"sequence"`

	// Version is the Run.Version captured in the snapshot.
	Version int64 `json:"version"`

	// Status is the run status captured in the snapshot, kept alongside it
	// so listings do not have to decode.
	Status state.Status `json:"status"`

	// Snapshot is the encoded Run.
	Snapshot []byte `json:"snapshot"`

	CreatedAt time.Time `json:"created_at"`
}

// Run decodes the snapshot. Every call returns an independent value.
func (c Checkpoint) Run() (state.Run, error) {
	return Decode(c.Snapshot)
}

// Validate checks the checkpoint before it is handed to a backend.
func (c Checkpoint) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.RunID == "" {
		return errors.New("run id is required")
	}
	if c.Sequence < 1 {
		return fmt.Errorf("sequence must be positive, got %d", c.Sequence)
	}
	if len(c.Snapshot) == 0 {
		return errors.New("snapshot is empty")
	}
	return nil
}

// Clone returns a copy of c that shares no memory with it. Backends hand out
// clones so that a stored checkpoint can never be modified through a caller.
func (c Checkpoint) Clone() Checkpoint {
	c.Snapshot = bytes.Clone(c.Snapshot)
	return c
}

// Encode serializes a Run into its canonical snapshot form. HTML escaping is
// disabled so that opaque payloads keep their exact bytes.
func Encode(run state.Run) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(run); err != nil {
		return nil, fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode reconstructs a Run from a snapshot.
func Decode(snapshot []byte) (state.Run, error) {
	var run state.Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return state.Run{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return run, nil
}

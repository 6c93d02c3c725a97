package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/guard"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "graphd.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_PutAndRead(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.Put(ctx, checkpoint.Checkpoint{
			ID: "cp" + string(rune('0'+seq)), RunID: "r", Sequence: seq, Version: seq,
			Status: state.StatusRunning, Snapshot: []byte(`{"id":"r"}`), CreatedAt: t0,
		}))
	}

	last, err := s.Last(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Sequence)
	assert.Equal(t, state.StatusRunning, last.Status)
	assert.Equal(t, t0, last.CreatedAt)

	got, err := s.Get(ctx, "r", 2)
	require.NoError(t, err)
	assert.Equal(t, "cp2", got.ID)

	page, err := s.List(ctx, "r", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Sequence)

	all, err := s.List(ctx, "r", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.Get(ctx, "r", 9)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = s.Last(ctx, "other")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStore_RejectsNonSuccessor(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	snap := []byte(`{}`)

	require.NoError(t, s.Put(ctx, checkpoint.Checkpoint{ID: "a", RunID: "r", Sequence: 1, Snapshot: snap, CreatedAt: t0}))
	err := s.Put(ctx, checkpoint.Checkpoint{ID: "b", RunID: "r", Sequence: 1, Snapshot: snap, CreatedAt: t0})
	assert.ErrorIs(t, err, checkpoint.ErrSequenceConflict)
	err = s.Put(ctx, checkpoint.Checkpoint{ID: "c", RunID: "r", Sequence: 5, Snapshot: snap, CreatedAt: t0})
	assert.ErrorIs(t, err, checkpoint.ErrSequenceConflict)

	list, err := s.List(ctx, "r", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "failed puts leave no partial rows")
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graphd.db")

	s, err := Open(path)
	require.NoError(t, err)
	log := checkpoint.NewService(s, checkpoint.Options{}, nil)

	run := state.New("run-1", state.Objective{Description: "x", Constraints: state.Constraints{BudgetCeiling: 10}}, t0)
	run, err = state.ApplyAll(run,
		state.SetPlan{Plan: []state.PlanStep{{WorkerID: "a"}}},
		state.Transition{To: state.StatusRunning},
	)
	require.NoError(t, err)
	_, err = log.Append(ctx, run)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	log = checkpoint.NewService(s, checkpoint.Options{}, nil)

	got, err := log.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	ids, err := log.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)
}

func TestStore_Violations(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	v1 := guard.Violation{RunID: "r1", RequestedBy: "design", TargetDomain: "finance", Action: guard.ActionDispatch, Reason: "no", Timestamp: t0}
	v2 := guard.Violation{RunID: "r2", RequestedBy: "x", TargetDomain: "y", Action: guard.ActionDispatch, Reason: "no", Timestamp: t0.Add(time.Second)}
	require.NoError(t, s.Record(ctx, v1))
	require.NoError(t, s.Record(ctx, v2))

	got, err := s.Violations(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []guard.Violation{v1}, got)

	all, err := s.Violations(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []guard.Violation{v1, v2}, all)
}

func TestStore_Ping(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "graphd.db"))
	require.NoError(t, err)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}

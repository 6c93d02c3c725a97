package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/graphd/pkg/state"
)

func TestForRun(t *testing.T) {
	run := state.Run{
		ID:            "p/0/a",
		Parent:        &state.ParentRef{RunID: "p"},
		Status:        state.StatusFailed,
		Cursor:        2,
		FailureReason: "budget exceeded",
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))

	e := ForRun(RunFailed, run, 7, at)
	assert.Equal(t, Event{
		Kind: RunFailed, RunID: "p/0/a", ParentRunID: "p", Step: 2,
		Status: state.StatusFailed, Reason: "budget exceeded", Sequence: 7, At: at.UTC(),
	}, e)
}

func TestTerminalKind(t *testing.T) {
	k, ok := TerminalKind(state.StatusCancelled)
	assert.True(t, ok)
	assert.Equal(t, RunCancelled, k)

	_, ok = TerminalKind(state.StatusRunning)
	assert.False(t, ok)
	assert.Len(t, Kinds(), 7)
}

func TestMulti(t *testing.T) {
	var got []Kind
	ok := Func(func(_ context.Context, e Event) error {
		got = append(got, e.Kind)
		return nil
	})
	bad := Func(func(context.Context, Event) error { return errors.New("boom") })

	err := Multi{ok, bad, ok, Nop{}}.Emit(context.Background(), Event{Kind: RunStarted})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []Kind{RunStarted, RunStarted}, got)
}

func TestChannel_DropsWhenFull(t *testing.T) {
	ctx := context.Background()
	c := NewChannel(2)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Emit(ctx, Event{Kind: StepCompleted, Step: i}))
	}
	assert.Equal(t, int64(3), c.Dropped())

	first := <-c.Events()
	assert.Equal(t, 0, first.Step)

	c.Close()
	c.Close()
	require.NoError(t, c.Emit(ctx, Event{}))
	assert.Equal(t, int64(4), c.Dropped())

	var rest []Event
	for e := range c.Events() {
		rest = append(rest, e)
	}
	assert.Len(t, rest, 1)
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLog(zap.New(core))

	require.NoError(t, sink.Emit(context.Background(), Event{
		Kind: ApprovalResolved, RunID: "r", RequestID: "ap", Decision: state.ApprovalApproved,
	}))

	entries := logs.FilterMessage("run event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "approval_resolved", fields["kind"])
	assert.Equal(t, "approved", fields["decision"])
}

package natssink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSink_Subject(t *testing.T) {
	s := New(nil, "", nil)
	assert.Equal(t, "graphd.runs.parent/0/finance.step_completed",
		s.Subject(event.Event{RunID: "parent/0/finance", Kind: event.StepCompleted}))
	assert.Equal(t, "ops.runs.a_b_c.run_failed",
		New(nil, "ops", nil).Subject(event.Event{RunID: "a.b c", Kind: event.RunFailed}))
}

func TestSink_Publishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("graphd.runs.run-1.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink := New(nc, "", nil)
	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, event.Event{Kind: event.RunStarted, RunID: "run-1", Status: state.StatusRunning, Sequence: 1}))
	require.NoError(t, sink.Emit(ctx, event.Event{Kind: event.RunCompleted, RunID: "run-1", Status: state.StatusCompleted, Sequence: 4}))
	require.NoError(t, sink.Emit(ctx, event.Event{Kind: event.RunStarted, RunID: "run-2"}))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "graphd.runs.run-1.run_started", msg.Subject)

	var e event.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, int64(1), e.Sequence)

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "graphd.runs.run-1.run_completed", msg.Subject)

	_, err = sub.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestSink_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	err = New(nc, "", nil).Emit(context.Background(), event.Event{Kind: event.RunStarted, RunID: "r"})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestRelay_ForwardsPublishedEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := event.NewChannel(8)
	sub, err := Relay(nc, "ops", got, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	pub := New(nc, "ops", nil)
	ctx := context.Background()
	require.NoError(t, nc.Publish("ops.runs.run-1.run_started", []byte("not json")))
	require.NoError(t, pub.Emit(ctx, event.Event{Kind: event.RunStarted, RunID: "run-1", Sequence: 2}))
	require.NoError(t, New(nc, "other", nil).Emit(ctx, event.Event{Kind: event.RunStarted, RunID: "run-9"}))
	require.NoError(t, nc.Flush())

	select {
	case e := <-got.Events():
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, int64(2), e.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not received")
	}

	select {
	case e := <-got.Events():
		t.Fatalf("unexpected relayed event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

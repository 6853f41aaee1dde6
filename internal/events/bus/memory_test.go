package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/netra-gateway/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "text",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("agent.started", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("agent.started", "test", map[string]interface{}{"run_id": "run-1"})
	require.NoError(t, b.Publish(context.Background(), "agent.started", event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "run-1", got.Data["run_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var count atomic.Int32
	_, err := b.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.started", NewEvent("agent.started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "agent.chunk", NewEvent("agent.chunk", "test", nil)))
	require.NoError(t, b.Publish(ctx, "tool.executing", NewEvent("tool.executing", "test", nil)))

	assert.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 10*time.Millisecond)

	// The tool event never arrives.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("agent.*", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.started", NewEvent("agent.started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "agent.run.started", NewEvent("agent.run.started", "test", nil)))

	select {
	case typ := <-received:
		assert.Equal(t, "agent.started", typ)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// The two-token suffix must not match a single-token wildcard.
	select {
	case typ := <-received:
		t.Fatalf("unexpected delivery: %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("agent.started", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agent.started", NewEvent("agent.started", "test", nil)))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var first, second atomic.Int32
	_, err := b.QueueSubscribe("agent.started", "workers", func(ctx context.Context, e *Event) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("agent.started", "workers", func(ctx context.Context, e *Event) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "agent.started", NewEvent("agent.started", "test", nil)))
	}

	// Each event goes to exactly one member of the queue group.
	assert.Eventually(t, func() bool {
		return first.Load()+second.Load() == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestMemoryEventBus_RequestReply(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	_, err := b.Subscribe("agent.status", func(ctx context.Context, e *Event) error {
		replySubject, _ := e.Data["_reply"].(string)
		if replySubject == "" {
			return nil
		}
		reply := NewEvent("agent.status.reply", "test", map[string]interface{}{"status": "running"})
		return b.Publish(ctx, replySubject, reply)
	})
	require.NoError(t, err)

	req := NewEvent("agent.status", "test", map[string]interface{}{"run_id": "run-1"})
	resp, err := b.Request(context.Background(), "agent.status", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Data["status"])
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	req := NewEvent("agent.status", "test", nil)
	_, err := b.Request(context.Background(), "agent.status", req, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))

	sub, err := b.Subscribe("agent.started", func(ctx context.Context, e *Event) error { return nil })
	require.NoError(t, err)
	require.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Publish(context.Background(), "agent.started", NewEvent("agent.started", "test", nil)))

	_, err = b.Subscribe("agent.started", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netra-systems/netra-gateway/internal/events"
	"github.com/netra-systems/netra-gateway/internal/events/bus"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

func TestAgentBroadcaster_ForwardsToOwningManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	f := testFactory(t, FactoryConfig{})
	m, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)
	conn := attachConnection(t, m, "conn-1")

	RegisterAgentNotifications(ctx, eventBus, f, log)

	event := bus.NewEvent(events.AgentStarted, "orchestrator", map[string]interface{}{
		"user_id":   "user-1",
		"thread_id": "thread-1",
		"run_id":    "run-1",
	})
	require.NoError(t, eventBus.Publish(ctx, events.AgentStarted, event))

	var got ws.Message
	select {
	case data := <-conn.send:
		require.NoError(t, json.Unmarshal(data, &got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	assert.Equal(t, ws.MessageTypeNotification, got.Type)
	assert.Equal(t, ws.ActionAgentStarted, got.Action)

	var payload map[string]interface{}
	require.NoError(t, got.ParsePayload(&payload))
	assert.Equal(t, "thread-1", payload["thread_id"])

	// The run status is tracked on the manager for thread.status queries.
	require.Eventually(t, func() bool {
		status, ok := m.AgentState("run-1")
		return ok && status == "running"
	}, time.Second, 10*time.Millisecond)
}

func TestAgentBroadcaster_IsolatesThreads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	f := testFactory(t, FactoryConfig{})
	a, err := f.GetOrCreate(testContext(t, "user-1", "thread-a"))
	require.NoError(t, err)
	connA := attachConnection(t, a, "conn-a")
	b, err := f.GetOrCreate(testContext(t, "user-1", "thread-b"))
	require.NoError(t, err)
	connB := attachConnection(t, b, "conn-b")

	RegisterAgentNotifications(ctx, eventBus, f, log)

	event := bus.NewEvent(events.ToolExecuting, "orchestrator", map[string]interface{}{
		"user_id":   "user-1",
		"thread_id": "thread-a",
		"tool":      "search",
	})
	require.NoError(t, eventBus.Publish(ctx, events.ToolExecuting, event))

	select {
	case data := <-connA.send:
		var got ws.Message
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, ws.ActionToolExecuting, got.Action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	// The sibling thread's connection must see nothing.
	select {
	case data := <-connB.send:
		t.Fatalf("unexpected delivery to other thread: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAgentBroadcaster_DropsEventsWithoutScope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	f := testFactory(t, FactoryConfig{})
	m, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)
	conn := attachConnection(t, m, "conn-1")

	RegisterAgentNotifications(ctx, eventBus, f, log)

	// Missing thread_id: no way to resolve a manager.
	event := bus.NewEvent(events.AgentChunk, "orchestrator", map[string]interface{}{
		"user_id": "user-1",
	})
	require.NoError(t, eventBus.Publish(ctx, events.AgentChunk, event))

	// Scope with no active manager: dropped, never creates one.
	orphan := bus.NewEvent(events.AgentChunk, "orchestrator", map[string]interface{}{
		"user_id":   "user-2",
		"thread_id": "thread-9",
	})
	require.NoError(t, eventBus.Publish(ctx, events.AgentChunk, orphan))

	select {
	case data := <-conn.send:
		t.Fatalf("unexpected delivery: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, f.ManagerCount())
}

package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netra-systems/netra-gateway/internal/common/errors"
	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/gateway/identity"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
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

func testFactory(t *testing.T, cfg FactoryConfig) *ManagerFactory {
	t.Helper()
	return NewManagerFactory(cfg, testLogger(t))
}

func testContext(t *testing.T, userID, threadID string) *identity.UserExecutionContext {
	t.Helper()
	uec, err := identity.NewFactory().Build(identity.ContextRequest{
		UserID:   userID,
		ThreadID: threadID,
	})
	require.NoError(t, err)
	return uec
}

// attachConnection registers a connection so the manager is not an eviction
// candidate. The socket is nil; nothing in these tests runs the pumps.
func attachConnection(t *testing.T, m *IsolatedManager, id string) *Connection {
	t.Helper()
	c := NewConnection(id, m.Context().UserID, nil, m, testLogger(t))
	require.NoError(t, m.AddConnection(c))
	return c
}

func TestFactory_GetOrCreate_SameKeySameManager(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	first, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)

	// A second request for the same user and thread, with fresh run and
	// request IDs, must resolve to the existing manager.
	second, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.ManagerCount())
	assert.True(t, first.IsActive())
}

func TestFactory_GetOrCreate_DistinctThreadsIsolated(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	a, err := f.GetOrCreate(testContext(t, "user-1", "thread-a"))
	require.NoError(t, err)
	b, err := f.GetOrCreate(testContext(t, "user-1", "thread-b"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, 2, f.UserManagerCount("user-1"))

	// Cleaning up one thread leaves the other untouched.
	assert.True(t, f.Cleanup(a.Key()))
	assert.Equal(t, 1, f.UserManagerCount("user-1"))
	assert.True(t, b.IsActive())
	assert.False(t, a.IsActive())
}

func TestFactory_Cleanup_RoundTrip(t *testing.T) {
	f := testFactory(t, FactoryConfig{})
	uec := testContext(t, "user-1", "thread-1")

	m, err := f.GetOrCreate(uec)
	require.NoError(t, err)
	conn := attachConnection(t, m, "conn-1")

	require.True(t, f.Cleanup(uec.IsolationKey()))
	assert.Equal(t, 0, f.ManagerCount())
	assert.Equal(t, StateInactive, m.State())

	// Teardown closed the connection's outbound channel.
	_, open := <-conn.send
	assert.False(t, open)

	// Second cleanup of the same key is a no-op.
	assert.False(t, f.Cleanup(uec.IsolationKey()))
}

func TestFactory_Cleanup_MismatchedKeyLeavesManager(t *testing.T) {
	f := testFactory(t, FactoryConfig{})
	uec := testContext(t, "user-1", "thread-1")

	m, err := f.GetOrCreate(uec)
	require.NoError(t, err)

	// A cleanup attempt with a key derived from different components must
	// not remove the manager.
	wrongKey := identity.DeriveKey("user-1", "different-thread")
	assert.False(t, f.Cleanup(wrongKey))
	assert.Equal(t, 1, f.ManagerCount())
	assert.True(t, m.IsActive())

	// Force cleanup recovers the orphan by user ID, no key needed.
	assert.Equal(t, 1, f.ForceCleanupUser("user-1"))
	assert.Equal(t, 0, f.ManagerCount())
	assert.Equal(t, StateInactive, m.State())
}

func TestFactory_ForceCleanupUser_SendAfterTeardownSafe(t *testing.T) {
	f := testFactory(t, FactoryConfig{})
	m, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)
	conn := attachConnection(t, m, "conn-1")

	// Force cleanup runs while the connection's read path may still be
	// mid-dispatch. A send racing the teardown must surface as a delivery
	// error, never a panic on the closed channel.
	require.Equal(t, 1, f.ForceCleanupUser("user-1"))

	assert.NotPanics(t, func() {
		assert.Error(t, conn.enqueue([]byte(`{"type":"notification"}`)))
	})
	msg, err := ws.NewNotification(ws.ActionAgentChunk, map[string]interface{}{"text": "late"})
	require.NoError(t, err)
	assert.NotPanics(t, func() { conn.sendMessage(msg) })
}

func TestFactory_CleanupIfEmpty(t *testing.T) {
	f := testFactory(t, FactoryConfig{})
	uec := testContext(t, "user-1", "thread-1")
	m, err := f.GetOrCreate(uec)
	require.NoError(t, err)
	conn := attachConnection(t, m, "conn-1")

	// A manager with a live connection is not released: this is the
	// reconnect case, where a new connection registered before the departing
	// handler got around to cleanup.
	assert.False(t, f.CleanupIfEmpty(uec.IsolationKey()))
	assert.True(t, m.IsActive())
	assert.Equal(t, 1, f.ManagerCount())

	m.RemoveConnection(conn.ID)
	assert.True(t, f.CleanupIfEmpty(uec.IsolationKey()))
	assert.Equal(t, StateInactive, m.State())
	assert.Equal(t, 0, f.ManagerCount())

	assert.False(t, f.CleanupIfEmpty(uec.IsolationKey()))
}

func TestFactory_ForceCleanupUser_NoManagers(t *testing.T) {
	f := testFactory(t, FactoryConfig{})
	assert.Equal(t, 0, f.ForceCleanupUser("nobody"))
}

func TestFactory_ForceCleanupUser_OnlyTargetUser(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	_, err := f.GetOrCreate(testContext(t, "user-1", "thread-a"))
	require.NoError(t, err)
	_, err = f.GetOrCreate(testContext(t, "user-1", "thread-b"))
	require.NoError(t, err)
	other, err := f.GetOrCreate(testContext(t, "user-2", "thread-a"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.ForceCleanupUser("user-1"))
	assert.Equal(t, 0, f.UserManagerCount("user-1"))
	assert.Equal(t, 1, f.UserManagerCount("user-2"))
	assert.True(t, other.IsActive())
}

func TestFactory_PerUserCap_RejectsWhenAllBusy(t *testing.T) {
	f := testFactory(t, FactoryConfig{MaxManagersPerUser: 3})

	for i := 0; i < 3; i++ {
		m, err := f.GetOrCreate(testContext(t, "user-1", fmt.Sprintf("thread-%d", i)))
		require.NoError(t, err)
		attachConnection(t, m, fmt.Sprintf("conn-%d", i))
	}

	// Every manager has a live connection, so there is nothing to evict.
	_, err := f.GetOrCreate(testContext(t, "user-1", "thread-overflow"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCapacityExhausted(err))
	assert.Equal(t, 3, f.UserManagerCount("user-1"))
}

func TestFactory_PerUserCap_EvictsIdleManager(t *testing.T) {
	f := testFactory(t, FactoryConfig{MaxManagersPerUser: 2})

	oldest, err := f.GetOrCreate(testContext(t, "user-1", "thread-0"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Neither manager has connections; the least recently active one is
	// evicted to make room.
	created, err := f.GetOrCreate(testContext(t, "user-1", "thread-2"))
	require.NoError(t, err)

	assert.Equal(t, 2, f.UserManagerCount("user-1"))
	assert.Equal(t, StateInactive, oldest.State())
	assert.True(t, newer.IsActive())
	assert.True(t, created.IsActive())

	_, found := f.Lookup(oldest.Key())
	assert.False(t, found)
}

func TestFactory_PerUserCap_IndependentPerUser(t *testing.T) {
	f := testFactory(t, FactoryConfig{MaxManagersPerUser: 2})

	for i := 0; i < 2; i++ {
		m, err := f.GetOrCreate(testContext(t, "user-1", fmt.Sprintf("thread-%d", i)))
		require.NoError(t, err)
		attachConnection(t, m, fmt.Sprintf("conn-%d", i))
	}

	// user-1 being at cap must not affect user-2.
	_, err := f.GetOrCreate(testContext(t, "user-2", "thread-0"))
	assert.NoError(t, err)
}

func TestFactory_PerUserCap_HeldUnderConcurrentCreation(t *testing.T) {
	const maxPerUser = 5
	f := testFactory(t, FactoryConfig{MaxManagersPerUser: maxPerUser})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m, err := f.GetOrCreate(testContext(t, "user-1", fmt.Sprintf("thread-%d", n)))
			if err != nil {
				assert.True(t, apperrors.IsCapacityExhausted(err))
				return
			}
			_ = m.AddConnection(NewConnection(fmt.Sprintf("conn-%d", n), "user-1", nil, m, testLogger(t)))
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, f.UserManagerCount("user-1"), maxPerUser)
}

func TestFactory_LookupThread(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	m, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)

	found, ok := f.LookupThread("user-1", "thread-1")
	require.True(t, ok)
	assert.Same(t, m, found)

	_, ok = f.LookupThread("user-1", "thread-2")
	assert.False(t, ok)
}

func TestFactory_SweepIdle(t *testing.T) {
	f := testFactory(t, FactoryConfig{IdleTimeout: time.Millisecond})

	idle, err := f.GetOrCreate(testContext(t, "user-1", "thread-idle"))
	require.NoError(t, err)
	busy, err := f.GetOrCreate(testContext(t, "user-1", "thread-busy"))
	require.NoError(t, err)
	attachConnection(t, busy, "conn-1")

	time.Sleep(10 * time.Millisecond)
	busy.Touch()

	assert.Equal(t, 1, f.sweepIdle())
	assert.Equal(t, StateInactive, idle.State())
	assert.True(t, busy.IsActive())
	assert.Equal(t, 1, f.ManagerCount())
}

func TestFactory_Shutdown(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	m, err := f.GetOrCreate(testContext(t, "user-1", "thread-1"))
	require.NoError(t, err)

	f.Shutdown(context.Background())

	assert.Equal(t, 0, f.ManagerCount())
	assert.Equal(t, StateInactive, m.State())

	// No new managers after shutdown.
	_, err = f.GetOrCreate(testContext(t, "user-1", "thread-2"))
	assert.Error(t, err)
}

func TestFactory_ActiveKeysForUser(t *testing.T) {
	f := testFactory(t, FactoryConfig{})

	_, err := f.GetOrCreate(testContext(t, "user-1", "thread-a"))
	require.NoError(t, err)
	_, err = f.GetOrCreate(testContext(t, "user-1", "thread-b"))
	require.NoError(t, err)

	keys := f.ActiveKeysForUser("user-1")
	assert.ElementsMatch(t, []string{
		identity.DeriveKey("user-1", "thread-a"),
		identity.DeriveKey("user-1", "thread-b"),
	}, keys)
	assert.Empty(t, f.ActiveKeysForUser("user-2"))
}

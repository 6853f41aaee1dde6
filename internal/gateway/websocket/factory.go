package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netra-systems/netra-gateway/internal/common/constants"
	apperrors "github.com/netra-systems/netra-gateway/internal/common/errors"
	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/gateway/identity"
)

// FactoryConfig holds the tunables for the manager registry.
type FactoryConfig struct {
	// MaxManagersPerUser caps concurrently active managers per user.
	MaxManagersPerUser int

	// IdleTimeout is how long a manager may go without traffic before the
	// janitor may reclaim it.
	IdleTimeout time.Duration

	// CleanupInterval is the janitor sweep period.
	CleanupInterval time.Duration

	// CloseTimeout bounds socket closes during manager teardown.
	CloseTimeout time.Duration
}

// DefaultFactoryConfig returns the production defaults.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		MaxManagersPerUser: 20,
		IdleTimeout:        5 * time.Minute,
		CleanupInterval:    time.Minute,
		CloseTimeout:       constants.ManagerCloseTimeout,
	}
}

func (c *FactoryConfig) applyDefaults() {
	def := DefaultFactoryConfig()
	if c.MaxManagersPerUser <= 0 {
		c.MaxManagersPerUser = def.MaxManagersPerUser
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
}

// ManagerFactory is the single authoritative registry mapping isolation keys
// to managers. All map mutation happens inside the factory's methods under one
// mutex; the check-then-insert critical section never performs I/O, so the
// per-user cap holds even under concurrent creation.
type ManagerFactory struct {
	cfg FactoryConfig

	managers map[string]*IsolatedManager
	userKeys map[string]map[string]struct{} // user ID -> set of isolation keys

	closed bool
	mu     sync.Mutex
	logger *logger.Logger
}

// NewManagerFactory creates the registry.
func NewManagerFactory(cfg FactoryConfig, log *logger.Logger) *ManagerFactory {
	cfg.applyDefaults()
	return &ManagerFactory{
		cfg:      cfg,
		managers: make(map[string]*IsolatedManager),
		userKeys: make(map[string]map[string]struct{}),
		logger:   log.WithFields(zap.String("component", "ws_manager_factory")),
	}
}

// GetOrCreate returns the active manager for the context's isolation key,
// creating one if needed. At the per-user cap it evicts the least-recently
// active manager that has no live connections; if every manager still has
// connections the call fails with a capacity error instead of exceeding the
// cap.
func (f *ManagerFactory) GetOrCreate(uec *identity.UserExecutionContext) (*IsolatedManager, error) {
	if err := uec.Validate(); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	key := uec.IsolationKey()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, apperrors.InternalError("manager factory is shut down", nil)
	}

	if existing, ok := f.managers[key]; ok {
		f.mu.Unlock()
		existing.Touch()
		return existing, nil
	}

	var victim *IsolatedManager
	if len(f.userKeys[uec.UserID]) >= f.cfg.MaxManagersPerUser {
		victim = f.evictionCandidateLocked(uec.UserID)
		if victim == nil {
			f.mu.Unlock()
			f.logger.Warn("User at manager cap with no eviction candidate",
				zap.String("user_id", uec.UserID),
				zap.Int("cap", f.cfg.MaxManagersPerUser))
			return nil, apperrors.CapacityExhausted(uec.UserID, f.cfg.MaxManagersPerUser)
		}
		f.removeLocked(victim.Key())
	}

	manager := newManager(uec, f.logger)
	f.managers[key] = manager
	if f.userKeys[uec.UserID] == nil {
		f.userKeys[uec.UserID] = make(map[string]struct{})
	}
	f.userKeys[uec.UserID][key] = struct{}{}
	f.mu.Unlock()

	manager.activate()

	if victim != nil {
		f.logger.Info("Evicted idle manager to stay under cap",
			zap.String("user_id", uec.UserID),
			zap.String("evicted_key", victim.Key()),
			zap.String("created_key", key))
		victim.teardown(f.cfg.CloseTimeout)
	}

	f.logger.Debug("Manager created",
		zap.String("isolation_key", key),
		zap.String("thread_origin", string(uec.Origin)))
	return manager, nil
}

// Lookup returns the active manager registered under the key, if any.
func (f *ManagerFactory) Lookup(key string) (*IsolatedManager, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.managers[key]
	return m, ok
}

// LookupThread returns the active manager for a user's conversation thread.
func (f *ManagerFactory) LookupThread(userID, threadID string) (*IsolatedManager, bool) {
	return f.Lookup(identity.DeriveKey(userID, threadID))
}

// Cleanup tears down the manager registered under the key. It is an
// idempotent no-op for unknown keys: the mismatch is logged together with the
// user's currently registered keys so key-derivation divergence shows up in
// operations instead of silently leaking managers.
func (f *ManagerFactory) Cleanup(key string) bool {
	f.mu.Lock()
	manager, ok := f.managers[key]
	if !ok {
		userID := identity.UserFromKey(key)
		activeKeys := f.keysForUserLocked(userID)
		f.mu.Unlock()
		f.logger.Warn("Cleanup requested for unknown isolation key",
			zap.String("attempted_key", key),
			zap.String("user_id", userID),
			zap.Strings("active_keys", activeKeys))
		return false
	}
	f.removeLocked(key)
	f.mu.Unlock()

	manager.teardown(f.cfg.CloseTimeout)
	f.logger.Debug("Manager cleaned up", zap.String("isolation_key", key))
	return true
}

// CleanupIfEmpty tears down the manager only if it still has no live
// connections. The check and the removal happen in one critical section, so a
// client that reconnected to the same key after the caller last looked cannot
// have its fresh connection torn down.
func (f *ManagerFactory) CleanupIfEmpty(key string) bool {
	f.mu.Lock()
	manager, ok := f.managers[key]
	if !ok || manager.ConnectionCount() > 0 {
		f.mu.Unlock()
		return false
	}
	f.removeLocked(key)
	f.mu.Unlock()

	manager.teardown(f.cfg.CloseTimeout)
	f.logger.Debug("Empty manager cleaned up", zap.String("isolation_key", key))
	return true
}

// ForceCleanupUser scans every active manager and force-cleans all that
// belong to the user, regardless of isolation key. This is the recovery path
// for orphaned managers whose keys no cleanup call matches. Returns the
// number of managers removed; safe to call when the user has none.
func (f *ManagerFactory) ForceCleanupUser(userID string) int {
	f.mu.Lock()
	victims := make([]*IsolatedManager, 0)
	for key := range f.userKeys[userID] {
		if m, ok := f.managers[key]; ok {
			victims = append(victims, m)
		}
	}
	for _, m := range victims {
		f.removeLocked(m.Key())
	}
	f.mu.Unlock()

	for _, m := range victims {
		m.teardown(f.cfg.CloseTimeout)
	}

	if len(victims) > 0 {
		f.logger.Info("Force-cleaned user managers",
			zap.String("user_id", userID),
			zap.Int("count", len(victims)))
	}
	return len(victims)
}

// ManagerCount returns the total number of active managers.
func (f *ManagerFactory) ManagerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.managers)
}

// UserManagerCount returns the number of active managers for one user.
func (f *ManagerFactory) UserManagerCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.userKeys[userID])
}

// ActiveKeysForUser returns the isolation keys currently registered for a user.
func (f *ManagerFactory) ActiveKeysForUser(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysForUserLocked(userID)
}

// RunJanitor sweeps idle connection-less managers until the context is done.
func (f *ManagerFactory) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()

	f.logger.Info("Manager janitor started",
		zap.Duration("interval", f.cfg.CleanupInterval),
		zap.Duration("idle_timeout", f.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Manager janitor stopped")
			return
		case <-ticker.C:
			if n := f.sweepIdle(); n > 0 {
				f.logger.Info("Janitor reclaimed idle managers", zap.Int("count", n))
			}
		}
	}
}

// sweepIdle removes every manager that has no connections and has been idle
// past the idle timeout. Returns the number reclaimed.
func (f *ManagerFactory) sweepIdle() int {
	f.mu.Lock()
	victims := make([]*IsolatedManager, 0)
	for _, m := range f.managers {
		if m.ConnectionCount() == 0 && m.IdleFor() > f.cfg.IdleTimeout {
			victims = append(victims, m)
		}
	}
	for _, m := range victims {
		f.removeLocked(m.Key())
	}
	f.mu.Unlock()

	for _, m := range victims {
		m.teardown(f.cfg.CloseTimeout)
	}
	return len(victims)
}

// Shutdown drains and tears down every active manager. The factory accepts no
// further creations afterwards.
func (f *ManagerFactory) Shutdown(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	victims := make([]*IsolatedManager, 0, len(f.managers))
	for _, m := range f.managers {
		victims = append(victims, m)
	}
	f.managers = make(map[string]*IsolatedManager)
	f.userKeys = make(map[string]map[string]struct{})
	f.mu.Unlock()

	for i, m := range victims {
		select {
		case <-ctx.Done():
			f.logger.Warn("Shutdown deadline reached before all managers drained",
				zap.Int("remaining", len(victims)-i))
			return
		default:
		}
		m.teardown(f.cfg.CloseTimeout)
	}

	f.logger.Info("Manager factory shut down", zap.Int("drained", len(victims)))
}

// evictionCandidateLocked picks the least-recently active manager with no
// live connections for the user. Callers must hold f.mu.
func (f *ManagerFactory) evictionCandidateLocked(userID string) *IsolatedManager {
	var candidate *IsolatedManager
	for key := range f.userKeys[userID] {
		m, ok := f.managers[key]
		if !ok || m.ConnectionCount() > 0 {
			continue
		}
		if candidate == nil || m.LastActive().Before(candidate.LastActive()) {
			candidate = m
		}
	}
	return candidate
}

// removeLocked deletes a key from both indexes. Callers must hold f.mu.
func (f *ManagerFactory) removeLocked(key string) {
	m, ok := f.managers[key]
	if !ok {
		return
	}
	delete(f.managers, key)
	userID := m.Context().UserID
	if keys, ok := f.userKeys[userID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(f.userKeys, userID)
		}
	}
}

// keysForUserLocked returns the user's registered keys. Callers must hold f.mu.
func (f *ManagerFactory) keysForUserLocked(userID string) []string {
	keys := make([]string, 0, len(f.userKeys[userID]))
	for key := range f.userKeys[userID] {
		keys = append(keys, key)
	}
	return keys
}

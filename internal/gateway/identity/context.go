// Package identity defines the per-request execution context used to scope
// WebSocket connection managers to one user and conversation thread.
package identity

import (
	"fmt"
	"time"
)

// ThreadOrigin records whether a context resumes an existing conversation
// thread or starts a new one. Making this explicit keeps "same session"
// detection a type-level decision instead of a byproduct of whether a caller
// happened to pass a matching string.
type ThreadOrigin string

const (
	// ThreadResumed means the caller supplied the thread ID of an existing
	// conversation. The ID is used exactly as given.
	ThreadResumed ThreadOrigin = "resumed"

	// ThreadNew means no thread ID was supplied and a fresh one was generated.
	ThreadNew ThreadOrigin = "new"
)

// UserExecutionContext is the immutable identity bundle for one request or
// WebSocket session. It is created once by the Factory and read-only
// afterwards; it is never persisted.
type UserExecutionContext struct {
	// UserID is the stable identity of the authenticated user.
	UserID string

	// ThreadID identifies the conversation thread. For a given (UserID,
	// ThreadID) pair this value must be identical across every context used
	// to create and later clean up the same manager.
	ThreadID string

	// RunID identifies one agent execution run. Volatile: a new run ID is
	// generated for every execution, so it never participates in the
	// isolation key.
	RunID string

	// RequestID is unique per request or upgrade.
	RequestID string

	// ClientID is stable per physical socket connection.
	ClientID string

	// Origin records how ThreadID was obtained.
	Origin ThreadOrigin

	// CreatedAt is when this context was built.
	CreatedAt time.Time
}

// IsolationKey derives the registry key scoping one connection manager to one
// user/thread session. It is a pure function of (UserID, ThreadID) only:
// every caller goes through this method, so creation and cleanup can never
// diverge on how the key is composed. RunID is deliberately excluded - the
// manager's scope is a conversation thread, not a single execution run.
func (c *UserExecutionContext) IsolationKey() string {
	return DeriveKey(c.UserID, c.ThreadID)
}

// DeriveKey composes the isolation key from its two stable components.
func DeriveKey(userID, threadID string) string {
	return userID + ":" + threadID
}

// UserFromKey extracts the user ID component from an isolation key.
// Returns an empty string if the key is malformed.
func UserFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return ""
}

// Validate checks that every identity field required for manager scoping is set.
func (c *UserExecutionContext) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user execution context missing user_id")
	}
	if c.ThreadID == "" {
		return fmt.Errorf("user execution context missing thread_id")
	}
	if c.RunID == "" {
		return fmt.Errorf("user execution context missing run_id")
	}
	return nil
}

package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Thread actions (client -> server)
	ActionThreadStatus = "thread.status"

	// Agent lifecycle notifications (server -> client)
	ActionAgentStarted   = "agent.started"
	ActionAgentChunk     = "agent.chunk"
	ActionAgentCompleted = "agent.completed"
	ActionAgentFailed    = "agent.failed"

	// Tool execution notifications (server -> client)
	ActionToolExecuting = "tool.executing"
	ActionToolCompleted = "tool.completed"
)

// Error codes
const (
	ErrorCodeBadRequest        = "BAD_REQUEST"
	ErrorCodeNotFound          = "NOT_FOUND"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
	ErrorCodeUnauthorized      = "UNAUTHORIZED"
	ErrorCodeForbidden         = "FORBIDDEN"
	ErrorCodeValidation        = "VALIDATION_ERROR"
	ErrorCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrorCodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrorCodeManagerInactive   = "MANAGER_INACTIVE"
)

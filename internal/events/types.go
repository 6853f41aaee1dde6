// Package events provides event types and utilities for the gateway event system.
package events

// Subjects for agent execution events. The orchestration layer publishes
// these; the gateway broadcaster forwards them to connected clients.
const (
	AgentStarted   = "agent.started"
	AgentChunk     = "agent.chunk"
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
)

// Subjects for tool execution events.
const (
	ToolExecuting = "tool.executing"
	ToolCompleted = "tool.completed"
)

// AgentSubjects matches every agent lifecycle subject.
const AgentSubjects = "agent.>"

// ToolSubjects matches every tool event subject.
const ToolSubjects = "tool.>"

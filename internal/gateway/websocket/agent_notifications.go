package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/events"
	"github.com/netra-systems/netra-gateway/internal/events/bus"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

// subjectActions maps bus subjects to client-facing notification actions.
var subjectActions = map[string]string{
	events.AgentStarted:   ws.ActionAgentStarted,
	events.AgentChunk:     ws.ActionAgentChunk,
	events.AgentCompleted: ws.ActionAgentCompleted,
	events.AgentFailed:    ws.ActionAgentFailed,
	events.ToolExecuting:  ws.ActionToolExecuting,
	events.ToolCompleted:  ws.ActionToolCompleted,
}

// runStatuses maps agent lifecycle subjects to the run status a manager
// records for thread.status queries.
var runStatuses = map[string]string{
	events.AgentStarted:   "running",
	events.AgentCompleted: "completed",
	events.AgentFailed:    "failed",
}

// AgentEventBroadcaster forwards agent and tool execution events from the bus
// to the manager owning the event's (user, thread) scope. Events for scopes
// with no active manager are dropped: there is nobody to deliver them to.
type AgentEventBroadcaster struct {
	factory       *ManagerFactory
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterAgentNotifications wires the broadcaster to the event bus. It shuts
// itself down when the context is cancelled.
func RegisterAgentNotifications(ctx context.Context, eventBus bus.EventBus, factory *ManagerFactory, log *logger.Logger) *AgentEventBroadcaster {
	b := &AgentEventBroadcaster{
		factory: factory,
		logger:  log.WithFields(zap.String("component", "ws_agent_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.AgentSubjects)
	b.subscribe(eventBus, events.ToolSubjects)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from the bus.
func (b *AgentEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *AgentEventBroadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, b.handleEvent)
	if err != nil {
		b.logger.Error("Failed to subscribe to events",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *AgentEventBroadcaster) handleEvent(ctx context.Context, event *bus.Event) error {
	userID, _ := event.Data["user_id"].(string)
	threadID, _ := event.Data["thread_id"].(string)
	if userID == "" || threadID == "" {
		b.logger.Warn("Event missing routing fields",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID))
		return nil
	}

	action, ok := subjectActions[event.Type]
	if !ok {
		return nil
	}

	manager, ok := b.factory.LookupThread(userID, threadID)
	if !ok {
		b.logger.Debug("No active manager for event",
			zap.String("type", event.Type),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
		return nil
	}

	if status, ok := runStatuses[event.Type]; ok {
		if runID, ok := event.Data["run_id"].(string); ok && runID != "" {
			manager.SetAgentState(runID, status)
		}
	}

	if err := manager.SendEvent(action, event.Data); err != nil {
		b.logger.Warn("Failed to forward event",
			zap.String("action", action),
			zap.String("isolation_key", manager.Key()),
			zap.Error(err))
	}
	return nil
}

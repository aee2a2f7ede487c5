package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/riskflow/pkg/schema"
)

// RunNotifier pushes run events to connected clients.
type RunNotifier interface {
	Notify(ctx context.Context, ev *schema.Event) error
}

// MCPNotifier implements RunNotifier using MCP log notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the session owning a run.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends the event to the session that started its run.
// Best-effort: returns nil if the run has no session or it has gone.
func (n *MCPNotifier) Notify(_ context.Context, ev *schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", eventPayload(ev))
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func eventPayload(ev *schema.Event) map[string]any {
	data := map[string]any{
		"run_id":    ev.RunID,
		"sequence":  ev.Sequence,
		"type":      ev.Type,
		"timestamp": ev.Timestamp,
	}
	if ev.StepID != "" {
		data["step_id"] = ev.StepID
	}
	if len(ev.Payload) > 0 {
		data["payload"] = ev.Payload
	}
	level := "info"
	switch ev.Type {
	case schema.EventStepFailed, schema.EventStepTimedOut, schema.EventRunFailed,
		schema.EventPolicyBlocked, schema.EventResourceLeak:
		level = "warning"
	}
	return map[string]any{
		"level":  level,
		"logger": "riskflow",
		"data":   data,
	}
}

package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/streaming"
)

// logMethod is the MCP logging notification method.
const logMethod = "notifications/message"

// notifier is the part of MCPServer the forwarder needs.
type notifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier turns hub events into MCP logging notifications.
type MCPNotifier struct {
	mcpServer notifier
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier bound to an MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Forward subscribes to approval events and relays them until ctx ends.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{streaming.EventApprovalRequired, streaming.EventApprovalResolved},
	})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := n.Notify(ctx, ev); err != nil {
					n.logger.WarnContext(ctx, "approval notification failed",
						slog.String("event_type", ev.EventType),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Notify sends the event to the client that last touched the session, or to
// every client when none did.
func (n *MCPNotifier) Notify(_ context.Context, ev streaming.StreamEvent) error {
	params := map[string]any{
		"level":  "info",
		"logger": "hookflow",
		"data":   ev,
	}
	if ev.SessionID != "" {
		if clientID, ok := n.sessions.SessionFor(ev.SessionID); ok {
			err := n.mcpServer.SendNotificationToSpecificClient(clientID, logMethod, params)
			if errors.Is(err, server.ErrSessionNotFound) {
				n.sessions.Remove(clientID)
			} else {
				return err
			}
		}
	}
	n.mcpServer.SendNotificationToAllClients(logMethod, params)
	return nil
}

package streaming

import (
	"context"
	"time"
)

// Notification event types published on the hub.
const (
	EventApprovalRequired = "approval_required"
	EventApprovalResolved = "approval_resolved"
	EventPipelineStatus   = "pipeline_status"
)

// StreamEvent is a real-time notification about a governed session.
type StreamEvent struct {
	SessionID   string    `json:"session_id,omitempty"`
	Workflow    string    `json:"workflow,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for approval and pipeline notifications.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

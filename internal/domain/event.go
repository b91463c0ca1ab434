package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Node link lifecycle.
	EventNodeConnected    EventType = "node.connected"
	EventNodeDisconnected EventType = "node.disconnected"
	EventNodeUnreachable  EventType = "node.unreachable"

	// Manifest synchronization.
	EventManifestUpdated EventType = "manifest.updated"
	EventRefreshRequest  EventType = "manifest.refresh.requested"

	// Invocation lifecycle.
	EventToolInvoked EventType = "tool.invoked"
	EventToolFailed  EventType = "tool.failed"

	// Device bridge.
	EventDevicesChanged EventType = "devices.changed"
	EventBridgeDown     EventType = "bridge.down"
	EventBridgeUp       EventType = "bridge.up"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	NodeID    string          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

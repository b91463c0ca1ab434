package domain

import (
	"context"
	"encoding/json"
)

// CapabilityHandler executes one capability invocation. Handlers are
// node-local function references and are never serialized.
type CapabilityHandler func(ctx context.Context, args map[string]any) (*InvokeResult, error)

// InvokeResult is the outcome of invoking a capability.
type InvokeResult struct {
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// CapabilityDescriptor describes one remotely invocable action, usually tied
// to a single device behind the node's bridge.
//
// Name is globally stable: re-deriving the descriptor for the same device on
// every refresh yields the identical name, and distinct devices never share
// one (a short content-hash suffix guards against sanitized-slug collisions).
type CapabilityDescriptor struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	InputSchema   json.RawMessage   `json:"inputSchema,omitempty"`
	Category      string            `json:"category,omitempty"`
	NodeID        string            `json:"nodeId,omitempty"`
	DeviceID      string            `json:"deviceId,omitempty"`
	Actions       []string          `json:"actions,omitempty"`
	AutoGenerated bool              `json:"autoGenerated,omitempty"`
	Handler       CapabilityHandler `json:"-"`
}

// AdvertisedTool is the wire projection of a descriptor: the serializable
// fields plus live advertisement metadata (where the node can be reached and
// its current status). Decoration never mutates the stored descriptor.
type AdvertisedTool struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	Category      string          `json:"category,omitempty"`
	NodeID        string          `json:"nodeId,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
	Actions       []string        `json:"actions,omitempty"`
	Status        string          `json:"status,omitempty"`
	Host          string          `json:"host,omitempty"`
	Port          int             `json:"port,omitempty"`
	AutoGenerated bool            `json:"autoGenerated,omitempty"`
}

// Advertise returns the wire projection of d decorated with the given
// advertisement metadata.
func (d CapabilityDescriptor) Advertise(host string, port int, status string) AdvertisedTool {
	return AdvertisedTool{
		Name:          d.Name,
		Description:   d.Description,
		InputSchema:   d.InputSchema,
		Category:      d.Category,
		NodeID:        d.NodeID,
		DeviceID:      d.DeviceID,
		Actions:       d.Actions,
		Status:        status,
		Host:          host,
		Port:          port,
		AutoGenerated: d.AutoGenerated,
	}
}

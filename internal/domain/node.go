package domain

import (
	"context"
	"encoding/json"
	"time"
)

// NodeStatus represents the current state of a node's link to the hub.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusUnreachable NodeStatus = "unreachable"
)

// Node is the hub-side record of one field agent: where it can be reached,
// what it currently advertises, and when it was last heard from.
type Node struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Tools       []AdvertisedTool  `json:"tools"`
	ToolsHash   string            `json:"tools_hash,omitempty"`
	Status      NodeStatus        `json:"status"`
	LastSeen    time.Time         `json:"last_seen"`
	ConnectedAt time.Time         `json:"connected_at,omitempty"`
	DeviceToken string            `json:"-"` // never serialized
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NodeDirectory provides read access to the hub's node records.
type NodeDirectory interface {
	List(ctx context.Context) []Node
	Get(ctx context.Context, nodeID string) (*Node, error)
}

// ToolInvoker aggregates the advertised tool set across all nodes and routes
// an invocation to the node owning the named tool.
type ToolInvoker interface {
	ListTools(ctx context.Context) []AdvertisedTool
	Invoke(ctx context.Context, name string, args json.RawMessage) (*InvokeResult, error)
}

// NodeTokenManager handles authentication token lifecycle for nodes.
type NodeTokenManager interface {
	GenerateToken(nodeID string) (string, error)
	RevokeToken(nodeID string)
}

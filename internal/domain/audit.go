package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolInvoke      AuditEventType = "tool_invoke"
	AuditNodeConnect     AuditEventType = "node_connect"
	AuditNodeDisconnect  AuditEventType = "node_disconnect"
	AuditManifestUpdate  AuditEventType = "manifest_update"
	AuditNodeTokenGen    AuditEventType = "node_token_gen"
	AuditNodeTokenRevoke AuditEventType = "node_token_revoke"
	AuditAccessDenied    AuditEventType = "access_denied"
	AuditRetentionSweep  AuditEventType = "retention_sweep"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	// Compliance fields (optional, zero values omitted).
	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// InvocationRecord is one persisted tools/call audit row.
type InvocationRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Tool      string          `json:"tool"`
	NodeID    string          `json:"node_id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// InvocationStore persists invocation records for later inspection.
type InvocationStore interface {
	Record(ctx context.Context, rec InvocationRecord) error
	Recent(ctx context.Context, limit int) ([]InvocationRecord, error)
	// Prune deletes records older than the cutoff and reports how many went.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

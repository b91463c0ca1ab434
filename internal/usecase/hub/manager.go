// Package hub implements the central side of the capability-sync protocol:
// the node table, manifest ingestion, and request routing down node links
// with correlation IDs and per-method timeouts.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"switchyard/internal/domain"
	"switchyard/internal/infra/tracer"
)

// Per-method deadlines for node-bound requests. tools/call rides device
// round trips and gets the long budget; initialize is a cheap handshake
// probe and fails fast.
const (
	initializeTimeout  = 1500 * time.Millisecond
	toolsListTimeout   = 5 * time.Second
	toolsCallTimeout   = 20 * time.Second
	pingTimeout        = 3 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// NodeLink is one node's live connection, owned by the transport layer. Send
// is non-blocking: false means the outbound queue is full or the link is
// gone.
type NodeLink interface {
	Send(v any) bool
	Close(reason string)
}

// ManagerConfig holds configuration for the hub manager.
type ManagerConfig struct {
	// AllowedNodes restricts which node IDs may connect. Empty = allow all.
	AllowedNodes []string
	// InvokeTimeout overrides the tools/call deadline when positive.
	InvokeTimeout time.Duration
	// StaleInterval is the health sweep cadence. Nodes that stay silent get
	// an RPC ping; unanswered pings mark the node unreachable and drop its
	// link. Zero disables the sweep.
	StaleInterval time.Duration
}

type nodeEntry struct {
	node domain.Node
	link NodeLink
}

// Manager is the hub's node table and invocation router. It owns every node
// record, ingests manifests pushed up node links, aggregates the advertised
// tool set, and forwards invocations to the owning node.
type Manager struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry

	pending    *PendingCalls
	schemas    *schemaCache
	bus        domain.EventBus
	audit      domain.AuditLogger
	store      domain.InvocationStore
	cfg        ManagerConfig
	logger     *slog.Logger
	allowedSet map[string]struct{}
}

// NewManager creates a hub manager. bus, audit, and store may be nil.
func NewManager(
	bus domain.EventBus,
	audit domain.AuditLogger,
	store domain.InvocationStore,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	allowed := make(map[string]struct{}, len(cfg.AllowedNodes))
	for _, id := range cfg.AllowedNodes {
		allowed[id] = struct{}{}
	}
	return &Manager{
		nodes:      make(map[string]*nodeEntry),
		pending:    NewPendingCalls(),
		schemas:    newSchemaCache(),
		bus:        bus,
		audit:      audit,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		allowedSet: allowed,
	}
}

// Connect binds a node's link and ingests its announcing manifest. A second
// connection for the same node supersedes the first: the old link is closed
// and its pending invocations fail. The transport calls this once per
// connection, after authentication, with the init manifest.
func (m *Manager) Connect(ctx context.Context, nodeID string, link NodeLink, manifest *domain.Manifest) error {
	if nodeID == "" {
		return domain.NewDomainError("Manager.Connect", domain.ErrNodeAuth, "empty node ID")
	}
	// Allowlist is immutable after construction so no lock is needed.
	if len(m.allowedSet) > 0 {
		if _, ok := m.allowedSet[nodeID]; !ok {
			m.auditLog(ctx, domain.AuditAccessDenied, map[string]string{"node_id": nodeID})
			return domain.NewDomainError("Manager.Connect", domain.ErrNodeNotAllowed, nodeID)
		}
	}

	now := time.Now()
	n := domain.Node{
		ID:          nodeID,
		Name:        nodeID,
		Status:      domain.NodeStatusOnline,
		LastSeen:    now,
		ConnectedAt: now,
	}
	if manifest != nil {
		n.Host = manifest.Host
		n.Port = manifest.Port
		n.Tools = manifest.Tools
		n.ToolsHash = manifest.ToolsHash
	}

	m.mu.Lock()
	var superseded NodeLink
	if prev, exists := m.nodes[nodeID]; exists && prev.link != nil && prev.link != link {
		superseded = prev.link
	}
	m.nodes[nodeID] = &nodeEntry{node: n, link: link}
	m.mu.Unlock()

	if superseded != nil {
		m.logger.Warn("node reconnected, superseding previous link", "node_id", nodeID)
		superseded.Close("superseded")
		m.pending.FailNode(nodeID, domain.ErrLinkClosed)
	}

	m.publishEvent(ctx, domain.EventNodeConnected, nodeID, map[string]string{
		"node_id": nodeID, "tools": fmt.Sprintf("%d", len(n.Tools)),
	})
	m.auditLog(ctx, domain.AuditNodeConnect, map[string]string{"node_id": nodeID})
	m.logger.Info("node connected", "node_id", nodeID, "tools", len(n.Tools))
	return nil
}

// Disconnect clears a node's link and fails its pending invocations. The
// link argument guards against a stale disconnect racing a fresh connect:
// only the current link may take the node offline.
func (m *Manager) Disconnect(ctx context.Context, nodeID string, link NodeLink) {
	m.mu.Lock()
	entry, ok := m.nodes[nodeID]
	if !ok || (link != nil && entry.link != link) {
		m.mu.Unlock()
		return
	}
	entry.link = nil
	entry.node.Status = domain.NodeStatusOffline
	m.mu.Unlock()

	failed := m.pending.FailNode(nodeID, domain.ErrLinkClosed)
	if failed > 0 {
		m.logger.Warn("failed pending invocations on disconnect", "node_id", nodeID, "count", failed)
	}

	m.publishEvent(ctx, domain.EventNodeDisconnected, nodeID, map[string]string{"node_id": nodeID})
	m.auditLog(ctx, domain.AuditNodeDisconnect, map[string]string{"node_id": nodeID})
	m.logger.Info("node disconnected", "node_id", nodeID)
}

// ApplyManifest ingests a tools-update pushed by a connected node. An
// unchanged hash only refreshes the last-seen timestamp; a changed one
// replaces the node's advertised set and announces the update.
func (m *Manager) ApplyManifest(ctx context.Context, nodeID string, manifest *domain.Manifest) error {
	if manifest == nil {
		return domain.NewDomainError("Manager.ApplyManifest", domain.ErrRPCInvalidPayload, "nil manifest")
	}

	m.mu.Lock()
	entry, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return domain.NewDomainError("Manager.ApplyManifest", domain.ErrNodeNotFound, nodeID)
	}
	entry.node.LastSeen = time.Now()
	entry.node.Status = domain.NodeStatusOnline
	unchanged := manifest.ToolsHash != "" && manifest.ToolsHash == entry.node.ToolsHash
	if !unchanged {
		entry.node.Host = manifest.Host
		entry.node.Port = manifest.Port
		entry.node.Tools = manifest.Tools
		entry.node.ToolsHash = manifest.ToolsHash
	}
	m.mu.Unlock()

	if unchanged {
		m.logger.Debug("manifest unchanged", "node_id", nodeID, "hash", manifest.ToolsHash)
		return nil
	}

	m.publishEvent(ctx, domain.EventManifestUpdated, nodeID, map[string]string{
		"node_id": nodeID,
		"hash":    manifest.ToolsHash,
		"tools":   fmt.Sprintf("%d", len(manifest.Tools)),
	})
	m.auditLog(ctx, domain.AuditManifestUpdate, map[string]string{
		"node_id": nodeID, "hash": manifest.ToolsHash,
	})
	m.logger.Info("manifest applied", "node_id", nodeID, "tools", len(manifest.Tools), "hash", manifest.ToolsHash)
	return nil
}

// Touch refreshes a node's last-seen timestamp. The transport calls it for
// every inbound frame.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	if entry, ok := m.nodes[nodeID]; ok {
		entry.node.LastSeen = time.Now()
		if entry.node.Status == domain.NodeStatusUnreachable && entry.link != nil {
			entry.node.Status = domain.NodeStatusOnline
		}
	}
	m.mu.Unlock()
}

// HandleResponse routes a node's RPC response to its waiting caller.
// Responses for unknown correlation IDs are dropped silently per protocol.
func (m *Manager) HandleResponse(resp *domain.RPCResponse) {
	if !m.pending.Resolve(resp) {
		m.logger.Debug("dropping response for unknown correlation id", "id", resp.ID)
	}
}

// List returns all known nodes sorted by ID.
func (m *Manager) List(_ context.Context) []domain.Node {
	m.mu.RLock()
	nodes := make([]domain.Node, 0, len(m.nodes))
	for _, entry := range m.nodes {
		nodes = append(nodes, entry.node)
	}
	m.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// Get returns a single node by ID.
func (m *Manager) Get(_ context.Context, nodeID string) (*domain.Node, error) {
	m.mu.RLock()
	entry, ok := m.nodes[nodeID]
	var n domain.Node
	if ok {
		n = entry.node
	}
	m.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Manager.Get", domain.ErrNodeNotFound, nodeID)
	}
	return &n, nil
}

// ListTools aggregates the advertised tool set of every online node, sorted
// by name. Names collide only if two nodes misbehave; the first keeps the
// slot.
func (m *Manager) ListTools(_ context.Context) []domain.AdvertisedTool {
	m.mu.RLock()
	seen := make(map[string]string) // tool name -> owning node
	var tools []domain.AdvertisedTool
	for _, entry := range m.nodes {
		if entry.node.Status != domain.NodeStatusOnline {
			continue
		}
		for _, tool := range entry.node.Tools {
			if owner, dup := seen[tool.Name]; dup {
				m.logger.Warn("duplicate tool name across nodes",
					"tool", tool.Name, "kept", owner, "dropped", entry.node.ID)
				continue
			}
			seen[tool.Name] = entry.node.ID
			tools = append(tools, tool)
		}
	}
	m.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// Owner resolves which online node advertises the named tool.
func (m *Manager) Owner(name string) (string, error) {
	nodeID, _, err := m.toolByName(name)
	return nodeID, err
}

// toolByName resolves the named tool to its owning online node and the
// advertised descriptor.
func (m *Manager) toolByName(name string) (string, domain.AdvertisedTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, entry := range m.nodes {
		if entry.node.Status != domain.NodeStatusOnline {
			continue
		}
		for _, tool := range entry.node.Tools {
			if tool.Name == name {
				return id, tool, nil
			}
		}
	}
	return "", domain.AdvertisedTool{}, domain.NewDomainError("Manager.Owner", domain.ErrToolNotFound, name)
}

// Invoke routes one tool invocation to the node owning the named tool and
// waits for the outcome. Arguments are validated against the tool's
// advertised schema before the request leaves the hub. The invocation is
// audited and persisted whether it succeeds or fails.
func (m *Manager) Invoke(ctx context.Context, name string, args json.RawMessage) (*domain.InvokeResult, error) {
	ctx, span := tracer.StartSpan(ctx, "hub.invoke",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	start := time.Now()

	nodeID, tool, err := m.toolByName(name)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("node.id", nodeID))

	if err := m.validateArgs(&tool, args); err != nil {
		tracer.RecordError(span, err)
		m.finishInvoke(ctx, name, nodeID, args, start, "", err)
		return nil, err
	}

	resp, err := m.Call(ctx, nodeID, domain.MethodToolsCall, domain.ToolCallParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		tracer.RecordError(span, err)
		m.finishInvoke(ctx, name, nodeID, args, start, "", err)
		return nil, err
	}
	if resp.Error != nil {
		err := rpcErrorToDomain("Manager.Invoke", resp.Error)
		tracer.RecordError(span, err)
		m.finishInvoke(ctx, name, nodeID, args, start, "", err)
		return nil, err
	}

	var result domain.InvokeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		err = domain.NewDomainError("Manager.Invoke", domain.ErrRPCInvalidPayload, err.Error())
		tracer.RecordError(span, err)
		m.finishInvoke(ctx, name, nodeID, args, start, "", err)
		return nil, err
	}

	tracer.SetOK(span)
	m.finishInvoke(ctx, name, nodeID, args, start, result.Content, nil)
	return &result, nil
}

// Call sends one request down a node's link and waits for the correlated
// response under the method's deadline. Local failures (offline node, full
// queue, timeout, dropped link) surface as errors; the node's own RPC error
// objects come back inside the response.
func (m *Manager) Call(ctx context.Context, nodeID, method string, params any) (*domain.RPCResponse, error) {
	m.mu.RLock()
	entry, ok := m.nodes[nodeID]
	var link NodeLink
	if ok {
		link = entry.link
	}
	m.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Manager.Call", domain.ErrNodeNotFound, nodeID)
	}
	if link == nil {
		return nil, domain.NewDomainError("Manager.Call", domain.ErrNodeOffline, nodeID)
	}

	var payload json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, domain.NewDomainError("Manager.Call", domain.ErrRPCInvalidPayload, err.Error())
		}
		payload = data
	}

	id := newCorrelationID(time.Now())
	req := domain.RPCRequest{
		JSONRPC: domain.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  payload,
	}

	ch := m.pending.Add(id, nodeID)
	if !link.Send(req) {
		m.pending.Drop(id)
		return nil, domain.NewDomainError("Manager.Call", domain.ErrNodeOffline, nodeID+": send queue full")
	}

	timeout := m.methodTimeout(method)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, domain.NewDomainError("Manager.Call", out.err, nodeID)
		}
		return out.resp, nil
	case <-timer.C:
		m.pending.Drop(id)
		return nil, domain.NewDomainError("Manager.Call", domain.ErrTimeout,
			fmt.Sprintf("%s on %s after %v", method, nodeID, timeout))
	case <-ctx.Done():
		m.pending.Drop(id)
		return nil, ctx.Err()
	}
}

// RequestRefresh asks a node to rebuild and push its manifest regardless of
// deduplication. Fire-and-forget; the refreshed manifest arrives as a
// regular tools-update.
func (m *Manager) RequestRefresh(ctx context.Context, nodeID string) error {
	m.mu.RLock()
	entry, ok := m.nodes[nodeID]
	var link NodeLink
	if ok {
		link = entry.link
	}
	m.mu.RUnlock()

	if !ok {
		return domain.NewDomainError("Manager.RequestRefresh", domain.ErrNodeNotFound, nodeID)
	}
	if link == nil {
		return domain.NewDomainError("Manager.RequestRefresh", domain.ErrNodeOffline, nodeID)
	}
	if !link.Send(map[string]string{"type": string(domain.KindRefreshTools)}) {
		return domain.NewDomainError("Manager.RequestRefresh", domain.ErrNodeOffline, nodeID+": send queue full")
	}
	m.publishEvent(ctx, domain.EventRefreshRequest, nodeID, map[string]string{"node_id": nodeID})
	return nil
}

// SweepStale runs one health pass: every online node silent for longer than
// the configured stale interval gets pinged. A node that misses its ping is
// marked unreachable and its link is dropped, forcing a clean reconnect.
// The caller owns the cadence.
func (m *Manager) SweepStale(ctx context.Context) error {
	maxSilence := m.cfg.StaleInterval
	if maxSilence <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxSilence)

	m.mu.RLock()
	var silent []string
	for id, entry := range m.nodes {
		if entry.node.Status == domain.NodeStatusOnline && entry.link != nil && entry.node.LastSeen.Before(cutoff) {
			silent = append(silent, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range silent {
		go m.probe(ctx, id)
	}
	return nil
}

// probe issues one RPC ping. Success refreshes the node; failure marks it
// unreachable and closes the link so the node's reconnect loop takes over.
func (m *Manager) probe(ctx context.Context, nodeID string) {
	if _, err := m.Call(ctx, nodeID, domain.MethodPing, nil); err == nil {
		m.Touch(nodeID)
		return
	}

	m.mu.Lock()
	entry, ok := m.nodes[nodeID]
	var link NodeLink
	if ok && entry.node.Status == domain.NodeStatusOnline {
		entry.node.Status = domain.NodeStatusUnreachable
		link = entry.link
	}
	m.mu.Unlock()
	if !ok || link == nil {
		return
	}

	m.logger.Warn("node unreachable, dropping link", "node_id", nodeID)
	m.publishEvent(ctx, domain.EventNodeUnreachable, nodeID, map[string]string{"node_id": nodeID})
	link.Close("ping timeout")
}

func (m *Manager) methodTimeout(method string) time.Duration {
	switch method {
	case domain.MethodInitialize:
		return initializeTimeout
	case domain.MethodToolsList:
		return toolsListTimeout
	case domain.MethodToolsCall:
		if m.cfg.InvokeTimeout > 0 {
			return m.cfg.InvokeTimeout
		}
		return toolsCallTimeout
	case domain.MethodPing:
		return pingTimeout
	default:
		return defaultCallTimeout
	}
}

// finishInvoke records one invocation outcome in the audit trail, the
// invocation store, and on the event bus.
func (m *Manager) finishInvoke(ctx context.Context, tool, nodeID string, args json.RawMessage, start time.Time, content string, invokeErr error) {
	duration := time.Since(start)

	detail := map[string]string{"tool": tool, "node_id": nodeID}
	eventType := domain.EventToolInvoked
	errText := ""
	if invokeErr != nil {
		eventType = domain.EventToolFailed
		errText = invokeErr.Error()
		detail["error"] = errText
	}

	m.publishEvent(ctx, eventType, nodeID, detail)
	m.auditLog(ctx, domain.AuditToolInvoke, detail)

	if m.store == nil {
		return
	}
	rec := domain.InvocationRecord{
		ID:        newCorrelationID(start),
		Timestamp: start,
		Tool:      tool,
		NodeID:    nodeID,
		Arguments: args,
		Result:    content,
		Error:     errText,
		Duration:  duration,
	}
	if err := m.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Error("failed to persist invocation record", "tool", tool, "error", err)
	}
}

func (m *Manager) publishEvent(ctx context.Context, eventType domain.EventType, nodeID string, detail map[string]string) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		m.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Payload:   payload,
	})
}

func (m *Manager) auditLog(ctx context.Context, eventType domain.AuditEventType, detail map[string]string) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Log(ctx, domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Detail:    detail,
	})
}

// rpcErrorToDomain maps a node's RPC error object onto domain sentinels so
// upstream surfaces classify it uniformly.
func rpcErrorToDomain(op string, rpcErr *domain.RPCError) error {
	var sentinel error
	switch rpcErr.Code {
	case domain.RPCInvalidParams:
		sentinel = domain.ErrInvalidInput
	case domain.RPCMethodNotFound:
		sentinel = domain.ErrRPCMethodNotFound
	case domain.RPCTimeout:
		sentinel = domain.ErrTimeout
	case domain.RPCConnClosed:
		sentinel = domain.ErrLinkClosed
	default:
		sentinel = domain.ErrToolFailure
	}
	return domain.NewDomainError(op, sentinel, rpcErr.Message)
}

// Compile-time interface checks.
var (
	_ domain.NodeDirectory = (*Manager)(nil)
	_ domain.ToolInvoker   = (*Manager)(nil)
)

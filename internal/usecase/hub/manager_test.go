package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"switchyard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHub(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	return NewManager(nil, nil, nil, cfg, testLogger())
}

func testManifest(nodeID string, toolNames ...string) *domain.Manifest {
	tools := make([]domain.AdvertisedTool, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, domain.AdvertisedTool{Name: name, NodeID: nodeID, Status: "online"})
	}
	m := domain.NewManifest(domain.KindInit, nodeID, "127.0.0.1", 8931, tools, "hash-"+nodeID)
	return &m
}

// fakeLink is a NodeLink test double. When reply is set, every RPC request
// is answered asynchronously through the manager, mimicking a node on the
// other end of a socket.
type fakeLink struct {
	mgr *Manager

	mu     sync.Mutex
	sent   []domain.RPCRequest
	other  []any
	closed string
	full   bool
	reply  func(req domain.RPCRequest) *domain.RPCResponse
}

func (l *fakeLink) Send(v any) bool {
	l.mu.Lock()
	if l.full {
		l.mu.Unlock()
		return false
	}
	req, isReq := v.(domain.RPCRequest)
	if isReq {
		l.sent = append(l.sent, req)
	} else {
		l.other = append(l.other, v)
	}
	reply := l.reply
	l.mu.Unlock()

	if isReq && reply != nil {
		if resp := reply(req); resp != nil {
			go l.mgr.HandleResponse(resp)
		}
	}
	return true
}

func (l *fakeLink) Close(reason string) {
	l.mu.Lock()
	l.closed = reason
	l.mu.Unlock()
}

func (l *fakeLink) requests() []domain.RPCRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.RPCRequest{}, l.sent...)
}

func (l *fakeLink) closedReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// echoResult builds a responder returning the given InvokeResult for every
// tools/call.
func echoResult(result domain.InvokeResult) func(domain.RPCRequest) *domain.RPCResponse {
	return func(req domain.RPCRequest) *domain.RPCResponse {
		payload, _ := json.Marshal(result)
		return &domain.RPCResponse{JSONRPC: domain.JSONRPCVersion, ID: req.ID, Result: payload}
	}
}

func connectNode(t *testing.T, m *Manager, nodeID string, link *fakeLink, toolNames ...string) {
	t.Helper()
	link.mgr = m
	if err := m.Connect(context.Background(), nodeID, link, testManifest(nodeID, toolNames...)); err != nil {
		t.Fatalf("Connect(%s): %v", nodeID, err)
	}
}

// --- tests ---

func TestConnectRegistersNode(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "node_n1_lamp_abc123_switch")

	nodes := m.List(context.Background())
	if len(nodes) != 1 {
		t.Fatalf("node count = %d, want 1", len(nodes))
	}
	n := nodes[0]
	if n.Status != domain.NodeStatusOnline {
		t.Errorf("status = %q, want online", n.Status)
	}
	if len(n.Tools) != 1 || n.ToolsHash != "hash-n1" {
		t.Errorf("manifest not ingested: tools=%d hash=%q", len(n.Tools), n.ToolsHash)
	}
}

func TestConnectEmptyNodeID(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	err := m.Connect(context.Background(), "", &fakeLink{}, nil)
	if !errors.Is(err, domain.ErrNodeAuth) {
		t.Errorf("expected ErrNodeAuth, got: %v", err)
	}
}

func TestConnectNotAllowed(t *testing.T) {
	m := testHub(t, ManagerConfig{AllowedNodes: []string{"trusted"}})
	err := m.Connect(context.Background(), "n1", &fakeLink{}, testManifest("n1"))
	if !errors.Is(err, domain.ErrNodeNotAllowed) {
		t.Errorf("expected ErrNodeNotAllowed, got: %v", err)
	}
	if len(m.List(context.Background())) != 0 {
		t.Error("rejected node was stored")
	}
}

func TestConnectSupersedesPreviousLink(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	first := &fakeLink{}
	connectNode(t, m, "n1", first, "tool_a")

	second := &fakeLink{}
	connectNode(t, m, "n1", second, "tool_a")

	if first.closedReason() != "superseded" {
		t.Errorf("first link close reason = %q, want superseded", first.closedReason())
	}
	nodes := m.List(context.Background())
	if len(nodes) != 1 || nodes[0].Status != domain.NodeStatusOnline {
		t.Fatalf("unexpected node table: %+v", nodes)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{}
	connectNode(t, m, "n1", link, "tool_a")

	m.Disconnect(context.Background(), "n1", link)

	n, err := m.Get(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Status != domain.NodeStatusOffline {
		t.Errorf("status = %q, want offline", n.Status)
	}
}

func TestDisconnectStaleLinkIgnored(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	old := &fakeLink{}
	connectNode(t, m, "n1", old, "tool_a")
	fresh := &fakeLink{}
	connectNode(t, m, "n1", fresh, "tool_a")

	// The superseded link's teardown must not take the fresh one offline.
	m.Disconnect(context.Background(), "n1", old)

	n, _ := m.Get(context.Background(), "n1")
	if n.Status != domain.NodeStatusOnline {
		t.Errorf("status = %q, want online", n.Status)
	}
}

func TestApplyManifestReplacesTools(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "tool_a")

	update := testManifest("n1", "tool_a", "tool_b")
	update.Type = string(domain.KindToolsUpdate)
	update.ToolsHash = "hash-2"
	if err := m.ApplyManifest(context.Background(), "n1", update); err != nil {
		t.Fatalf("ApplyManifest: %v", err)
	}

	n, _ := m.Get(context.Background(), "n1")
	if len(n.Tools) != 2 || n.ToolsHash != "hash-2" {
		t.Errorf("tools=%d hash=%q", len(n.Tools), n.ToolsHash)
	}
}

func TestApplyManifestUnchangedHashKeepsTools(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "tool_a")

	// Same hash, fewer tools: the ingest path trusts the hash and keeps the
	// richer stored set.
	update := testManifest("n1")
	update.ToolsHash = "hash-n1"
	if err := m.ApplyManifest(context.Background(), "n1", update); err != nil {
		t.Fatalf("ApplyManifest: %v", err)
	}

	n, _ := m.Get(context.Background(), "n1")
	if len(n.Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(n.Tools))
	}
}

func TestApplyManifestUnknownNode(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	err := m.ApplyManifest(context.Background(), "ghost", testManifest("ghost"))
	if !errors.Is(err, domain.ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got: %v", err)
	}
}

func TestListToolsAggregatesOnlineNodes(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	l1 := &fakeLink{}
	connectNode(t, m, "n1", l1, "b_tool", "a_tool")
	connectNode(t, m, "n2", &fakeLink{}, "c_tool")
	l3 := &fakeLink{}
	connectNode(t, m, "n3", l3, "d_tool")
	m.Disconnect(context.Background(), "n3", l3)

	tools := m.ListTools(context.Background())
	if len(tools) != 3 {
		t.Fatalf("tool count = %d, want 3 (offline node excluded)", len(tools))
	}
	for i, want := range []string{"a_tool", "b_tool", "c_tool"} {
		if tools[i].Name != want {
			t.Errorf("tools[%d] = %q, want %q", i, tools[i].Name, want)
		}
	}
}

func TestListToolsDropsCrossNodeDuplicates(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "same_tool")
	connectNode(t, m, "n2", &fakeLink{}, "same_tool")

	tools := m.ListTools(context.Background())
	if len(tools) != 1 {
		t.Errorf("tool count = %d, want 1", len(tools))
	}
}

func TestInvokeRoutesToOwner(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{reply: echoResult(domain.InvokeResult{Content: `{"success":true}`})}
	connectNode(t, m, "n1", link, "lamp_switch")
	connectNode(t, m, "n2", &fakeLink{}, "other_tool")

	result, err := m.Invoke(context.Background(), "lamp_switch", json.RawMessage(`{"state":"ON"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Content != `{"success":true}` {
		t.Errorf("content = %q", result.Content)
	}

	reqs := link.requests()
	if len(reqs) != 1 {
		t.Fatalf("request count = %d, want 1", len(reqs))
	}
	if reqs[0].Method != domain.MethodToolsCall {
		t.Errorf("method = %q", reqs[0].Method)
	}
	if reqs[0].ID == "" {
		t.Error("request has no correlation id")
	}
	var params domain.ToolCallParams
	if err := json.Unmarshal(reqs[0].Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Name != "lamp_switch" || string(params.Arguments) != `{"state":"ON"}` {
		t.Errorf("params = %+v", params)
	}
}

func TestInvokeToolNotFound(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "tool_a")

	_, err := m.Invoke(context.Background(), "missing_tool", nil)
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got: %v", err)
	}
}

func TestInvokeOfflineNodeToolHidden(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{}
	connectNode(t, m, "n1", link, "tool_a")
	m.Disconnect(context.Background(), "n1", link)

	// Offline nodes drop out of routing entirely.
	_, err := m.Invoke(context.Background(), "tool_a", nil)
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got: %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	m := testHub(t, ManagerConfig{InvokeTimeout: 50 * time.Millisecond})
	connectNode(t, m, "n1", &fakeLink{}, "tool_a") // no responder: request goes unanswered

	_, err := m.Invoke(context.Background(), "tool_a", nil)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got: %v", err)
	}
	if m.pending.Len() != 0 {
		t.Errorf("pending not cleaned up: %d", m.pending.Len())
	}
}

func TestInvokeNodeErrorMapped(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{reply: func(req domain.RPCRequest) *domain.RPCResponse {
		return &domain.RPCResponse{
			JSONRPC: domain.JSONRPCVersion,
			ID:      req.ID,
			Error:   &domain.RPCError{Code: domain.RPCInvalidParams, Message: "state must be one of ON, OFF, TOGGLE"},
		}
	}}
	connectNode(t, m, "n1", link, "tool_a")

	_, err := m.Invoke(context.Background(), "tool_a", json.RawMessage(`{"state":"purple"}`))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got: %v", err)
	}
}

func TestInvokeFailsWhenLinkDrops(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{}
	connectNode(t, m, "n1", link, "tool_a")

	done := make(chan error, 1)
	go func() {
		_, err := m.Invoke(context.Background(), "tool_a", nil)
		done <- err
	}()

	// Wait for the request to be in flight, then drop the node.
	deadline := time.Now().Add(2 * time.Second)
	for m.pending.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	m.Disconnect(context.Background(), "n1", link)

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrLinkClosed) {
			t.Errorf("expected ErrLinkClosed, got: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not fail after disconnect")
	}
}

func TestCallMatchesConcurrentResponses(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{reply: func(req domain.RPCRequest) *domain.RPCResponse {
		// Echo the correlation id back inside the result.
		payload, _ := json.Marshal(map[string]string{"echo": req.ID})
		return &domain.RPCResponse{JSONRPC: domain.JSONRPCVersion, ID: req.ID, Result: payload}
	}}
	connectNode(t, m, "n1", link, "tool_a")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Call(context.Background(), "n1", domain.MethodPing, nil)
			if err != nil {
				t.Errorf("Call: %v", err)
				return
			}
			var out map[string]string
			if err := json.Unmarshal(resp.Result, &out); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			if out["echo"] != resp.ID {
				t.Errorf("response %q answered request %q", resp.ID, out["echo"])
			}
		}()
	}
	wg.Wait()

	if m.pending.Len() != 0 {
		t.Errorf("pending not drained: %d", m.pending.Len())
	}
}

func TestHandleResponseUnknownIDDropped(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	// Must not panic or block.
	m.HandleResponse(&domain.RPCResponse{JSONRPC: domain.JSONRPCVersion, ID: "never-issued"})
}

func TestRequestRefresh(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{}
	connectNode(t, m, "n1", link, "tool_a")

	if err := m.RequestRefresh(context.Background(), "n1"); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.other) != 1 {
		t.Fatalf("frames = %d, want 1", len(link.other))
	}
	frame, ok := link.other[0].(map[string]string)
	if !ok || frame["type"] != string(domain.KindRefreshTools) {
		t.Errorf("frame = %+v", link.other[0])
	}
}

func TestRequestRefreshOffline(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	link := &fakeLink{}
	connectNode(t, m, "n1", link, "tool_a")
	m.Disconnect(context.Background(), "n1", link)

	err := m.RequestRefresh(context.Background(), "n1")
	if !errors.Is(err, domain.ErrNodeOffline) {
		t.Errorf("expected ErrNodeOffline, got: %v", err)
	}
}

func TestTouchRecoversUnreachable(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	connectNode(t, m, "n1", &fakeLink{}, "tool_a")

	m.mu.Lock()
	m.nodes["n1"].node.Status = domain.NodeStatusUnreachable
	m.mu.Unlock()

	m.Touch("n1")

	n, _ := m.Get(context.Background(), "n1")
	if n.Status != domain.NodeStatusOnline {
		t.Errorf("status = %q, want online after touch", n.Status)
	}
}

func TestManagerConcurrentAccess(t *testing.T) {
	m := testHub(t, ManagerConfig{})
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			nodeID := fmt.Sprintf("node-%d", id)
			link := &fakeLink{mgr: m}
			_ = m.Connect(ctx, nodeID, link, testManifest(nodeID, fmt.Sprintf("tool_%d", id)))
			m.List(ctx)
			_, _ = m.Get(ctx, nodeID)
			m.Touch(nodeID)
			m.ListTools(ctx)
			_ = m.ApplyManifest(ctx, nodeID, testManifest(nodeID, "extra"))
		}(i)
	}
	wg.Wait()
}

// --- pending calls ---

func TestPendingResolveUnknown(t *testing.T) {
	p := NewPendingCalls()
	if p.Resolve(&domain.RPCResponse{ID: "nope"}) {
		t.Error("resolved an unknown id")
	}
}

func TestPendingFailNodeSelective(t *testing.T) {
	p := NewPendingCalls()
	chA := p.Add("a", "n1")
	chB := p.Add("b", "n2")

	if n := p.FailNode("n1", domain.ErrLinkClosed); n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}

	select {
	case out := <-chA:
		if !errors.Is(out.err, domain.ErrLinkClosed) {
			t.Errorf("err = %v", out.err)
		}
	default:
		t.Error("n1 call not failed")
	}
	select {
	case <-chB:
		t.Error("n2 call failed unexpectedly")
	default:
	}
	if p.Len() != 1 {
		t.Errorf("len = %d, want 1", p.Len())
	}
}

func TestPendingDropThenResolve(t *testing.T) {
	p := NewPendingCalls()
	p.Add("a", "n1")
	p.Drop("a")
	if p.Resolve(&domain.RPCResponse{ID: "a"}) {
		t.Error("resolved a dropped id")
	}
}

func TestCorrelationIDsDistinct(t *testing.T) {
	base := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := newCorrelationID(base.Add(time.Duration(i) * time.Microsecond))
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = struct{}{}
	}
}

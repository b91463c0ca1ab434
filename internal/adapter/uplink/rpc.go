package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"switchyard/internal/domain"
)

// ProtocolVersion identifies the capability-sync protocol spoken on the link.
const ProtocolVersion = "2025-03-26"

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Version is stamped into initialize responses; overridden at build time.
var Version = "dev"

// handleInbound classifies one wire message and routes it. Malformed or
// unrecognized messages are logged and dropped; they never affect the
// connection.
func (c *Connector) handleInbound(l *hubLink, data []byte) {
	env := domain.DecodeEnvelope(data)
	switch env.Kind {
	case domain.KindRefreshTools:
		c.logger.Info("hub requested tool refresh")
		c.refresh(domain.KindToolsUpdate, true)

	case domain.KindRPCRequest:
		c.dispatchRequest(l, env.Request)

	case domain.KindRPCResponse:
		// The node issues no upstream requests; anything here is stale or
		// duplicated. Drop silently per protocol.
		c.logger.Debug("dropping unexpected rpc response", "id", env.Response.ID)

	case domain.KindInit, domain.KindToolsUpdate:
		c.logger.Debug("dropping manifest message from hub")

	default:
		c.logger.Warn("dropping unrecognized message", "size", len(data))
	}
}

// dispatchRequest answers one hub-initiated RPC. initialize and tools/list
// are cheap registry reads answered inline; tools/call runs on its own
// goroutine so a slow bridge never stalls the loop.
func (c *Connector) dispatchRequest(l *hubLink, req *domain.RPCRequest) {
	switch req.Method {
	case domain.MethodInitialize:
		result, err := json.Marshal(initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      serverInfo{Name: "switchyard-node/" + c.cfg.NodeID, Version: Version},
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": true}},
		})
		if err != nil {
			l.respondError(req.ID, domain.RPCInternalError, err.Error())
			return
		}
		l.respond(req.ID, result, nil)

	case domain.MethodToolsList:
		result, err := json.Marshal(map[string]any{"tools": c.registry.Advertised(true)})
		if err != nil {
			l.respondError(req.ID, domain.RPCInternalError, err.Error())
			return
		}
		l.respond(req.ID, result, nil)

	case domain.MethodPing:
		l.respond(req.ID, json.RawMessage(`{}`), nil)

	case domain.MethodToolsCall:
		var params domain.ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			l.respondError(req.ID, domain.RPCInvalidParams, "invalid tools/call params: "+err.Error())
			return
		}
		go c.invokeTool(l, req.ID, params)

	default:
		l.respondError(req.ID, domain.RPCMethodNotFound, "unknown method "+req.Method)
	}
}

// invokeTool resolves and runs one capability handler. Handler failures come
// back as RPC error objects; they never take down the link or other pending
// invocations.
func (c *Connector) invokeTool(l *hubLink, id string, params domain.ToolCallParams) {
	desc, err := c.registry.Get(params.Name)
	if err != nil {
		l.respondError(id, domain.RPCInvalidParams, fmt.Sprintf("tool not found: %s", params.Name))
		return
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			l.respondError(id, domain.RPCInvalidParams, "invalid arguments: "+err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.CallTimeout)
	defer cancel()

	res, err := desc.Handler(ctx, args)
	if err != nil {
		code := domain.RPCInternalError
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			code = domain.RPCInvalidParams
		case errors.Is(err, context.DeadlineExceeded):
			code = domain.RPCTimeout
		}
		l.respondError(id, code, err.Error())
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		l.respondError(id, domain.RPCInternalError, err.Error())
		return
	}
	l.respond(id, payload, nil)
}

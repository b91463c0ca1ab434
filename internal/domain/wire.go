package domain

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates the fixed set of wire message variants carried
// over the persistent node link.
type MessageKind string

const (
	KindInit         MessageKind = "init"
	KindToolsUpdate  MessageKind = "tools-update"
	KindRefreshTools MessageKind = "refresh-tools"
	KindRPCRequest   MessageKind = "rpc-request"
	KindRPCResponse  MessageKind = "rpc-response"
	KindUnrecognized MessageKind = "unrecognized"
)

// JSONRPCVersion is the version string stamped on every RPC envelope.
const JSONRPCVersion = "2.0"

// RPC methods served on both the node link and the external caller surface.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
)

// JSON-RPC error codes. The negative-32xxx block follows the JSON-RPC 2.0
// reserved range; -32000/-32001 are implementation-defined server errors.
const (
	RPCParseError     = -32700
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCTimeout        = -32000
	RPCConnClosed     = -32001
)

// Manifest is the payload of init and tools-update messages: the full set of
// tools a node currently advertises plus where the node can be reached.
// Receivers treat every manifest as a full-state resync, never a delta.
type Manifest struct {
	Type      string           `json:"type"`
	NodeID    string           `json:"nodeId"`
	Host      string           `json:"host,omitempty"`
	Port      int              `json:"port,omitempty"`
	Tools     []AdvertisedTool `json:"tools"`
	ToolsHash string           `json:"toolsHash"`
	Timestamp int64            `json:"timestamp"`
}

// NewManifest builds a manifest message of the given kind (KindInit or
// KindToolsUpdate) stamped with the current time.
func NewManifest(kind MessageKind, nodeID, host string, port int, tools []AdvertisedTool, hash string) Manifest {
	return Manifest{
		Type:      string(kind),
		NodeID:    nodeID,
		Host:      host,
		Port:      port,
		Tools:     tools,
		ToolsHash: hash,
		Timestamp: time.Now().UnixMilli(),
	}
}

// RefreshTools is the server→node request for an unconditional resync.
type RefreshTools struct {
	Type string `json:"type"`
}

// RPCRequest is a JSON-RPC 2.0 request envelope. IDs are strings generated
// by the requesting side; the responder echoes them verbatim.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error member of a failed RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// RPCResponse is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is populated.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ToolCallParams is the params shape of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Envelope is the decoded form of one inbound wire message: a tagged union
// over the fixed variant set. Exactly one of the pointer fields is non-nil
// for manifest/RPC kinds; Raw always holds the original bytes.
type Envelope struct {
	Kind     MessageKind
	Manifest *Manifest
	Request  *RPCRequest
	Response *RPCResponse
	Raw      []byte
}

// DecodeEnvelope classifies and decodes one inbound message. Messages that
// fit no known variant come back as KindUnrecognized rather than an error;
// callers log and drop those without touching the connection.
func DecodeEnvelope(data []byte) Envelope {
	var probe struct {
		Type    string `json:"type"`
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{Kind: KindUnrecognized, Raw: data}
	}

	switch probe.Type {
	case string(KindInit), string(KindToolsUpdate):
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return Envelope{Kind: KindUnrecognized, Raw: data}
		}
		kind := KindInit
		if probe.Type == string(KindToolsUpdate) {
			kind = KindToolsUpdate
		}
		return Envelope{Kind: kind, Manifest: &m, Raw: data}
	case string(KindRefreshTools):
		return Envelope{Kind: KindRefreshTools, Raw: data}
	}

	if probe.JSONRPC == JSONRPCVersion {
		if probe.Method != "" {
			var req RPCRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return Envelope{Kind: KindUnrecognized, Raw: data}
			}
			return Envelope{Kind: KindRPCRequest, Request: &req, Raw: data}
		}
		var resp RPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return Envelope{Kind: KindUnrecognized, Raw: data}
		}
		return Envelope{Kind: KindRPCResponse, Response: &resp, Raw: data}
	}

	return Envelope{Kind: KindUnrecognized, Raw: data}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"switchyard/internal/domain"
)

// maxCallBodySize caps tools/call request bodies. Switch arguments are tiny;
// anything bigger is a misbehaving caller.
const maxCallBodySize = 1 << 20

// toolsHandler returns an HTTP handler for GET /api/v1/tools: the aggregated
// tool set of every online node.
func toolsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tools := deps.Manager.ListTools(r.Context())
		if tools == nil {
			tools = []domain.AdvertisedTool{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tools": tools,
			"count": len(tools),
		})
	}
}

// toolCallRequest is the JSON body accepted by POST /api/v1/tools/call.
type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolCallResponse mirrors the invocation outcome back to the caller.
type toolCallResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// toolsCallHandler returns an HTTP handler for POST /api/v1/tools/call. The
// invocation is routed to the node owning the named tool and the caller
// blocks until the node answers or the per-method deadline fires.
func toolsCallHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req toolCallRequest
		body := http.MaxBytesReader(w, r.Body, maxCallBodySize)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("toolsCall", domain.ErrInvalidInput, "malformed JSON body"))
			return
		}
		if req.Name == "" {
			writeError(w, domain.NewDomainError("toolsCall", domain.ErrInvalidInput, "missing tool name"))
			return
		}

		result, err := deps.Manager.Invoke(r.Context(), req.Name, req.Arguments)
		if err != nil {
			deps.Logger.Warn("tool call failed", "tool", req.Name, "error", err)
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toolCallResponse{
			Content: result.Content,
			IsError: result.IsError,
		})
	}
}

// invocationsHandler returns an HTTP handler for GET /api/v1/invocations:
// the most recent persisted invocation records, newest first. ?limit= caps
// the page size (default 50, max 500).
func invocationsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"invocations": []domain.InvocationRecord{}})
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, domain.NewDomainError("invocations", domain.ErrInvalidInput, "limit must be a positive integer"))
				return
			}
			limit = min(n, 500)
		}

		records, err := deps.Store.Recent(r.Context(), limit)
		if err != nil {
			deps.Logger.Error("failed to read invocation records", "error", err)
			writeError(w, err)
			return
		}
		if records == nil {
			records = []domain.InvocationRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"invocations": records})
	}
}

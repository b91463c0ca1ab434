package gateway

import (
	"net/http"
	"strings"
	"time"

	"switchyard/internal/domain"
)

// nodesHandler returns an HTTP handler for GET /api/v1/nodes.
func nodesHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes": deps.Manager.List(r.Context()),
		})
	}
}

// nodeDetailHandler serves everything under /api/v1/nodes/{id}:
//
//	GET    /api/v1/nodes/{id}          node record
//	POST   /api/v1/nodes/{id}/refresh  ask the node for a manifest resync
//	POST   /api/v1/nodes/{id}/token    issue a fresh device token
//	DELETE /api/v1/nodes/{id}/token    revoke the device token
func nodeDetailHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/"), "/")
		parts := strings.Split(rest, "/")
		if rest == "" || len(parts) > 2 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		nodeID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			node, err := deps.Manager.Get(r.Context(), nodeID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, node)
			return
		}

		switch parts[1] {
		case "refresh":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if err := deps.Manager.RequestRefresh(r.Context(), nodeID); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})

		case "token":
			nodeTokenEndpoint(deps, w, r, nodeID)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}
}

func nodeTokenEndpoint(deps HandlerDeps, w http.ResponseWriter, r *http.Request, nodeID string) {
	switch r.Method {
	case http.MethodPost:
		token, err := deps.Tokens.GenerateToken(nodeID)
		if err != nil {
			writeError(w, err)
			return
		}
		auditTokenOp(deps, r, domain.AuditNodeTokenGen, nodeID)
		writeJSON(w, http.StatusOK, map[string]string{"token": token})

	case http.MethodDelete:
		deps.Tokens.RevokeToken(nodeID)
		auditTokenOp(deps, r, domain.AuditNodeTokenRevoke, nodeID)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func auditTokenOp(deps HandlerDeps, r *http.Request, eventType domain.AuditEventType, nodeID string) {
	if deps.Audit == nil {
		return
	}
	_ = deps.Audit.Log(r.Context(), domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Detail:    map[string]string{"node_id": nodeID},
		Resource:  nodeID,
		Action:    string(eventType),
		Outcome:   "ok",
	})
}

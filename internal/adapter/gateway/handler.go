package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"switchyard/internal/domain"
	"switchyard/internal/usecase/hub"
)

// HandlerDeps carries everything the REST handlers need. Auth guards the
// operator surface; Tokens manages node credentials and is a separate
// concern from caller authentication.
type HandlerDeps struct {
	Auth    Authenticator
	Manager *hub.Manager
	Tokens  *hub.Auth
	Store   domain.InvocationStore // can be nil
	Audit   domain.AuditLogger     // can be nil
	Bus     domain.EventBus        // can be nil
	Logger  *slog.Logger
}

// RegisterAPIHandlers registers the operator REST endpoints on the gateway
// server and returns the metrics collector fed by the event bus.
func RegisterAPIHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	// Subscribe to events for metric counters.
	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventToolInvoked, func(_ context.Context, _ domain.Event) {
			metrics.ToolCallsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventToolFailed, func(_ context.Context, _ domain.Event) {
			metrics.ToolCallsTotal.Add(1)
			metrics.ToolErrorsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventNodeConnected, func(_ context.Context, _ domain.Event) {
			metrics.NodeConnectsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventManifestUpdated, func(_ context.Context, _ domain.Event) {
			metrics.ManifestUpdatesTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventRefreshRequest, func(_ context.Context, _ domain.Event) {
			metrics.RefreshRequestsTotal.Add(1)
		})
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = r.Header.Get("Authorization")
				if len(token) > 7 && token[:7] == "Bearer " {
					token = token[7:]
				}
			}
			if _, err := deps.Auth.Authenticate(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/api/v1/nodes", authMiddleware(nodesHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/nodes/", authMiddleware(nodeDetailHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/tools", authMiddleware(toolsHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/tools/call", authMiddleware(toolsCallHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/invocations", authMiddleware(invocationsHandler(deps)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))

	return metrics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domain error as a JSON body carrying the
// machine-parseable code alongside the message.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusOf(err), map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}

// httpStatusOf maps domain sentinels onto HTTP status codes.
func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrToolNotFound), errors.Is(err, domain.ErrNodeNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRPCInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNodeOffline), errors.Is(err, domain.ErrLinkClosed),
		errors.Is(err, domain.ErrBridgeUnavailable), errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuthInvalid), errors.Is(err, domain.ErrNodeNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

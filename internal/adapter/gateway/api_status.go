package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"switchyard/internal/domain"
)

// hubVersion is stamped into status responses; overridden at build time.
var hubVersion = "dev"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Hub   HubStatus  `json:"hub"`
	Nodes NodeCounts `json:"nodes"`
	Tools ToolCounts `json:"tools"`
}

// HubStatus holds hub overview info.
type HubStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// NodeCounts holds node link counts by status.
type NodeCounts struct {
	Online      int `json:"online"`
	Unreachable int `json:"unreachable"`
	Total       int `json:"total"`
}

// ToolCounts holds aggregated tool stats.
type ToolCounts struct {
	Advertised  int   `json:"advertised"`
	CallsTotal  int64 `json:"calls_total"`
	ErrorsTotal int64 `json:"errors_total"`
}

// Metrics tracks counters for the status API and the metrics endpoint.
type Metrics struct {
	ToolCallsTotal       atomic.Int64
	ToolErrorsTotal      atomic.Int64
	NodeConnectsTotal    atomic.Int64
	ManifestUpdatesTotal atomic.Int64
	RefreshRequestsTotal atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		nodes := deps.Manager.List(r.Context())
		tools := deps.Manager.ListTools(r.Context())

		counts := NodeCounts{Total: len(nodes)}
		for _, n := range nodes {
			switch n.Status {
			case domain.NodeStatusOnline:
				counts.Online++
			case domain.NodeStatusUnreachable:
				counts.Unreachable++
			}
		}

		resp := StatusResponse{
			Hub: HubStatus{
				Name:          "switchyard",
				Version:       hubVersion,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Nodes: counts,
			Tools: ToolCounts{
				Advertised:  len(tools),
				CallsTotal:  metrics.ToolCallsTotal.Load(),
				ErrorsTotal: metrics.ToolErrorsTotal.Load(),
			},
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

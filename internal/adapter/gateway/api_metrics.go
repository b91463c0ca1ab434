package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"switchyard/internal/domain"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		nodes := deps.Manager.List(r.Context())
		online, unreachable := 0, 0
		for _, n := range nodes {
			switch n.Status {
			case domain.NodeStatusOnline:
				online++
			case domain.NodeStatusUnreachable:
				unreachable++
			}
		}
		tools := deps.Manager.ListTools(r.Context())

		// Node link metrics.
		fmt.Fprintf(w, "# HELP switchyard_nodes_online Number of nodes with a live link.\n")
		fmt.Fprintf(w, "# TYPE switchyard_nodes_online gauge\n")
		fmt.Fprintf(w, "switchyard_nodes_online %d\n", online)

		fmt.Fprintf(w, "# HELP switchyard_nodes_unreachable Number of nodes that missed a health probe.\n")
		fmt.Fprintf(w, "# TYPE switchyard_nodes_unreachable gauge\n")
		fmt.Fprintf(w, "switchyard_nodes_unreachable %d\n", unreachable)

		fmt.Fprintf(w, "# HELP switchyard_nodes_known Total nodes seen since start.\n")
		fmt.Fprintf(w, "# TYPE switchyard_nodes_known gauge\n")
		fmt.Fprintf(w, "switchyard_nodes_known %d\n", len(nodes))

		fmt.Fprintf(w, "# HELP switchyard_node_connects_total Total node connections accepted.\n")
		fmt.Fprintf(w, "# TYPE switchyard_node_connects_total counter\n")
		fmt.Fprintf(w, "switchyard_node_connects_total %d\n", metrics.NodeConnectsTotal.Load())

		// Tool metrics.
		fmt.Fprintf(w, "# HELP switchyard_tools_advertised Number of tools advertised by online nodes.\n")
		fmt.Fprintf(w, "# TYPE switchyard_tools_advertised gauge\n")
		fmt.Fprintf(w, "switchyard_tools_advertised %d\n", len(tools))

		fmt.Fprintf(w, "# HELP switchyard_tool_calls_total Total tool invocations routed to nodes.\n")
		fmt.Fprintf(w, "# TYPE switchyard_tool_calls_total counter\n")
		fmt.Fprintf(w, "switchyard_tool_calls_total %d\n", metrics.ToolCallsTotal.Load())

		fmt.Fprintf(w, "# HELP switchyard_tool_errors_total Total tool invocations that failed.\n")
		fmt.Fprintf(w, "# TYPE switchyard_tool_errors_total counter\n")
		fmt.Fprintf(w, "switchyard_tool_errors_total %d\n", metrics.ToolErrorsTotal.Load())

		// Manifest metrics.
		fmt.Fprintf(w, "# HELP switchyard_manifest_updates_total Total changed manifests ingested.\n")
		fmt.Fprintf(w, "# TYPE switchyard_manifest_updates_total counter\n")
		fmt.Fprintf(w, "switchyard_manifest_updates_total %d\n", metrics.ManifestUpdatesTotal.Load())

		fmt.Fprintf(w, "# HELP switchyard_refresh_requests_total Total manifest refreshes requested from nodes.\n")
		fmt.Fprintf(w, "# TYPE switchyard_refresh_requests_total counter\n")
		fmt.Fprintf(w, "switchyard_refresh_requests_total %d\n", metrics.RefreshRequestsTotal.Load())

		// Uptime.
		fmt.Fprintf(w, "# HELP switchyard_uptime_seconds Seconds since the hub started.\n")
		fmt.Fprintf(w, "# TYPE switchyard_uptime_seconds gauge\n")
		fmt.Fprintf(w, "switchyard_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}

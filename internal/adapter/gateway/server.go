package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"switchyard/internal/domain"
	"switchyard/internal/infra/middleware"
	"switchyard/internal/usecase/hub"
)

// ServerConfig holds the gateway's listen address and tuning knobs.
type ServerConfig struct {
	// Addr is the TCP listen address, e.g. ":4820" or "127.0.0.1:0".
	Addr string
	// InitTimeout bounds how long a freshly upgraded node connection may
	// take to announce itself with an init manifest.
	InitTimeout time.Duration
	// RateLimitPerMin caps REST requests per client IP. Zero disables.
	RateLimitPerMin int
	RateLimitBurst  int
}

func (c *ServerConfig) withDefaults() {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 30
	}
}

// Server is the hub's transport: it terminates node uplink WebSockets on /ws
// and serves the operator REST API mounted beside them.
type Server struct {
	cfg     ServerConfig
	manager *hub.Manager
	tokens  *hub.Auth
	logger  *slog.Logger

	links      sync.Map // connID (uint64) -> *nodeLink
	nextID     atomic.Uint64
	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	httpRoutes []httpRoute
	mounts     []mount
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

type mount struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server. tokens governs node-link authentication;
// REST authentication is wired separately via RegisterAPIHandlers.
func NewServer(cfg ServerConfig, manager *hub.Manager, tokens *hub.Auth, logger *slog.Logger) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		manager: manager,
		tokens:  tokens,
		logger:  logger,
	}
	s.boundAddr.Store("")
	return s
}

// RegisterHTTPRoute adds a REST handler to the gateway's mux. Routes added
// here sit behind the per-IP rate limiter. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Mount attaches a sub-handler (such as the MCP endpoint) to the gateway's
// mux without rate limiting. Must be called before Start.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mounts = append(s.mounts, mount{pattern: pattern, handler: handler})
}

// Start begins accepting connections. Blocks until the context is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleNodeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	var limit func(http.Handler) http.Handler
	if s.cfg.RateLimitPerMin > 0 {
		limit = middleware.RateLimit(ctx, s.cfg.RateLimitPerMin, s.cfg.RateLimitBurst)
	}
	for _, route := range s.httpRoutes {
		var h http.Handler = route.handler
		if limit != nil {
			h = limit(h)
		}
		mux.Handle(route.pattern, h)
	}
	for _, m := range s.mounts {
		mux.Handle(m.pattern, m.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux)}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway: every node link is closed so the
// nodes' reconnect loops take over, then the HTTP server drains.
func (s *Server) Stop(ctx context.Context) error {
	s.links.Range(func(key, value any) bool {
		value.(*nodeLink).Close("server shutting down")
		s.links.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr.Load().(string) }

// handleNodeWS upgrades one node uplink connection and runs its read loop
// until the link drops. Identity is bound from the announcing init manifest;
// a node query parameter, when present, lets per-node tokens be rejected
// before the upgrade and is cross-checked against the manifest afterwards.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claimedNode := r.URL.Query().Get("node")
	if claimedNode != "" {
		if err := s.tokens.ValidateToken(claimedNode, token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Node connectors send no Origin header; the patterns only matter
		// for browser-based diagnostics against a local hub.
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	link := newNodeLink(connID, ws, s.logger)
	go link.writePump()

	nodeID, manifest, err := s.awaitInit(r.Context(), ws, claimedNode, token)
	if err != nil {
		s.logger.Warn("node handshake rejected", "conn_id", connID, "error", err)
		link.closeWith(websocket.StatusPolicyViolation, err.Error())
		return
	}

	if err := s.manager.Connect(r.Context(), nodeID, link, manifest); err != nil {
		s.logger.Warn("node connect rejected", "conn_id", connID, "node_id", nodeID, "error", err)
		link.closeWith(websocket.StatusPolicyViolation, "connection rejected")
		return
	}

	s.links.Store(connID, link)
	s.logger.Info("node link established", "conn_id", connID, "node_id", nodeID)

	s.readLoop(r.Context(), nodeID, link)

	s.links.Delete(connID)
	link.Close("")
	s.manager.Disconnect(context.WithoutCancel(r.Context()), nodeID, link)
	s.logger.Info("node link closed", "conn_id", connID, "node_id", nodeID)
}

// awaitInit reads the announcing frame and resolves the node's identity. The
// first frame must be an init manifest; connections that fail to announce
// within the deadline are rejected.
func (s *Server) awaitInit(ctx context.Context, ws *websocket.Conn, claimedNode, token string) (string, *domain.Manifest, error) {
	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	_, data, err := ws.Read(initCtx)
	if err != nil {
		return "", nil, fmt.Errorf("awaiting init manifest: %w", err)
	}

	env := domain.DecodeEnvelope(data)
	if env.Kind != domain.KindInit {
		return "", nil, fmt.Errorf("expected init manifest, got %q", env.Kind)
	}
	nodeID := env.Manifest.NodeID
	if nodeID == "" {
		return "", nil, fmt.Errorf("init manifest carries no node id")
	}
	if claimedNode != "" && claimedNode != nodeID {
		return "", nil, fmt.Errorf("node identity mismatch: dialed as %q, announced %q", claimedNode, nodeID)
	}
	// Without a node query parameter the token could not be checked before
	// the upgrade; validate against the announced identity now.
	if claimedNode == "" {
		if err := s.tokens.ValidateToken(nodeID, token); err != nil {
			return "", nil, fmt.Errorf("unauthorized")
		}
	}
	return nodeID, env.Manifest, nil
}

// readLoop drains one node link. Every inbound frame refreshes the node's
// last-seen timestamp; unrecognized frames are logged and dropped without
// touching the connection.
func (s *Server) readLoop(ctx context.Context, nodeID string, link *nodeLink) {
	for {
		select {
		case <-link.done:
			return
		default:
		}

		_, data, err := link.ws.Read(ctx)
		if err != nil {
			return
		}

		s.manager.Touch(nodeID)
		env := domain.DecodeEnvelope(data)
		switch env.Kind {
		case domain.KindInit, domain.KindToolsUpdate:
			if err := s.manager.ApplyManifest(ctx, nodeID, env.Manifest); err != nil {
				s.logger.Warn("manifest rejected", "node_id", nodeID, "error", err)
			}

		case domain.KindRPCResponse:
			s.manager.HandleResponse(env.Response)

		case domain.KindRPCRequest:
			s.handleNodeRPC(nodeID, link, env.Request)

		case domain.KindRefreshTools:
			// refresh-tools only flows hub to node.
			s.logger.Warn("dropping refresh-tools from node", "node_id", nodeID)

		default:
			s.logger.Warn("dropping unrecognized frame", "node_id", nodeID, "size", len(data))
		}
	}
}

// handleNodeRPC answers the rare node-initiated request. Nodes only probe
// liveness; everything else gets a method-not-found error object.
func (s *Server) handleNodeRPC(nodeID string, link *nodeLink, req *domain.RPCRequest) {
	switch req.Method {
	case domain.MethodPing:
		link.respond(req.ID, json.RawMessage(`{}`), nil)
	default:
		s.logger.Debug("unsupported node-initiated rpc", "node_id", nodeID, "method", req.Method)
		link.respondError(req.ID, domain.RPCMethodNotFound, "unknown method "+req.Method)
	}
}

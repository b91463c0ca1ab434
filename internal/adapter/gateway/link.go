package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"switchyard/internal/domain"
	"switchyard/internal/usecase/hub"
)

const linkWriteTimeout = 5 * time.Second

// nodeLink tracks one node's WebSocket connection. A single writePump
// goroutine serializes all outbound traffic; everything else enqueues onto
// sendCh and never touches the socket directly.
type nodeLink struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan any // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newNodeLink(id uint64, ws *websocket.Conn, logger *slog.Logger) *nodeLink {
	return &nodeLink{
		id:     id,
		ws:     ws,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send enqueues v for delivery. Returns false when the link is closed or the
// queue is full; a full queue means the node is too slow and the caller
// decides whether that is fatal.
func (l *nodeLink) Send(v any) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.sendCh <- v:
		return true
	case <-l.done:
		return false
	default:
		return false
	}
}

// Close tears the link down. Idempotent; the read loop and write pump both
// observe done and exit.
func (l *nodeLink) Close(reason string) {
	l.closeWith(websocket.StatusGoingAway, reason)
}

func (l *nodeLink) closeWith(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() { close(l.done) })
	l.ws.Close(code, reason)
}

// respond enqueues an RPC response echoing the request's correlation id.
func (l *nodeLink) respond(id string, result json.RawMessage, rpcErr *domain.RPCError) {
	resp := domain.RPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	}
	if !l.Send(resp) {
		l.logger.Warn("gateway: dropped rpc response for slow node", "conn_id", l.id, "rpc_id", id)
	}
}

func (l *nodeLink) respondError(id string, code int, msg string) {
	l.respond(id, nil, &domain.RPCError{Code: code, Message: msg})
}

func (l *nodeLink) writePump() {
	for {
		select {
		case <-l.done:
			return
		case v := <-l.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), linkWriteTimeout)
			err := wsjson.Write(ctx, l.ws, v)
			cancel()
			if err != nil {
				// The read loop sees the same broken socket and cleans up.
				return
			}
		}
	}
}

var _ hub.NodeLink = (*nodeLink)(nil)

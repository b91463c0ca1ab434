package uplink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"switchyard/internal/domain"
)

// hubLink tracks a single WebSocket connection to the hub. One writePump
// goroutine serializes all outbound traffic; everything else enqueues onto
// sendCh and never touches the socket directly.
type hubLink struct {
	ws        *websocket.Conn
	sendCh    chan any // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	epoch     uint64
	logger    *slog.Logger
}

func newHubLink(ws *websocket.Conn, epoch uint64, logger *slog.Logger) *hubLink {
	return &hubLink{
		ws:     ws,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
		epoch:  epoch,
		logger: logger,
	}
}

// send enqueues v for delivery. Returns false when the link is closed or the
// queue is full; callers treat delivery as fire-and-forget and only log.
func (l *hubLink) send(v any) bool {
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

// respond enqueues an RPC response echoing the request's correlation id.
func (l *hubLink) respond(id string, result json.RawMessage, rpcErr *domain.RPCError) {
	resp := domain.RPCResponse{
		JSONRPC: domain.JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	}
	if !l.send(resp) {
		l.logger.Warn("uplink: dropped rpc response", "id", id)
	}
}

func (l *hubLink) respondError(id string, code int, msg string) {
	l.respond(id, nil, &domain.RPCError{Code: code, Message: msg})
}

func (l *hubLink) writePump(onClosed func(err error)) {
	for {
		select {
		case <-l.done:
			return
		case v := <-l.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, l.ws, v)
			cancel()
			if err != nil {
				onClosed(err)
				return
			}
		}
	}
}

func (l *hubLink) readPump(ctx context.Context, onMessage func([]byte), onClosed func(err error)) {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		_, data, err := l.ws.Read(ctx)
		if err != nil {
			onClosed(err)
			return
		}
		onMessage(data)
	}
}

// close is idempotent; both pumps observe done and exit.
func (l *hubLink) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() { close(l.done) })
	l.ws.Close(code, reason)
}

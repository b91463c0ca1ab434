package hub

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"switchyard/internal/domain"
)

// callResult carries either the node's response or the local failure that
// ended the wait.
type callResult struct {
	resp *domain.RPCResponse
	err  error
}

type pendingCall struct {
	nodeID string
	ch     chan callResult
}

// PendingCalls correlates node-bound requests with their responses. Every
// outbound request registers its ID here; the reader side resolves it when
// the matching response arrives. IDs that nobody is waiting on any more
// (timed out, cancelled, never issued) resolve to false and the response is
// dropped.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]pendingCall
}

// NewPendingCalls creates an empty correlation table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]pendingCall)}
}

// Add registers a correlation ID bound to nodeID and returns the channel the
// result will arrive on. The channel is buffered so resolution never blocks.
func (p *PendingCalls) Add(id, nodeID string) <-chan callResult {
	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.calls[id] = pendingCall{nodeID: nodeID, ch: ch}
	p.mu.Unlock()
	return ch
}

// Resolve delivers a response to its waiter. Returns false when the ID is
// unknown.
func (p *PendingCalls) Resolve(resp *domain.RPCResponse) bool {
	p.mu.Lock()
	call, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- callResult{resp: resp}
	return true
}

// Drop forgets a pending call. Used on the timeout and cancellation paths;
// a response arriving later finds nothing and is discarded.
func (p *PendingCalls) Drop(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// FailNode rejects every call pending against nodeID with err and reports
// how many were rejected. Called when a node's link drops.
func (p *PendingCalls) FailNode(nodeID string, err error) int {
	p.mu.Lock()
	var failed []chan callResult
	for id, call := range p.calls {
		if call.nodeID == nodeID {
			failed = append(failed, call.ch)
			delete(p.calls, id)
		}
	}
	p.mu.Unlock()

	for _, ch := range failed {
		ch <- callResult{err: err}
	}
	return len(failed)
}

// Len reports the number of in-flight calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newCorrelationID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Package pending tracks in-flight calls until their responses arrive.
//
// A Call is registered the instant its request is handed to the network and
// is resolved exactly once: by the matching response, or by a failure
// (channel closed, timeout). Responses may arrive in any order; matching
// relies on the request id alone.
//
//	goroutine-1 ──Register(a)──┐
//	goroutine-2 ──Register(b)──┼──→ channel ──→ Server
//	goroutine-3 ──Register(c)──┘
//
//	recvLoop:  ←── response(b) → Complete(b) → goroutine-2 wakes up
package pending

import (
	"sync"

	"kite-rpc/message"
	"kite-rpc/rpcerr"
)

// recentSize bounds how many resolved ids are remembered to tell a
// duplicate completion apart from an unknown id.
const recentSize = 4096

// Call is one outstanding request.
type Call struct {
	RequestID string
	owner     uint64
	done      chan struct{}
	resp      *message.Response
	err       error
}

// Done is closed when the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response or the failure. It must only be called
// after Done is closed.
func (c *Call) Result() (*message.Response, error) {
	return c.resp, c.err
}

// Owner returns the id of the channel the call was sent on.
func (c *Call) Owner() uint64 {
	return c.owner
}

// Registry maps request ids to outstanding calls.
type Registry struct {
	calls sync.Map // map[string]*Call

	mu     sync.Mutex // protects the fields below
	recent map[string]struct{}
	ring   []string
	next   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		recent: make(map[string]struct{}, recentSize),
		ring:   make([]string, recentSize),
	}
}

// Register creates the pending call for requestID, owned by the channel
// with the given id. At most one live call may exist per request id.
func (r *Registry) Register(requestID string, owner uint64) (*Call, error) {
	call := &Call{
		RequestID: requestID,
		owner:     owner,
		done:      make(chan struct{}),
	}
	if _, loaded := r.calls.LoadOrStore(requestID, call); loaded {
		return nil, rpcerr.Errorf("pending.Register", rpcerr.Invalid, "request %q is already pending", requestID)
	}
	return call, nil
}

// Complete resolves the call matching resp.RequestID with resp.
func (r *Registry) Complete(resp *message.Response) error {
	return r.resolve("pending.Complete", resp.RequestID, resp, nil)
}

// Fail resolves the call for requestID with err.
func (r *Registry) Fail(requestID string, err error) error {
	return r.resolve("pending.Fail", requestID, nil, err)
}

// FailOwner fails every call sent on the channel owner and returns how
// many were failed.
func (r *Registry) FailOwner(owner uint64, err error) int {
	n := 0
	r.calls.Range(func(key, value any) bool {
		call := value.(*Call)
		if call.owner != owner {
			return true
		}
		if r.resolve("pending.FailOwner", key.(string), nil, err) == nil {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of outstanding calls.
func (r *Registry) Len() int {
	n := 0
	r.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) resolve(op, requestID string, resp *message.Response, err error) error {
	value, ok := r.calls.LoadAndDelete(requestID)
	if !ok {
		if r.wasResolved(requestID) {
			return rpcerr.Errorf(op, rpcerr.DuplicateCompletion, "request %q was already resolved", requestID)
		}
		return rpcerr.Errorf(op, rpcerr.UnknownRequestID, "no pending call for request %q", requestID)
	}
	r.remember(requestID)

	call := value.(*Call)
	call.resp = resp
	call.err = err
	close(call.done)
	return nil
}

func (r *Registry) remember(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.ring[r.next]; old != "" {
		delete(r.recent, old)
	}
	r.ring[r.next] = requestID
	r.recent[requestID] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

func (r *Registry) wasResolved(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recent[requestID]
	return ok
}

// Package client implements the calling side: it turns an invocation into
// a request, picks a target through the directory and a balancer, sends it
// on the shared channel to that target and resolves the caller's Future
// when the response arrives.
package client

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	tw "github.com/RussellLuo/timingwheel"
	log "github.com/sirupsen/logrus"

	"kite-rpc/codec"
	"kite-rpc/loadbalance"
	"kite-rpc/message"
	"kite-rpc/pending"
	"kite-rpc/protocol"
	"kite-rpc/rpcerr"
	"kite-rpc/transport"
)

// DefaultCallTimeout bounds a call that gets no response.
const DefaultCallTimeout = 10 * time.Second

// Resolver returns the candidate addresses of a service key.
// *directory.Directory implements it.
type Resolver interface {
	Lookup(ctx context.Context, serviceKey string) ([]string, error)
}

// Options configures a Client. Zero fields take defaults.
type Options struct {
	Serialization codec.SerializationType // default gob
	Compression   codec.CompressionType   // default none
	// CallTimeout fails a call that gets no response in time. A negative
	// value disables it; the caller's context still applies.
	CallTimeout time.Duration
	Transport   transport.Options
}

// Invocation is one logical method call.
type Invocation struct {
	Interface  string
	Method     string
	Params     []interface{}
	ParamTypes []string // derived from Params when nil
	Version    string
	Group      string
}

// Client dispatches calls to remote services.
type Client struct {
	resolver Resolver
	balancer loadbalance.Balancer
	opts     Options

	calls *pending.Registry
	conns *transport.Manager
	wheel *tw.TimingWheel

	closeOnce sync.Once
}

// New returns a Client resolving services through r and picking targets with b.
func New(r Resolver, b loadbalance.Balancer, opts Options) *Client {
	if opts.Serialization == 0 {
		opts.Serialization = codec.SerializationGob
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	opts.Transport.Serialization = byte(opts.Serialization)

	c := &Client{
		resolver: r,
		balancer: b,
		opts:     opts,
		calls:    pending.NewRegistry(),
		wheel:    tw.NewTimingWheel(10*time.Millisecond, 100),
	}
	c.conns = transport.NewManager(opts.Transport, c)
	c.wheel.Start()
	return c
}

// Go sends the invocation and returns a Future for its result. It fails
// without a Future when no target can be picked, no channel can be
// obtained, or the request cannot be written.
func (c *Client) Go(ctx context.Context, inv Invocation) (*Future, error) {
	req := message.NewRequest(inv.Interface, inv.Method, inv.Params, inv.ParamTypes, inv.Version, inv.Group)

	candidates, err := c.resolver.Lookup(ctx, req.ServiceKey())
	if err != nil {
		return nil, rpcerr.E("client.Go", err)
	}
	addr, err := c.balancer.Select(ctx, candidates, req)
	if err != nil {
		return nil, err
	}
	ch, err := c.conns.GetOrConnect(ctx, addr)
	if err != nil {
		return nil, err
	}
	body, err := codec.EncodeBody(c.opts.Serialization, c.opts.Compression, req)
	if err != nil {
		return nil, rpcerr.E("client.Go", rpcerr.Invalid, err)
	}

	// Register before sending so the response can never arrive first.
	call, err := c.calls.Register(req.RequestID, ch.ID())
	if err != nil {
		return nil, err
	}
	err = ch.Send(&protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		Serialization: byte(c.opts.Serialization),
		Compression:   byte(c.opts.Compression),
		RequestID:     req.RequestID,
		Payload:       body,
	})
	if err != nil {
		c.calls.Fail(req.RequestID, err)
		return nil, err
	}

	f := &Future{client: c, call: call, req: req, addr: addr}
	if c.opts.CallTimeout > 0 {
		timeout := c.opts.CallTimeout
		f.timer = c.wheel.AfterFunc(timeout, func() {
			c.calls.Fail(req.RequestID, rpcerr.Errorf("client.Call", rpcerr.Timeout, "no response from %s to %s within %s", addr, req.Signature(), timeout))
		})
	}
	return f, nil
}

// Invoke sends the invocation and waits for its result.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (any, error) {
	f, err := c.Go(ctx, inv)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Call invokes a method and converts its result to T.
func Call[T any](ctx context.Context, c *Client, inv Invocation) (T, error) {
	var zero T
	v, err := c.Invoke(ctx, inv)
	if err != nil || v == nil {
		return zero, err
	}
	if out, ok := v.(T); ok {
		return out, nil
	}
	rv, err := codec.Coerce(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

// HandleFrame resolves the pending call a RESPONSE frame answers.
func (c *Client) HandleFrame(ch *transport.Channel, f *protocol.Frame) {
	var resp message.Response
	err := codec.DecodeBody(codec.SerializationType(f.Serialization), codec.CompressionType(f.Compression), f.Payload, c.opts.Transport.MaxFrameSize, &resp)
	if err != nil {
		log.WithFields(log.Fields{"addr": ch.Addr(), "request": f.RequestID}).WithError(err).Error("client: undecodable response")
		c.calls.Fail(f.RequestID, err)
		if rpcerr.Is(rpcerr.Protocol, err) {
			// The peer speaks a format we cannot read; the rest of the
			// stream is not trusted either.
			ch.CloseWithError(err)
		}
		return
	}
	if resp.RequestID == "" {
		resp.RequestID = f.RequestID
	}
	if err := c.calls.Complete(&resp); err != nil {
		// A response nobody waits for: a late answer to a timed out call,
		// or a peer replaying ids.
		log.WithFields(log.Fields{"addr": ch.Addr(), "request": resp.RequestID}).WithError(err).Error("client: unmatched response")
	}
}

// ChannelClosed fails every call still waiting on ch.
func (c *Client) ChannelClosed(ch *transport.Channel, err error) {
	if n := c.calls.FailOwner(ch.ID(), err); n > 0 {
		log.WithFields(log.Fields{"addr": ch.Addr(), "calls": n}).Warn("client: channel closed with calls in flight")
	}
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	return c.calls.Len()
}

// Close closes every channel, failing the calls in flight.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.conns.Close()
		c.wheel.Stop()
	})
	return nil
}

// Future is the handle of a call in flight.
type Future struct {
	client *Client
	call   *pending.Call
	req    *message.Request
	addr   string
	timer  *tw.Timer
}

// Request returns the request the call sent.
func (f *Future) Request() *message.Request { return f.req }

// Addr returns the address the call was sent to.
func (f *Future) Addr() string { return f.addr }

// Done is closed when the call is resolved.
func (f *Future) Done() <-chan struct{} { return f.call.Done() }

// Wait blocks until the call is resolved or ctx is done, and returns the
// result. A failed remote invocation is a RemoteInvocation error.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.call.Done():
	case <-ctx.Done():
		kind := rpcerr.Other
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = rpcerr.Timeout
		}
		// Loses to a response that arrived meanwhile; the result is read below.
		f.client.calls.Fail(f.req.RequestID, rpcerr.E("client.Call", kind, ctx.Err()))
		<-f.call.Done()
	}
	if f.timer != nil {
		f.timer.Stop()
	}

	resp, err := f.call.Result()
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, rpcerr.Errorf("client.Call", rpcerr.RemoteInvocation, "%s: %s", f.req.Signature(), resp.Message)
	}
	return resp.Data, nil
}

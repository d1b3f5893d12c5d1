// Package server implements the RPC server: the provider's services behind
// a middleware chain, parallel request processing, connection-count
// publishing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine feeds a frame Decoder)
//	  → PING: answer PONG
//	  → REQUEST: go handleRequest (parallel processing)
//	    → codec.DecodeBody → Middleware Chain → provider.Invoke → codec.EncodeBody → write response
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"kite-rpc/codec"
	"kite-rpc/directory"
	"kite-rpc/message"
	"kite-rpc/middleware"
	"kite-rpc/protocol"
	"kite-rpc/provider"
	"kite-rpc/rpcerr"
)

const (
	DefaultIdleTimeout = 30 * time.Second

	registryTimeout = 5 * time.Second
	readBufferSize  = 32 << 10
)

// Options configures a Server. Zero fields take defaults.
type Options struct {
	// Advertise is the address published to the directory. It defaults to
	// the listener address, which is only routable when the listener is
	// bound to a concrete IP.
	Advertise    string
	IdleTimeout  time.Duration // close a connection after this long without reads
	MaxFrameSize int
}

// Server dispatches inbound requests to the services of a provider.
type Server struct {
	provider *provider.Provider
	dir      *directory.Directory // nil: nothing is published
	opts     Options

	middlewares []middleware.Middleware // applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	mu            sync.RWMutex // guards the fields below and orders wg.Add against Shutdown
	listener      net.Listener
	advertiseAddr string
	published     bool
	shutdown      bool
	conns         map[net.Conn]struct{}

	wg        sync.WaitGroup // in-flight requests
	connCount atomic.Int64
	metaMu    sync.Mutex // serializes connection-count updates
}

// NewServer returns a server for the services of p. When dir is not nil
// the services are published there on Serve.
func NewServer(p *provider.Provider, dir *directory.Directory, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Server{
		provider: p,
		dir:      dir,
		opts:     opts,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on address and calls Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// Serve publishes every service with a connection count of zero and
// accepts connections on l until Shutdown. It returns nil after Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	// Build the middleware chain once at startup, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	addr := svr.opts.Advertise
	if addr == "" {
		addr = l.Addr().String()
	}
	svr.mu.Lock()
	if svr.shutdown {
		svr.mu.Unlock()
		l.Close()
		return nil
	}
	svr.listener = l
	svr.advertiseAddr = addr
	svr.mu.Unlock()

	if svr.dir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		err := svr.provider.Publish(ctx, svr.dir, addr, "0")
		cancel()
		if err != nil {
			l.Close()
			return err
		}
		svr.mu.Lock()
		svr.published = true
		svr.mu.Unlock()
	}
	log.WithFields(log.Fields{"listen": l.Addr().String(), "advertise": addr}).Info("server: serving")

	for {
		conn, err := l.Accept()
		if err != nil {
			svr.mu.RLock()
			shutdown := svr.shutdown
			svr.mu.RUnlock()
			if shutdown {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			continue
		}
		svr.connCount.Add(1)
		go svr.publishConnCount()
		go svr.handleConn(conn)
	}
}

// Addr returns the advertised address, or "" before Serve.
func (svr *Server) Addr() string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.advertiseAddr
}

// ConnCount returns the number of open connections.
func (svr *Server) ConnCount() int64 {
	return svr.connCount.Load()
}

func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
}

// publishConnCount republishes the current connection count as the
// metadata of every service. Calls may run concurrently; each writes the
// count current when it gets metaMu, so the last write wins with the
// latest value.
func (svr *Server) publishConnCount() {
	svr.metaMu.Lock()
	defer svr.metaMu.Unlock()

	svr.mu.RLock()
	published, addr := svr.published, svr.advertiseAddr
	svr.mu.RUnlock()
	if !published {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	n := svr.connCount.Load()
	if err := svr.dir.UpdateMetadata(ctx, addr, strconv.FormatInt(n, 10)); err != nil {
		log.WithFields(log.Fields{"addr": addr, "connections": n}).WithError(err).Warn("server: publish connection count failed")
	}
}

// handleConn is the only reader of conn. Whatever each Read returns is
// fed to a Decoder; complete requests are dispatched to their own
// goroutines, which share a per-connection write lock.
func (svr *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.Close()
		svr.untrack(conn)
		svr.connCount.Add(-1)
		svr.publishConnCount()
	}()

	remote := conn.RemoteAddr().String()
	writeMu := &sync.Mutex{}
	dec := protocol.NewDecoder(svr.opts.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		conn.SetReadDeadline(time.Now().Add(svr.opts.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			for _, f := range frames {
				svr.handleFrame(ctx, conn, writeMu, f)
			}
			if derr != nil {
				log.WithFields(log.Fields{"remote": remote}).WithError(derr).Warn("server: closing connection")
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.WithFields(log.Fields{"remote": remote}).Info("server: closing idle connection")
			}
			return
		}
	}
}

func (svr *Server) handleFrame(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgTypePing:
		svr.write(conn, writeMu, &protocol.Frame{Type: protocol.MsgTypePong, Serialization: f.Serialization})
	case protocol.MsgTypeRequest:
		svr.mu.RLock()
		shutdown := svr.shutdown
		if !shutdown {
			svr.wg.Add(1)
		}
		svr.mu.RUnlock()
		if shutdown {
			svr.writeResponse(conn, writeMu, f, message.Fail(f.RequestID, "server is shutting down"))
			return
		}
		go svr.handleRequest(ctx, conn, writeMu, f)
	case protocol.MsgTypePong:
	default:
		log.WithFields(log.Fields{"remote": conn.RemoteAddr().String(), "type": f.Type}).Warn("server: unexpected frame")
	}
}

// handleRequest processes a single request: decode → middleware → invoke → encode → write.
func (svr *Server) handleRequest(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, f *protocol.Frame) {
	defer svr.wg.Done()

	var req message.Request
	err := codec.DecodeBody(codec.SerializationType(f.Serialization), codec.CompressionType(f.Compression), f.Payload, svr.opts.MaxFrameSize, &req)
	if err != nil {
		// The peer speaks a format we cannot read; nothing on this
		// connection can be trusted.
		log.WithFields(log.Fields{"remote": conn.RemoteAddr().String(), "request": f.RequestID}).WithError(err).Warn("server: closing connection")
		conn.Close()
		return
	}
	if req.RequestID == "" {
		req.RequestID = f.RequestID
	}

	resp := svr.handler(ctx, &req)
	svr.writeResponse(conn, writeMu, f, resp)
}

// businessHandler is the innermost handler of the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	data, err := svr.provider.Invoke(ctx, req)
	if err != nil {
		return message.Fail(req.RequestID, err.Error())
	}
	return message.Succeed(req.RequestID, data)
}

// writeResponse answers in the serialization and compression of the request.
func (svr *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, req *protocol.Frame, resp *message.Response) {
	st, ct := codec.SerializationType(req.Serialization), codec.CompressionType(req.Compression)
	body, err := codec.EncodeBody(st, ct, resp)
	if err != nil {
		log.WithFields(log.Fields{"request": req.RequestID}).WithError(err).Warn("server: failed to encode result")
		body, err = codec.EncodeBody(st, ct, message.Fail(resp.RequestID, "encode result: "+err.Error()))
		if err != nil {
			log.WithFields(log.Fields{"request": req.RequestID}).WithError(err).Error("server: failed to encode response")
			return
		}
	}
	svr.write(conn, writeMu, &protocol.Frame{
		Type:          protocol.MsgTypeResponse,
		Serialization: req.Serialization,
		Compression:   req.Compression,
		RequestID:     req.RequestID, // same id as the request, this is how the client matches it
		Payload:       body,
	})
}

func (svr *Server) write(conn net.Conn, writeMu *sync.Mutex, f *protocol.Frame) {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(svr.opts.IdleTimeout))
	if err := protocol.Encode(conn, f); err != nil {
		log.WithFields(log.Fields{"remote": conn.RemoteAddr().String(), "type": f.Type}).WithError(err).Warn("server: write failed")
	}
}

// Shutdown performs graceful shutdown:
//  1. Unpublish every service (clients stop routing to this server)
//  2. Stop accepting connections and requests
//  3. Wait for in-flight requests to finish, up to timeout
//  4. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	// metaMu keeps a connection-count write from landing after the
	// nodes are deleted.
	svr.metaMu.Lock()
	svr.mu.Lock()
	published, addr := svr.published, svr.advertiseAddr
	svr.published = false
	svr.mu.Unlock()

	if published {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		for _, svc := range svr.provider.Services() {
			if err := svr.dir.Unpublish(ctx, svc.Key(), addr); err != nil {
				log.WithFields(log.Fields{"service": svc.Key(), "addr": addr}).WithError(err).Warn("server: unpublish failed")
			}
		}
		cancel()
	}
	svr.metaMu.Unlock()

	// Set the flag before closing the listener so Serve sees the Accept
	// error as intentional.
	svr.mu.Lock()
	svr.shutdown = true
	l := svr.listener
	svr.mu.Unlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = rpcerr.Errorf("server.Shutdown", rpcerr.Timeout, "in-flight requests still running after %s", timeout)
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}

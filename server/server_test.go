package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"kite-rpc/codec"
	"kite-rpc/directory"
	"kite-rpc/message"
	"kite-rpc/middleware"
	"kite-rpc/protocol"
	"kite-rpc/provider"
	"kite-rpc/registry"
	"kite-rpc/rpcerr"
)

type Greeter struct{}

func (g *Greeter) Hello(name string) string {
	return "Hello " + name
}

func (g *Greeter) Sleep(ms int) (int, error) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms, nil
}

type fixture struct {
	svr  *Server
	dir  *directory.Directory
	addr string
	done chan error
}

func startServer(t *testing.T, opts Options) *fixture {
	t.Helper()
	return startServerOn(t, registry.NewMemoryRegistry(), opts)
}

func startServerOn(t *testing.T, reg registry.Registry, opts Options) *fixture {
	t.Helper()
	p := provider.New()
	if err := p.AddService(provider.ServiceConfig{Interface: "Greet", Version: "v1", Group: "g1", Service: &Greeter{}}); err != nil {
		t.Fatal(err)
	}
	dir := directory.New(reg, "")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := NewServer(p, dir, opts)
	svr.Use(middleware.RecoverMiddleware())
	svr.Use(middleware.LoggingMiddleware())

	f := &fixture{svr: svr, dir: dir, addr: l.Addr().String(), done: make(chan error, 1)}
	go func() { f.done <- svr.Serve(l) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		dir.Close()
		reg.Close()
	})
	f.waitMetadata(t, "0")
	return f
}

// waitMetadata polls the published connection count until it equals want.
func (f *fixture) waitMetadata(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		got, _ = f.dir.Metadata(context.Background(), "Greetg1v1", f.addr)
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("metadata %q, want %q", got, want)
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, st codec.SerializationType, ct codec.CompressionType, req *message.Request) {
	t.Helper()
	body, err := codec.EncodeBody(st, ct, req)
	if err != nil {
		t.Fatal(err)
	}
	err = protocol.Encode(conn, &protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		Serialization: byte(st),
		Compression:   byte(ct),
		RequestID:     req.RequestID,
		Payload:       body,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func receive(conn net.Conn) (*protocol.Frame, *message.Response, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return nil, nil, err
	}
	var resp message.Response
	if err := codec.DecodeBody(codec.SerializationType(f.Serialization), codec.CompressionType(f.Compression), f.Payload, 0, &resp); err != nil {
		return nil, nil, err
	}
	return f, &resp, nil
}

func call(t *testing.T, conn net.Conn, st codec.SerializationType, ct codec.CompressionType, req *message.Request) (*protocol.Frame, *message.Response) {
	t.Helper()
	send(t, conn, st, ct, req)
	f, resp, err := receive(conn)
	if err != nil {
		t.Fatal(err)
	}
	return f, resp
}

func hello(name string) *message.Request {
	return message.NewRequest("Greet", "Hello", []interface{}{name}, nil, "v1", "g1")
}

func TestServeRequest(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	for _, tc := range []struct {
		st codec.SerializationType
		ct codec.CompressionType
	}{
		{codec.SerializationGob, codec.CompressionGzip},
		{codec.SerializationJSON, codec.CompressionNone},
		{codec.SerializationGob, codec.CompressionSnappy},
	} {
		req := hello("hi")
		frame, resp := call(t, conn, tc.st, tc.ct, req)
		if frame.Type != protocol.MsgTypeResponse || frame.RequestID != req.RequestID {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if frame.Serialization != byte(tc.st) || frame.Compression != byte(tc.ct) {
			t.Fatalf("response must mirror the request encoding, got %d/%d", frame.Serialization, frame.Compression)
		}
		if !resp.OK() || resp.Data != "Hello hi" || resp.RequestID != req.RequestID {
			t.Fatalf("unexpected response %+v", resp)
		}
	}
}

func TestRemoteErrorKeepsConnection(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	_, resp := call(t, conn, codec.SerializationGob, codec.CompressionNone,
		message.NewRequest("Greet", "Missing", nil, nil, "v1", "g1"))
	if resp.OK() || resp.Code != message.CodeFail || resp.Message == "" {
		t.Fatalf("expect failed response, got %+v", resp)
	}

	_, resp = call(t, conn, codec.SerializationGob, codec.CompressionNone, hello("again"))
	if !resp.OK() || resp.Data != "Hello again" {
		t.Fatalf("connection unusable after a remote error: %+v", resp)
	}
}

func TestPingPong(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	if err := protocol.Encode(conn, &protocol.Frame{Type: protocol.MsgTypePing, Serialization: 1}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != protocol.MsgTypePong || len(frame.Payload) != 0 {
		t.Fatalf("expect empty PONG, got %+v", frame)
	}
}

func TestRequestSplitAcrossWrites(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	req := hello("chunks")
	body, _ := codec.EncodeBody(codec.SerializationGob, codec.CompressionNone, req)
	raw, _ := protocol.Marshal(&protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		Serialization: byte(codec.SerializationGob),
		RequestID:     req.RequestID,
		Payload:       body,
	})
	for _, b := range raw {
		if _, err := conn.Write([]byte{b}); err != nil {
			t.Fatal(err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		t.Fatal(err)
	}
	if frame.RequestID != req.RequestID {
		t.Fatalf("got response for %s", frame.RequestID)
	}
}

func TestGarbageClosesConnection(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// EOF, or a reset if the close raced the rest of the input.
	_, err := conn.Read(make([]byte, 1))
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expect server to close the connection, got %v", err)
	}
}

func TestUnknownSerializationClosesConnection(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	body, err := codec.EncodeBody(codec.SerializationGob, codec.CompressionNone, hello("x"))
	if err != nil {
		t.Fatal(err)
	}
	err = protocol.Encode(conn, &protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		Serialization: 77,
		RequestID:     "bad-serialization",
		Payload:       body,
	})
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expect server to close the connection, got %v", err)
	}
}

func TestOversizedBodyClosesConnection(t *testing.T) {
	f := startServer(t, Options{MaxFrameSize: 4096})
	conn := f.dial(t)

	// Compresses far below the frame limit, inflates far above it.
	req := message.NewRequest("Greet", "Hello", []interface{}{string(make([]byte, 1<<20))}, nil, "v1", "g1")
	send(t, conn, codec.SerializationGob, codec.CompressionGzip, req)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expect server to close the connection, got %v", err)
	}
}

func TestIdleConnectionClosed(t *testing.T) {
	f := startServer(t, Options{IdleTimeout: 50 * time.Millisecond})
	conn := f.dial(t)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expect idle connection to be closed, got %v", err)
	}
}

func TestConnectionCountPublished(t *testing.T) {
	f := startServer(t, Options{})

	addrs, err := f.dir.Lookup(context.Background(), "Greetg1v1")
	if err != nil || len(addrs) != 1 || addrs[0] != f.addr {
		t.Fatalf("expect %s to be published, got %v, %v", f.addr, addrs, err)
	}

	c1 := f.dial(t)
	c2 := f.dial(t)
	f.waitMetadata(t, "2")

	c1.Close()
	f.waitMetadata(t, "1")
	c2.Close()
	f.waitMetadata(t, "0")
}

// slowRegistry delays metadata writes while slow is set.
type slowRegistry struct {
	registry.Registry
	slow  atomic.Bool
	delay time.Duration
}

func (r *slowRegistry) SetNodeData(ctx context.Context, path, data string) error {
	if r.slow.Load() {
		time.Sleep(r.delay)
	}
	return r.Registry.SetNodeData(ctx, path, data)
}

func TestSlowRegistryDoesNotBlockAccept(t *testing.T) {
	reg := &slowRegistry{Registry: registry.NewMemoryRegistry(), delay: 500 * time.Millisecond}
	f := startServerOn(t, reg, Options{})
	reg.slow.Store(true)
	defer reg.slow.Store(false)

	start := time.Now()
	for i := 0; i < 3; i++ {
		conn := f.dial(t)
		_, resp := call(t, conn, codec.SerializationGob, codec.CompressionNone, hello("x"))
		if !resp.OK() {
			t.Fatalf("call %d failed: %+v", i, resp)
		}
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("connections waited %s on connection-count writes", elapsed)
	}
}

func TestShutdownWaitsForRequests(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	req := message.NewRequest("Greet", "Sleep", []interface{}{100}, nil, "v1", "g1")
	send(t, conn, codec.SerializationGob, codec.CompressionNone, req)
	result := make(chan *message.Response, 1)
	go func() {
		_, resp, err := receive(conn)
		if err != nil {
			resp = message.Fail(req.RequestID, err.Error())
		}
		result <- resp
	}()
	time.Sleep(30 * time.Millisecond)

	if err := f.svr.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case resp := <-result:
		if !resp.OK() {
			t.Fatalf("in-flight request failed: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was not answered")
	}
	if err := <-f.done; err != nil {
		t.Fatalf("Serve returned %v after Shutdown", err)
	}
	addrs, _ := f.dir.Lookup(context.Background(), "Greetg1v1")
	for deadline := time.Now().Add(2 * time.Second); len(addrs) != 0 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		addrs, _ = f.dir.Lookup(context.Background(), "Greetg1v1")
	}
	if len(addrs) != 0 {
		t.Fatalf("expect services to be unpublished, got %v", addrs)
	}
}

func TestShutdownTimeout(t *testing.T) {
	f := startServer(t, Options{})
	conn := f.dial(t)

	req := message.NewRequest("Greet", "Sleep", []interface{}{500}, nil, "v1", "g1")
	send(t, conn, codec.SerializationGob, codec.CompressionNone, req)
	time.Sleep(30 * time.Millisecond)

	if err := f.svr.Shutdown(50 * time.Millisecond); !rpcerr.Is(rpcerr.Timeout, err) {
		t.Fatalf("expect timeout, got %v", err)
	}
}

package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kite-rpc/protocol"
	"kite-rpc/rpcerr"
)

// peer is a minimal server: it echoes REQUEST frames back as RESPONSE
// frames and answers PING with PONG unless silent is set.
type peer struct {
	l        net.Listener
	accepted atomic.Int32
	pings    atomic.Int32
	silent   bool

	mu    sync.Mutex
	conns []net.Conn
}

func newPeer(t *testing.T, silent bool) *peer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &peer{l: l, silent: silent}
	go p.serve()
	t.Cleanup(func() { p.close() })
	return p
}

func (p *peer) addr() string { return p.l.Addr().String() }

func (p *peer) serve() {
	for {
		conn, err := p.l.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		p.accepted.Add(1)
		go p.handle(conn)
	}
}

func (p *peer) handle(conn net.Conn) {
	defer conn.Close()
	dec := protocol.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frames, err := dec.Feed(buf[:n])
		if err != nil {
			return
		}
		for _, f := range frames {
			switch f.Type {
			case protocol.MsgTypePing:
				p.pings.Add(1)
				if !p.silent {
					protocol.Encode(conn, &protocol.Frame{Type: protocol.MsgTypePong})
				}
			case protocol.MsgTypeRequest:
				if !p.silent {
					f.Type = protocol.MsgTypeResponse
					protocol.Encode(conn, f)
				}
			}
		}
	}
}

// waitAccepted blocks until the peer has accepted n connections.
func (p *peer) waitAccepted(t *testing.T, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.accepted.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("peer accepted %d connections, want %d", p.accepted.Load(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// dropAll closes every accepted connection from the server side.
func (p *peer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func (p *peer) close() {
	p.l.Close()
	p.dropAll()
}

// recorder is a Handler that collects frames and closed channels.
type recorder struct {
	frames chan *protocol.Frame
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(chan *protocol.Frame, 16),
		closed: make(chan error, 16),
	}
}

func (r *recorder) HandleFrame(ch *Channel, f *protocol.Frame) { r.frames <- f }
func (r *recorder) ChannelClosed(ch *Channel, err error)      { r.closed <- err }

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed")
		return nil
	}
}

func testOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		ConnectRetries:    2,
		RetryDelay:        20 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}
}

func TestSendReceive(t *testing.T) {
	p := newPeer(t, false)
	rec := newRecorder()
	m := NewManager(testOptions(), rec)
	defer m.Close()

	ch, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(&protocol.Frame{Type: protocol.MsgTypeRequest, RequestID: "r1", Payload: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-rec.frames:
		if f.RequestID != "r1" || string(f.Payload) != "hello" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestGetOrConnectReusesChannel(t *testing.T) {
	p := newPeer(t, false)
	m := NewManager(testOptions(), newRecorder())
	defer m.Close()

	var wg sync.WaitGroup
	got := make([]*Channel, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := m.GetOrConnect(context.Background(), p.addr())
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = ch
		}(i)
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	for _, ch := range got {
		if ch != got[0] {
			t.Fatal("concurrent callers got different channels")
		}
	}
	if n := p.accepted.Load(); n != 1 {
		t.Fatalf("expect 1 connection, peer accepted %d", n)
	}
	if m.Len() != 1 {
		t.Fatalf("expect 1 cached channel, got %d", m.Len())
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	m := NewManager(testOptions(), newRecorder())
	defer m.Close()

	start := time.Now()
	_, err = m.GetOrConnect(context.Background(), addr)
	if !rpcerr.Is(rpcerr.Connection, err) {
		t.Fatalf("expect connection error, got %v", err)
	}
	// Two retries, each after a fixed delay.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("gave up after %s, expected two delays", elapsed)
	}
	if m.Len() != 0 {
		t.Fatal("failed connect must not be cached")
	}
}

func TestConnectRetrySucceeds(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	started := make(chan net.Listener, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			started <- nil
			return
		}
		started <- l
		var conns []net.Conn
		for {
			conn, err := l.Accept()
			if err != nil {
				for _, c := range conns {
					c.Close()
				}
				return
			}
			conns = append(conns, conn)
		}
	}()

	opts := testOptions()
	opts.ConnectRetries = 5
	m := NewManager(opts, newRecorder())
	defer m.Close()

	ch, err := m.GetOrConnect(context.Background(), addr)
	late := <-started
	if late == nil {
		t.Skip("port was taken before the listener came back")
	}
	defer late.Close()
	if err != nil {
		t.Fatalf("expect connect to succeed on retry, got %v", err)
	}
	if !ch.Active() {
		t.Fatal("channel is not active")
	}
}

func TestPeerCloseEvictsChannel(t *testing.T) {
	p := newPeer(t, false)
	rec := newRecorder()
	m := NewManager(testOptions(), rec)
	defer m.Close()

	first, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	p.waitAccepted(t, 1)
	p.dropAll()

	if err := rec.waitClosed(t); !rpcerr.Is(rpcerr.Transport, err) {
		t.Fatalf("expect transport error, got %v", err)
	}
	if first.Active() {
		t.Fatal("channel closed by the peer is still active")
	}
	if err := first.Send(&protocol.Frame{Type: protocol.MsgTypeRequest, RequestID: "r1"}); !rpcerr.Is(rpcerr.Transport, err) {
		t.Fatalf("expect transport error on a closed channel, got %v", err)
	}

	second, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	if second == first || second.ID() == first.ID() {
		t.Fatal("stale channel returned after the peer closed it")
	}
}

func TestIdleChannelSendsPing(t *testing.T) {
	p := newPeer(t, false)
	opts := testOptions()
	opts.HeartbeatInterval = 30 * time.Millisecond
	m := NewManager(opts, newRecorder())
	defer m.Close()

	ch, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if p.pings.Load() == 0 {
		t.Fatal("idle channel sent no ping")
	}
	// PONGs keep the channel alive past the idle timeout.
	if !ch.Active() {
		t.Fatalf("channel closed while the peer answered pings: %v", ch.Err())
	}
}

func TestSilentPeerClosesChannel(t *testing.T) {
	p := newPeer(t, true)
	rec := newRecorder()
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.IdleTimeout = 80 * time.Millisecond
	m := NewManager(opts, rec)
	defer m.Close()

	ch, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.waitClosed(t); !rpcerr.Is(rpcerr.Transport, err) {
		t.Fatalf("expect transport error, got %v", err)
	}
	if ch.Active() || m.Len() != 0 {
		t.Fatal("dead channel was not evicted")
	}
}

func TestGarbageFromPeerIsProtocolError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		time.Sleep(time.Second)
	}()

	rec := newRecorder()
	m := NewManager(testOptions(), rec)
	defer m.Close()
	if _, err := m.GetOrConnect(context.Background(), l.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := rec.waitClosed(t); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
}

func TestRemoveAndClose(t *testing.T) {
	p := newPeer(t, false)
	m := NewManager(testOptions(), newRecorder())

	ch, err := m.GetOrConnect(context.Background(), p.addr())
	if err != nil {
		t.Fatal(err)
	}
	m.Remove(p.addr())
	if ch.Active() || m.Len() != 0 {
		t.Fatal("removed channel still cached")
	}

	m.Close()
	if _, err := m.GetOrConnect(context.Background(), p.addr()); !rpcerr.Is(rpcerr.Connection, err) {
		t.Fatalf("expect connection error after Close, got %v", err)
	}
}

func TestCloseDuringDial(t *testing.T) {
	p := newPeer(t, false)
	m := NewManager(testOptions(), newRecorder())

	dialing := make(chan struct{})
	release := make(chan struct{})
	var conn net.Conn
	m.dialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		close(dialing)
		<-release
		c, err := net.Dial(network, addr)
		conn = c
		return c, err
	}

	result := make(chan error, 1)
	go func() {
		_, err := m.GetOrConnect(context.Background(), p.addr())
		result <- err
	}()
	<-dialing
	m.Close()
	close(release)

	if err := <-result; !rpcerr.Is(rpcerr.Connection, err) {
		t.Fatalf("expect connection error, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("channel stored after Close")
	}
	// The dialed connection was closed, not left to the peer.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expect the late connection to be closed")
	}
}

// Package transport implements the client side of the connection layer:
// one multiplexed channel per remote address, created on first use and
// reused by every call to that address.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ one channel per address ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(b) → Handler.HandleFrame → pending call b resolves
//
// Connection attempts are retried a bounded number of times with a fixed
// delay; exhausting them is a Connection error. Idle channels send PING
// frames, and a channel that hears nothing from its peer for IdleTimeout
// is closed and evicted so the next lookup reconnects.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"kite-rpc/protocol"
	"kite-rpc/rpcerr"
)

// Options configures a Manager. Zero fields take the defaults below.
type Options struct {
	ConnectTimeout    time.Duration // per dial attempt
	ConnectRetries    int           // attempts after the first one
	RetryDelay        time.Duration // fixed wait between attempts
	HeartbeatInterval time.Duration // PING after this long without writes
	IdleTimeout       time.Duration // close after this long without reads
	MaxFrameSize      int
	Serialization     byte // serialization id stamped on heartbeat frames
}

const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultConnectRetries    = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 3 * DefaultHeartbeatInterval
)

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	} else if o.ConnectRetries == 0 {
		o.ConnectRetries = DefaultConnectRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * o.HeartbeatInterval
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
}

// Handler receives the traffic of every channel of a Manager.
type Handler interface {
	// HandleFrame is called from the channel's read goroutine for each
	// RESPONSE frame.
	HandleFrame(ch *Channel, f *protocol.Frame)
	// ChannelClosed is called once when a channel closes, after it has
	// been evicted from the cache.
	ChannelClosed(ch *Channel, err error)
}

// Manager owns the channels of a client, keyed by remote address.
// No two live channels to the same address exist at once.
type Manager struct {
	opts    Options
	handler Handler

	channels sync.Map // addr → *Channel
	group    singleflight.Group
	nextID   atomic.Uint64
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	mu        sync.Mutex // orders channel creation against Close
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager returns a Manager that reports frames and closed channels to h.
// A negative opts.ConnectRetries disables retries.
func NewManager(opts Options, h Handler) *Manager {
	opts.setDefaults()
	d := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Manager{
		opts:     opts,
		handler:  h,
		dialFunc: d.DialContext,
		done:     make(chan struct{}),
	}
}

// GetOrConnect returns the cached channel to addr, or dials one.
//
// Concurrent callers asking for the same new address share one dial. A
// cached channel that has gone inactive is evicted, never returned.
func (m *Manager) GetOrConnect(ctx context.Context, addr string) (*Channel, error) {
	if ch := m.lookup(addr); ch != nil {
		return ch, nil
	}
	v, err, _ := m.group.Do(addr, func() (interface{}, error) {
		if ch := m.lookup(addr); ch != nil {
			return ch, nil
		}
		conn, err := m.dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return nil, rpcerr.Errorf("transport.GetOrConnect", rpcerr.Connection, "manager is closed")
		}
		ch := newChannel(m, m.nextID.Add(1), addr, conn)
		m.channels.Store(addr, ch)
		m.mu.Unlock()
		ch.start()
		log.WithFields(log.Fields{"addr": addr, "channel": ch.id}).Info("transport: connected")
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (m *Manager) lookup(addr string) *Channel {
	v, ok := m.channels.Load(addr)
	if !ok {
		return nil
	}
	ch := v.(*Channel)
	if ch.Active() {
		return ch
	}
	m.channels.CompareAndDelete(addr, ch)
	return nil
}

// dial connects to addr, retrying with a fixed delay.
func (m *Manager) dial(ctx context.Context, addr string) (net.Conn, error) {
	select {
	case <-m.done:
		return nil, rpcerr.Errorf("transport.GetOrConnect", rpcerr.Connection, "manager is closed")
	default:
	}

	attempts := 1 + m.opts.ConnectRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := m.dialFunc(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.WithFields(log.Fields{"addr": addr, "attempt": attempt, "of": attempts}).WithError(err).Warn("transport: connect failed")
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, rpcerr.E("transport.GetOrConnect", rpcerr.Connection, ctx.Err())
		case <-m.done:
			timer.Stop()
			return nil, rpcerr.Errorf("transport.GetOrConnect", rpcerr.Connection, "manager is closed")
		}
	}
	return nil, rpcerr.Errorf("transport.GetOrConnect", rpcerr.Connection, "connect to %s failed after %d attempts: %v", addr, attempts, lastErr)
}

// Remove closes and evicts the channel to addr, if any.
func (m *Manager) Remove(addr string) {
	if v, ok := m.channels.Load(addr); ok {
		v.(*Channel).Close()
	}
}

// Len returns the number of cached channels.
func (m *Manager) Len() int {
	n := 0
	m.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes every channel and fails later connects.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.done)
		m.mu.Unlock()
		m.channels.Range(func(_, v any) bool {
			v.(*Channel).Close()
			return true
		})
	})
	return nil
}

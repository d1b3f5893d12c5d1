package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"kite-rpc/protocol"
	"kite-rpc/rpcerr"
)

const readBufferSize = 32 << 10

// Channel is one multiplexed connection to a remote address.
type Channel struct {
	id   uint64
	addr string
	conn net.Conn
	mgr  *Manager

	sending   sync.Mutex // serializes writes so frames never interleave
	lastWrite atomic.Int64
	lastRead  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

func newChannel(m *Manager, id uint64, addr string, conn net.Conn) *Channel {
	now := time.Now().UnixNano()
	ch := &Channel{
		id:   id,
		addr: addr,
		conn: conn,
		mgr:  m,
		done: make(chan struct{}),
	}
	ch.lastWrite.Store(now)
	ch.lastRead.Store(now)
	return ch
}

func (c *Channel) start() {
	go c.recvLoop()
	go c.heartbeatLoop()
}

// ID identifies the channel among all channels of its Manager.
func (c *Channel) ID() uint64 { return c.id }

// Addr returns the remote address.
func (c *Channel) Addr() string { return c.addr }

// Active reports whether the channel can still send.
func (c *Channel) Active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel closed, or nil while it is active.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send writes f as one frame. Sending on an inactive channel, or a failed
// write, is a Transport error; a failed write also closes the channel.
func (c *Channel) Send(f *protocol.Frame) error {
	if !c.Active() {
		return rpcerr.Errorf("transport.Send", rpcerr.Transport, "channel to %s is closed", c.addr)
	}
	c.sending.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.mgr.opts.IdleTimeout))
	err := protocol.Encode(c.conn, f)
	c.sending.Unlock()
	if err != nil {
		err = rpcerr.E("transport.Send", rpcerr.Transport, err)
		c.closeWithError(err)
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Close closes the connection and evicts the channel.
func (c *Channel) Close() error {
	c.closeWithError(rpcerr.Errorf("transport.Close", rpcerr.Transport, "channel to %s closed", c.addr))
	return nil
}

// CloseWithError closes the channel and reports err to the handler as
// the cause.
func (c *Channel) CloseWithError(err error) {
	c.closeWithError(err)
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
		c.mgr.channels.CompareAndDelete(c.addr, c)
		log.WithFields(log.Fields{"addr": c.addr, "channel": c.id}).WithError(err).Info("transport: channel closed")
		if c.mgr.handler != nil {
			c.mgr.handler.ChannelClosed(c, err)
		}
	})
}

// recvLoop is the only reader of the connection. It feeds whatever each
// Read returns to a Decoder, which holds partial frames until they are
// complete.
func (c *Channel) recvLoop() {
	dec := protocol.NewDecoder(c.mgr.opts.MaxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			frames, derr := dec.Feed(buf[:n])
			for _, f := range frames {
				c.dispatch(f)
			}
			if derr != nil {
				log.WithFields(log.Fields{"addr": c.addr}).WithError(derr).Error("transport: bad frame from peer")
				c.closeWithError(derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = rpcerr.Errorf("transport.recv", rpcerr.Transport, "connection closed by %s", c.addr)
			} else {
				err = rpcerr.E("transport.recv", rpcerr.Transport, err)
			}
			c.closeWithError(err)
			return
		}
	}
}

func (c *Channel) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgTypeResponse:
		if c.mgr.handler != nil {
			c.mgr.handler.HandleFrame(c, f)
		}
	case protocol.MsgTypePing:
		c.Send(&protocol.Frame{Type: protocol.MsgTypePong, Serialization: f.Serialization})
	case protocol.MsgTypePong:
	default:
		log.WithFields(log.Fields{"addr": c.addr, "type": f.Type}).Warn("transport: unexpected frame")
	}
}

// heartbeatLoop sends a PING when nothing was written for a heartbeat
// interval and closes the channel when nothing was read for IdleTimeout.
func (c *Channel) heartbeatLoop() {
	interval := c.mgr.opts.HeartbeatInterval
	ticker := time.NewTicker(interval / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if idle := now.Sub(time.Unix(0, c.lastRead.Load())); idle > c.mgr.opts.IdleTimeout {
				c.closeWithError(rpcerr.Errorf("transport.heartbeat", rpcerr.Transport, "no traffic from %s for %s", c.addr, idle.Truncate(time.Millisecond)))
				return
			}
			if now.Sub(time.Unix(0, c.lastWrite.Load())) >= interval {
				ping := &protocol.Frame{Type: protocol.MsgTypePing, Serialization: c.mgr.opts.Serialization}
				if err := c.Send(ping); err != nil {
					return
				}
				log.WithFields(log.Fields{"addr": c.addr}).Debug("transport: ping")
			}
		}
	}
}

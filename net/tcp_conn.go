package net

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
)

var (
	ErrSendQueueFull = errors.New("send queue is full")
	ErrFrameTooLarge = errors.New("frame exceeds max frame size")
	ErrConnClosed    = errors.New("connection closed")
)

type ConnState int32

const (
	ConnEstablished ConnState = iota
	ConnClosing
)

// Connection is the IoAgent of one TCP stream. It keeps one receive outstanding, splits the
// byte stream into frames and queues decoded messages for the communicator loop. Writes
// are serialized: one in flight, the rest wait in a backlog.
type Connection struct {
	id    uint64
	sock  *Socket
	comm  *TCPCommunicator
	local netip.AddrPort
	peer  netip.AddrPort
	state atomic.Int32

	recvBlock IoBlock
	inbuf     []byte
	limiter   *RecvLimiter

	sendMu    sync.Mutex
	sending   bool
	sendBlock IoBlock
	backlog   *Queue[[]byte]

	closeOnce sync.Once
}

func newConnection(comm *TCPCommunicator, id uint64, sock *Socket) *Connection {
	cfg := comm.config()
	c := &Connection{
		id:      id,
		sock:    sock,
		comm:    comm,
		local:   sock.LocalAddr(),
		limiter: NewRecvLimiter(cfg.RecvLimit, cfg.RecvBurst),
		backlog: NewQueue[[]byte](),
	}
	c.peer, _ = sock.PeerAddr()
	c.recvBlock.Buf = make([]byte, cfg.RecvBufferSize)
	return c
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) LocalAddr() netip.AddrPort {
	return c.local
}

func (c *Connection) PeerAddr() netip.AddrPort {
	return c.peer
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) Handle() *Socket {
	return c.sock
}

func (c *Connection) RequestSend(b *IoBlock) error {
	return c.sock.AsyncSend(b)
}

func (c *Connection) RequestRecv(b *IoBlock) error {
	return c.sock.AsyncRecv(b)
}

func (c *Connection) start() error {
	return c.comm.service.BeginRecv(c, &c.recvBlock)
}

func (c *Connection) OnRecvCompleted(b *IoBlock) {
	c.inbuf = append(c.inbuf, b.Data()...)
	if err := c.parseFrames(); err != nil {
		c.close(err)
		return
	}
	if err := c.comm.service.BeginRecv(c, &c.recvBlock); err != nil {
		c.close(err)
	}
}

func (c *Connection) parseFrames() error {
	maxFrame := c.comm.config().MaxFrameSize
	off := 0
	for len(c.inbuf)-off >= FRAME_HEAD_SIZE {
		size, err := DecodeFrameHead(c.inbuf[off:])
		if err != nil {
			return err
		}
		if int(size) > maxFrame {
			return ErrFrameTooLarge
		}
		end := off + FRAME_HEAD_SIZE + int(size)
		if len(c.inbuf) < end {
			break
		}
		body := c.inbuf[off+FRAME_HEAD_SIZE : end]
		off = end

		msg, err := DecodeMessage(body)
		if err != nil {
			metrics.IncrCounterWithDimGroup("net.tcp", "recv_dropped_total", 1, metrics.Dimension{"reason": "decode"})
			log.Warn().Uint64("conn", c.id).Err(err).Msg("drop undecodable message")
			continue
		}
		if !c.limiter.Allow() {
			metrics.IncrCounterWithDimGroup("net.tcp", "recv_dropped_total", 1, metrics.Dimension{"reason": "rate_limit"})
			continue
		}
		msg.Payload = bytes.Clone(msg.Payload)
		msg.ConnID = c.id
		c.comm.events.Push(commEvent{kind: evMessage, conn: c, msg: msg})
	}
	n := copy(c.inbuf, c.inbuf[off:])
	c.inbuf = c.inbuf[:n]
	return nil
}

// send queues one encoded frame.
func (c *Connection) send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() != ConnEstablished {
		return ErrConnClosed
	}
	if c.sending {
		if c.backlog.Len() >= c.comm.config().SendQueueSize {
			metrics.IncrCounterWithDimGroup("net.tcp", "send_dropped_total", 1, metrics.Dimension{"reason": "queue_full"})
			return ErrSendQueueFull
		}
		c.backlog.Push(frame)
		return nil
	}

	c.sending = true
	c.sendBlock = IoBlock{Buf: frame}
	if err := c.comm.service.BeginSend(c, &c.sendBlock); err != nil {
		c.sending = false
		c.close(err)
		return err
	}
	return nil
}

func (c *Connection) OnSendCompleted(b *IoBlock) {
	metrics.IncrCounterWithGroup("net.tcp", "send_bytes_total", metrics.Value(b.Transferred))

	c.sendMu.Lock()
	next, ok := c.backlog.Pop()
	if !ok || c.State() != ConnEstablished {
		c.sending = false
		c.sendMu.Unlock()
		return
	}
	c.sendBlock = IoBlock{Buf: next}
	err := c.comm.service.BeginSend(c, &c.sendBlock)
	if err != nil {
		c.sending = false
	}
	c.sendMu.Unlock()

	if err != nil {
		c.close(err)
	}
}

func (c *Connection) OnIoError(b *IoBlock, err error) {
	if b.Op == OpWrite {
		c.sendMu.Lock()
		c.sending = false
		c.sendMu.Unlock()
	}
	c.close(err)
}

// close tears the stream down once and queues the closed event. A nil err is a local close.
func (c *Connection) close(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnClosing))
		_ = c.sock.Close()
		c.comm.events.Push(commEvent{kind: evClosed, conn: c, err: err})
	})
}

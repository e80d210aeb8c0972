package net

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// SockType is fixed at creation.
type SockType uint8

const (
	SockTCP SockType = iota + 1
	SockUDP
)

func (t SockType) String() string {
	switch t {
	case SockTCP:
		return "tcp"
	case SockUDP:
		return "udp"
	default:
		return "unknown"
	}
}

var (
	ErrWouldBlock     = errors.New("operation would block")
	ErrOpPending      = errors.New("operation already pending in this direction")
	ErrSocketClosed   = errors.New("socket closed")
	ErrNotBound       = errors.New("socket not bound to an io service")
	ErrNotConnected   = errors.New("socket not connected")
	ErrWrongSockType  = errors.New("operation not supported by socket type")
	ErrAlreadyCreated = errors.New("socket already bound or connected")
)

// IsWouldBlock reports whether err is the transient nonblocking result.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

type errBox struct{ err error }

// Socket wraps one TCP or UDP endpoint. Blocking calls may be used directly; async calls
// require the socket to be bound to an IoService through its IoAgent and allow one
// outstanding operation per direction.
type Socket struct {
	typ SockType

	mu       sync.Mutex
	bindAddr string
	tcp      *net.TCPConn
	ln       *net.TCPListener
	udp      *net.UDPConn
	peer     netip.AddrPort
	service  *IoService
	agent    IoAgent

	nonblocking atomic.Bool
	closed      atomic.Bool
	pending     [2]atomic.Bool
	lastErr     atomic.Pointer[errBox]
}

// NewSocket creates an unopened socket of type typ.
func NewSocket(typ SockType) *Socket {
	return &Socket{typ: typ}
}

func newTCPSocket(c *net.TCPConn) *Socket {
	s := &Socket{typ: SockTCP, tcp: c}
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		s.peer = unmap(addr.AddrPort())
	}
	return s
}

func (s *Socket) Type() SockType {
	return s.typ
}

func (s *Socket) setErr(err error) error {
	if err != nil {
		s.lastErr.Store(&errBox{err: err})
	}
	return err
}

// LastError returns the most recent failure on this socket.
func (s *Socket) LastError() error {
	if box := s.lastErr.Load(); box != nil {
		return box.err
	}
	return nil
}

// ErrorString is LastError as text, empty when there is none.
func (s *Socket) ErrorString() string {
	if err := s.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

func (s *Socket) listenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}

// Bind fixes the local address. UDP sockets are opened immediately, TCP sockets open on
// Listen or Connect.
func (s *Socket) Bind(addr string) error {
	if s.closed.Load() {
		return s.setErr(ErrSocketClosed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp != nil || s.ln != nil || s.udp != nil {
		return s.setErr(ErrAlreadyCreated)
	}

	s.bindAddr = addr
	if s.typ != SockUDP {
		return nil
	}
	lc := s.listenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return s.setErr(err)
	}
	s.udp = pc.(*net.UDPConn)
	return nil
}

// Listen starts accepting on the bound address. The backlog is left to the OS.
func (s *Socket) Listen() error {
	if s.typ != SockTCP {
		return s.setErr(ErrWrongSockType)
	}
	if s.closed.Load() {
		return s.setErr(ErrSocketClosed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil || s.tcp != nil {
		return s.setErr(ErrAlreadyCreated)
	}
	lc := s.listenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", s.bindAddr)
	if err != nil {
		return s.setErr(err)
	}
	s.ln = ln.(*net.TCPListener)
	return nil
}

// Accept blocks until a connection arrives. Closing the socket unblocks it.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil, s.setErr(ErrNotConnected)
	}
	c, err := ln.AcceptTCP()
	if err != nil {
		return nil, s.setErr(err)
	}
	return newTCPSocket(c), nil
}

// Connect dials addr (TCP) or fixes the default peer (UDP). It blocks until connected or
// ctx is done.
func (s *Socket) Connect(ctx context.Context, addr string) error {
	if s.closed.Load() {
		return s.setErr(ErrSocketClosed)
	}
	if s.typ == SockUDP {
		ap, err := ParseAddress(addr)
		if err != nil {
			return s.setErr(err)
		}
		if err := s.ensureUDP(); err != nil {
			return err
		}
		s.mu.Lock()
		s.peer = ap
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if s.tcp != nil || s.ln != nil {
		s.mu.Unlock()
		return s.setErr(ErrAlreadyCreated)
	}
	d := net.Dialer{Control: reuseAddrControl}
	if s.bindAddr != "" {
		local, err := net.ResolveTCPAddr("tcp", s.bindAddr)
		if err != nil {
			s.mu.Unlock()
			return s.setErr(err)
		}
		d.LocalAddr = local
	}
	s.mu.Unlock()

	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.setErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = c.Close()
		return s.setErr(ErrSocketClosed)
	}
	s.tcp = c.(*net.TCPConn)
	if ra, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		s.peer = unmap(ra.AddrPort())
	}
	return nil
}

func (s *Socket) ensureUDP() error {
	s.mu.Lock()
	opened := s.udp != nil
	s.mu.Unlock()
	if opened {
		return nil
	}
	return s.Bind(":0")
}

func (s *Socket) tcpConn() (*net.TCPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		if s.closed.Load() {
			return nil, ErrSocketClosed
		}
		return nil, ErrNotConnected
	}
	return s.tcp, nil
}

func (s *Socket) udpConn() (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		if s.closed.Load() {
			return nil, ErrSocketClosed
		}
		return nil, ErrNotConnected
	}
	return s.udp, nil
}

// SetNonblocking makes Recv/Send/RecvFrom/SendTo return ErrWouldBlock instead of waiting.
func (s *Socket) SetNonblocking() {
	s.nonblocking.Store(true)
}

// SetBlocking restores waiting calls.
func (s *Socket) SetBlocking() {
	s.nonblocking.Store(false)
}

func (s *Socket) IsNonblocking() bool {
	return s.nonblocking.Load()
}

// Recv reads from a connected stream. A closed stream returns io.EOF.
func (s *Socket) Recv(b []byte) (int, error) {
	if s.typ == SockUDP {
		n, _, err := s.RecvFrom(b)
		return n, err
	}
	c, err := s.tcpConn()
	if err != nil {
		return 0, s.setErr(err)
	}
	var n int
	if s.nonblocking.Load() {
		n, err = rawRead(c, b)
		if err == nil && n == 0 && len(b) > 0 {
			err = io.EOF
		}
	} else {
		n, err = c.Read(b)
	}
	return n, s.setErr(err)
}

// Send writes to a connected stream, or to the default peer of a UDP socket.
func (s *Socket) Send(b []byte) (int, error) {
	if s.typ == SockUDP {
		s.mu.Lock()
		peer := s.peer
		s.mu.Unlock()
		if !peer.IsValid() {
			return 0, s.setErr(ErrNotConnected)
		}
		return s.SendTo(b, peer)
	}
	c, err := s.tcpConn()
	if err != nil {
		return 0, s.setErr(err)
	}
	var n int
	if s.nonblocking.Load() {
		n, err = rawWrite(c, b)
	} else {
		n, err = c.Write(b)
	}
	return n, s.setErr(err)
}

// RecvFrom reads one datagram.
func (s *Socket) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	if s.typ != SockUDP {
		return 0, netip.AddrPort{}, s.setErr(ErrWrongSockType)
	}
	c, err := s.udpConn()
	if err != nil {
		return 0, netip.AddrPort{}, s.setErr(err)
	}
	var (
		n    int
		from netip.AddrPort
	)
	if s.nonblocking.Load() {
		n, from, err = rawRecvFrom(c, b)
	} else {
		n, from, err = c.ReadFromUDPAddrPort(b)
	}
	return n, unmap(from), s.setErr(err)
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	if s.typ != SockUDP {
		return 0, s.setErr(ErrWrongSockType)
	}
	if err := s.ensureUDP(); err != nil {
		return 0, err
	}
	c, err := s.udpConn()
	if err != nil {
		return 0, s.setErr(err)
	}
	var n int
	if s.nonblocking.Load() {
		n, err = rawSendTo(c, b, addr)
	} else {
		n, err = c.WriteToUDPAddrPort(b, addr)
	}
	return n, s.setErr(err)
}

// LocalAddr is the bound address, invalid before Bind/Listen/Connect.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addr net.Addr
	switch {
	case s.tcp != nil:
		addr = s.tcp.LocalAddr()
	case s.ln != nil:
		addr = s.ln.Addr()
	case s.udp != nil:
		addr = s.udp.LocalAddr()
	default:
		return netip.AddrPort{}
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return unmap(a.AddrPort())
	case *net.UDPAddr:
		return unmap(a.AddrPort())
	}
	return netip.AddrPort{}
}

// PeerAddr is the remote end of a connected TCP socket.
func (s *Socket) PeerAddr() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != SockTCP || s.tcp == nil {
		return netip.AddrPort{}, false
	}
	return s.peer, true
}

// SetBuffers sizes the kernel socket buffers, zero leaves a size unchanged.
func (s *Socket) SetBuffers(read, write int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	type buffered interface {
		SetReadBuffer(int) error
		SetWriteBuffer(int) error
	}
	var c buffered
	switch {
	case s.tcp != nil:
		c = s.tcp
	case s.udp != nil:
		c = s.udp
	default:
		return s.setErr(ErrNotConnected)
	}
	if read > 0 {
		if err := c.SetReadBuffer(read); err != nil {
			return s.setErr(err)
		}
	}
	if write > 0 {
		if err := c.SetWriteBuffer(write); err != nil {
			return s.setErr(err)
		}
	}
	return nil
}

// Close releases the handle. Pending operations complete with an error. Safe to call twice.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.tcp != nil {
		errs = append(errs, s.tcp.Close())
	}
	if s.ln != nil {
		errs = append(errs, s.ln.Close())
	}
	if s.udp != nil {
		errs = append(errs, s.udp.Close())
	}
	return errors.Join(errs...)
}

func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// bind attaches the socket to svc on behalf of agent.
func (s *Socket) bind(svc *IoService, agent IoAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = svc
	s.agent = agent
}

func (s *Socket) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = nil
	s.agent = nil
}

// begin claims the direction of op and returns the service to post to.
func (s *Socket) begin(op IoOp) (*IoService, IoAgent, error) {
	s.mu.Lock()
	svc, agent := s.service, s.agent
	s.mu.Unlock()
	if svc == nil {
		return nil, nil, ErrNotBound
	}
	if !svc.running() {
		return nil, nil, ErrServiceStopped
	}
	if s.closed.Load() {
		return nil, nil, ErrSocketClosed
	}
	if !s.pending[op].CompareAndSwap(false, true) {
		return nil, nil, ErrOpPending
	}
	return svc, agent, nil
}

// finish releases the direction of op. Called by the worker right before the callback so
// the callback can issue the next operation.
func (s *Socket) finish(op IoOp) {
	s.pending[op].Store(false)
}

func (s *Socket) async(op IoOp, b *IoBlock, fn func() (int, netip.AddrPort, error)) error {
	svc, agent, err := s.begin(op)
	if err != nil {
		return s.setErr(err)
	}
	b.Op = op
	b.Transferred = 0
	go func() {
		n, from, err := fn()
		b.Transferred = n
		if op == OpRead && from.IsValid() {
			b.Remote = unmap(from)
		}
		if err == nil && op == OpRead && n == 0 && s.typ == SockTCP {
			err = io.EOF
		}
		svc.post(completion{sock: s, agent: agent, block: b, err: s.setErr(err)})
	}()
	return nil
}

// AsyncRecv reads into b.Buf on a background goroutine and posts the completion.
func (s *Socket) AsyncRecv(b *IoBlock) error {
	c, err := s.tcpConn()
	if err != nil {
		return s.setErr(err)
	}
	return s.async(OpRead, b, func() (int, netip.AddrPort, error) {
		n, err := c.Read(b.request())
		return n, netip.AddrPort{}, err
	})
}

// AsyncSend writes all of b.Buf and posts the completion.
func (s *Socket) AsyncSend(b *IoBlock) error {
	c, err := s.tcpConn()
	if err != nil {
		return s.setErr(err)
	}
	return s.async(OpWrite, b, func() (int, netip.AddrPort, error) {
		n, err := c.Write(b.request())
		return n, netip.AddrPort{}, err
	})
}

// AsyncRecvFrom reads one datagram into b.Buf, the sender lands in b.Remote.
func (s *Socket) AsyncRecvFrom(b *IoBlock) error {
	c, err := s.udpConn()
	if err != nil {
		return s.setErr(err)
	}
	return s.async(OpRead, b, func() (int, netip.AddrPort, error) {
		return c.ReadFromUDPAddrPort(b.request())
	})
}

// AsyncSendTo writes b.Buf as one datagram to b.Remote.
func (s *Socket) AsyncSendTo(b *IoBlock) error {
	c, err := s.udpConn()
	if err != nil {
		return s.setErr(err)
	}
	to := b.Remote
	return s.async(OpWrite, b, func() (int, netip.AddrPort, error) {
		n, err := c.WriteToUDPAddrPort(b.request(), to)
		return n, to, err
	})
}

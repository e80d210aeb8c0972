package udp

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"

	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	mnet "github.com/lcx/meshnet/net"
)

// MaxSendBacklog bounds datagrams queued behind the one in flight.
const MaxSendBacklog = 4096

var ErrEndpointClosed = errors.New("udp endpoint closed")

// Datagram is one received or queued datagram.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Endpoint is the IoAgent of a bound UDP socket. Received datagrams are queued for the
// loop goroutine; outbound datagrams go out one at a time in queue order.
type Endpoint struct {
	sock    *mnet.Socket
	service *mnet.IoService
	inbound *mnet.Queue[Datagram]

	recvBlock mnet.IoBlock

	sendMu    sync.Mutex
	sending   bool
	closed    bool
	backlog   *mnet.Queue[Datagram]
	sendBlock mnet.IoBlock
}

// NewEndpoint binds addr, attaches the socket to service and starts receiving.
func NewEndpoint(service *mnet.IoService, addr string) (*Endpoint, error) {
	sock := mnet.NewSocket(mnet.SockUDP)
	if err := sock.Bind(addr); err != nil {
		return nil, err
	}
	e := &Endpoint{
		sock:      sock,
		service:   service,
		inbound:   mnet.NewQueue[Datagram](),
		backlog:   mnet.NewQueue[Datagram](),
		recvBlock: mnet.IoBlock{Buf: make([]byte, MaxDatagramSize)},
	}
	if err := service.BindIo(e); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := service.BeginRecv(e, &e.recvBlock); err != nil {
		_ = sock.Close()
		return nil, err
	}
	log.Info().Str("addr", e.LocalAddr().String()).Msg("udp endpoint bound")
	return e, nil
}

func (e *Endpoint) Handle() *mnet.Socket {
	return e.sock
}

func (e *Endpoint) RequestSend(b *mnet.IoBlock) error {
	return e.sock.AsyncSendTo(b)
}

func (e *Endpoint) RequestRecv(b *mnet.IoBlock) error {
	return e.sock.AsyncRecvFrom(b)
}

// LocalAddr is the bound address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.sock.LocalAddr()
}

// Inbound is the queue of received datagrams.
func (e *Endpoint) Inbound() *mnet.Queue[Datagram] {
	return e.inbound
}

// SendTo queues b for addr. b must not be modified afterwards.
func (e *Endpoint) SendTo(addr netip.AddrPort, b []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if e.sending {
		if e.backlog.Len() >= MaxSendBacklog {
			metrics.IncrCounterWithDimGroup("net.udp", "send_dropped_total", 1, metrics.Dimension{"reason": "backlog"})
			return mnet.ErrSendQueueFull
		}
		e.backlog.Push(Datagram{Addr: addr, Data: b})
		return nil
	}
	return e.issueLocked(Datagram{Addr: addr, Data: b})
}

// Output adapts SendTo for a Channel; send errors are counted and dropped like loss.
func (e *Endpoint) Output(to netip.AddrPort, b []byte) {
	if err := e.SendTo(to, b); err != nil {
		log.Debug().Str("to", to.String()).Err(err).Msg("udp send dropped")
	}
}

func (e *Endpoint) issueLocked(d Datagram) error {
	e.sending = true
	e.sendBlock = mnet.IoBlock{Buf: d.Data, Remote: d.Addr}
	if err := e.service.BeginSend(e, &e.sendBlock); err != nil {
		e.sending = false
		return err
	}
	return nil
}

func (e *Endpoint) OnRecvCompleted(b *mnet.IoBlock) {
	metrics.IncrCounterWithGroup("net.udp", "recv_bytes_total", metrics.Value(b.Transferred))
	e.inbound.Push(Datagram{Addr: b.Remote, Data: bytes.Clone(b.Data())})
	e.rearmRecv()
}

func (e *Endpoint) rearmRecv() {
	if e.sock.IsClosed() {
		return
	}
	if err := e.service.BeginRecv(e, &e.recvBlock); err != nil && !e.sock.IsClosed() {
		log.Error().Err(err).Msg("udp endpoint stopped receiving")
	}
}

func (e *Endpoint) OnSendCompleted(b *mnet.IoBlock) {
	metrics.IncrCounterWithGroup("net.udp", "send_bytes_total", metrics.Value(b.Transferred))
	e.sendNext()
}

func (e *Endpoint) sendNext() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.sending = false
	for !e.closed {
		next, ok := e.backlog.Pop()
		if !ok {
			return
		}
		if err := e.issueLocked(next); err == nil {
			return
		}
	}
}

// OnIoError keeps the endpoint alive: a failed datagram is loss, the segment protocol
// recovers it.
func (e *Endpoint) OnIoError(b *mnet.IoBlock, err error) {
	if e.sock.IsClosed() {
		return
	}
	metrics.IncrCounterWithDimGroup("net.udp", "io_error_total", 1, metrics.Dimension{"op": b.Op.String()})
	log.Debug().Str("op", b.Op.String()).Str("remote", b.Remote.String()).Err(err).Msg("udp io error")
	if b.Op == mnet.OpWrite {
		e.sendNext()
		return
	}
	e.rearmRecv()
}

// Close stops I/O. Queued datagrams are discarded.
func (e *Endpoint) Close() error {
	e.sendMu.Lock()
	e.closed = true
	e.backlog.Drain(nil)
	e.sendMu.Unlock()
	e.service.UnbindIo(e)
	return e.sock.Close()
}

package net

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	"github.com/sourcegraph/conc"
)

var (
	ErrConnNotFound   = errors.New("connection not found")
	ErrNotRunning     = errors.New("tcp communicator not running")
	ErrAlreadyStarted = errors.New("tcp communicator already started")
)

type TCPCommunicatorCfg struct {
	ListenAddrs      []string `mapstructure:"listenAddrs"`
	RecvBufferSize   int      `mapstructure:"recvBufferSize"`
	MaxFrameSize     int      `mapstructure:"maxFrameSize"`
	SendQueueSize    int      `mapstructure:"sendQueueSize"`
	ConnectTimeoutMs int      `mapstructure:"connectTimeoutMs"`
	// ConnectRate paces outbound connects per second, 0 is unpaced.
	ConnectRate int `mapstructure:"connectRate"`
	// RecvLimit caps inbound messages per second per connection, 0 is unlimited.
	RecvLimit int `mapstructure:"recvLimit"`
	RecvBurst int `mapstructure:"recvBurst"`
}

// GetName returns the configuration name for TCPCommunicatorCfg
func (c *TCPCommunicatorCfg) GetName() string {
	return "tcp_communicator"
}

// Validate validates the TCPCommunicatorCfg parameters
func (c *TCPCommunicatorCfg) Validate() error {
	if c.RecvBufferSize <= 0 {
		return fmt.Errorf("RecvBufferSize must be positive")
	}
	if c.MaxFrameSize < MessageHeadSize {
		return fmt.Errorf("MaxFrameSize must be at least %d", MessageHeadSize)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SendQueueSize must be positive")
	}
	if c.ConnectTimeoutMs < 0 || c.ConnectRate < 0 || c.RecvLimit < 0 || c.RecvBurst < 0 {
		return fmt.Errorf("timeouts and rates cannot be negative")
	}
	for _, addr := range c.ListenAddrs {
		if addr == "" {
			return fmt.Errorf("listen address cannot be empty")
		}
	}
	return nil
}

func DefaultTCPCommunicatorCfg() *TCPCommunicatorCfg {
	return &TCPCommunicatorCfg{
		RecvBufferSize:   16 << 10,
		MaxFrameSize:     1 << 20,
		SendQueueSize:    1024,
		ConnectTimeoutMs: 5000,
	}
}

type commEventKind uint8

const (
	evAccepted commEventKind = iota
	evConnected
	evConnectFailed
	evMessage
	evClosed
)

type commEvent struct {
	kind commEventKind
	sock *Socket
	conn *Connection
	addr string
	msg  *Message
	err  error
}

// TCPCommunicator owns the TCP connections of one endpoint. Acceptors, the connector and
// I/O workers only queue events; Run drains them on the caller's goroutine, which is the
// only place the sink is called. Connection ids start at 1 and are never reused.
type TCPCommunicator struct {
	cfg     atomic.Pointer[TCPCommunicatorCfg]
	service *IoService
	sink    MessageListener
	events  *Queue[commEvent]

	lock   sync.RWMutex
	conns  map[uint64]*Connection
	nextID atomic.Uint64

	stateMu   sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
	acceptors []*Acceptor
	connector *Connector
	pacer     *ConnectPacer
}

// NewTCPCommunicator creates a communicator whose connections complete on service and whose
// notifications go to sink.
func NewTCPCommunicator(cfg *TCPCommunicatorCfg, service *IoService, sink MessageListener) *TCPCommunicator {
	if cfg == nil {
		cfg = DefaultTCPCommunicatorCfg()
	}
	t := &TCPCommunicator{
		service: service,
		sink:    sink,
		events:  NewQueue[commEvent](),
		conns:   make(map[uint64]*Connection),
		pacer:   NewConnectPacer(cfg.ConnectRate),
	}
	t.cfg.Store(cfg)
	t.connector = NewConnector(t.pacer, t.connectTimeout, t.onConnectResult)
	return t
}

// NewTCPCommunicatorWithConfigManager loads "tcp_communicator" and follows its reloads.
func NewTCPCommunicatorWithConfigManager(configManager config.ConfigManager, service *IoService, sink MessageListener) (*TCPCommunicator, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultTCPCommunicatorCfg()
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_communicator config: %w", err)
	}
	t := NewTCPCommunicator(cfg, service, sink)
	configManager.AddChangeListener(t)
	return t, nil
}

// OnConfigChanged applies rate, timeout and size changes. Listen addresses only take
// effect on the next Start.
func (t *TCPCommunicator) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "tcp_communicator" {
		return nil
	}
	newCfg, ok := newConfig.(*TCPCommunicatorCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TCPCommunicator")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid tcp communicator configuration: %w", err)
	}

	t.cfg.Store(newCfg)
	t.pacer.Reload(newCfg.ConnectRate)

	t.lock.RLock()
	for _, conn := range t.conns {
		conn.limiter.Reload(newCfg.RecvLimit, newCfg.RecvBurst)
	}
	t.lock.RUnlock()

	log.Info().Str("configName", configName).Msg("tcp communicator configuration updated")
	return nil
}

func (t *TCPCommunicator) config() *TCPCommunicatorCfg {
	return t.cfg.Load()
}

func (t *TCPCommunicator) connectTimeout() time.Duration {
	return time.Duration(t.config().ConnectTimeoutMs) * time.Millisecond
}

// Start opens every listen address and starts the acceptor and connector goroutines. If
// any address fails nothing is left open.
func (t *TCPCommunicator) Start() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.running {
		return ErrAlreadyStarted
	}
	if t.service == nil {
		return errors.New("io service is nil")
	}

	metrics.IncrCounterWithGroup("net.tcp", "start_total", 1)

	acceptors := make([]*Acceptor, 0, len(t.config().ListenAddrs))
	for _, addr := range t.config().ListenAddrs {
		a := NewAcceptor(addr, t.onAccept)
		if err := a.Open(); err != nil {
			for _, opened := range acceptors {
				_ = opened.Close()
			}
			metrics.IncrCounterWithDimGroup("net.tcp", "start_error_total", 1, metrics.Dimension{"error_type": "listen"})
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		acceptors = append(acceptors, a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.acceptors = acceptors
	t.wg = conc.NewWaitGroup()
	for _, a := range acceptors {
		t.wg.Go(func() { a.Serve(ctx) })
		log.Info().Str("addr", a.Addr().String()).Msg("tcp listening")
	}
	t.wg.Go(func() { t.connector.Serve(ctx) })
	t.running = true
	return nil
}

// Stop closes listeners and every connection, then drains the queue so the sink sees a
// closed notification for each connection that was open.
func (t *TCPCommunicator) Stop() {
	t.stateMu.Lock()
	if !t.running {
		t.stateMu.Unlock()
		return
	}
	t.running = false
	cancel, wg := t.cancel, t.wg
	t.acceptors = nil
	t.stateMu.Unlock()

	cancel()
	wg.Wait()

	t.lock.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.lock.RUnlock()
	for _, conn := range conns {
		conn.close(nil)
	}

	t.Run()
}

// IsRunning reports whether Start succeeded and Stop was not called yet.
func (t *TCPCommunicator) IsRunning() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.running
}

// ListenAddrs are the bound listen addresses, in configuration order.
func (t *TCPCommunicator) ListenAddrs() []netip.AddrPort {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	addrs := make([]netip.AddrPort, 0, len(t.acceptors))
	for _, a := range t.acceptors {
		addrs = append(addrs, a.Addr())
	}
	return addrs
}

// Signal fires when events are waiting for Run.
func (t *TCPCommunicator) Signal() <-chan struct{} {
	return t.events.Signal()
}

// Connect queues an outbound connection. The outcome arrives through Run as MsgConnected
// or MsgConnectFailed.
func (t *TCPCommunicator) Connect(addr string) error {
	if !t.IsRunning() {
		return ErrNotRunning
	}
	metrics.IncrCounterWithGroup("net.tcp", "connect_total", 1)
	t.connector.Connect(addr)
	return nil
}

// Send writes msg to connection id.
func (t *TCPCommunicator) Send(id uint64, msg *Message) error {
	conn := t.conn(id)
	if conn == nil {
		return fmt.Errorf("%w: %d", ErrConnNotFound, id)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.EncodedLen() > t.config().MaxFrameSize {
		return ErrFrameTooLarge
	}
	return conn.send(EncodeFrame(msg))
}

// Close tears connection id down. The closed notification follows through Run. Closing
// an id that is already closed is a no-op; ids never handed out are an error.
func (t *TCPCommunicator) Close(id uint64) error {
	conn := t.conn(id)
	if conn == nil {
		if id != 0 && id <= t.nextID.Load() {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrConnNotFound, id)
	}
	conn.close(nil)
	return nil
}

// PeerAddr is the remote address of connection id.
func (t *TCPCommunicator) PeerAddr(id uint64) (netip.AddrPort, bool) {
	conn := t.conn(id)
	if conn == nil {
		return netip.AddrPort{}, false
	}
	return conn.PeerAddr(), true
}

// LocalAddr is the local address of connection id.
func (t *TCPCommunicator) LocalAddr(id uint64) (netip.AddrPort, bool) {
	conn := t.conn(id)
	if conn == nil {
		return netip.AddrPort{}, false
	}
	return conn.LocalAddr(), true
}

// ConnCount is the number of open connections.
func (t *TCPCommunicator) ConnCount() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.conns)
}

func (t *TCPCommunicator) conn(id uint64) *Connection {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.conns[id]
}

func (t *TCPCommunicator) onAccept(sock *Socket) {
	metrics.IncrCounterWithGroup("net.tcp", "accept_total", 1)
	t.events.Push(commEvent{kind: evAccepted, sock: sock})
}

func (t *TCPCommunicator) onConnectResult(addr string, sock *Socket, err error) {
	if err != nil {
		t.events.Push(commEvent{kind: evConnectFailed, addr: addr, err: err})
		return
	}
	t.events.Push(commEvent{kind: evConnected, sock: sock, addr: addr})
}

// Run delivers every queued event to the sink and returns how many were handled.
func (t *TCPCommunicator) Run() int {
	events := t.events.Drain(nil)
	for _, ev := range events {
		switch ev.kind {
		case evAccepted:
			t.adopt(ev.sock, MsgAccepted, "")
		case evConnected:
			t.adopt(ev.sock, MsgConnected, ev.addr)
		case evConnectFailed:
			metrics.IncrCounterWithGroup("net.tcp", "connect_failed_total", 1)
			log.Warn().Str("addr", ev.addr).Err(ev.err).Msg("connect failed")
			t.notify(NewMessage(MsgConnectFailed, nil, WithAddr(ev.addr), WithErr(ev.err)))
		case evMessage:
			if t.conn(ev.conn.id) == ev.conn {
				t.notify(ev.msg)
			}
		case evClosed:
			t.remove(ev.conn, ev.err)
		}
	}
	return len(events)
}

func (t *TCPCommunicator) adopt(sock *Socket, kind MsgType, addr string) {
	id := t.nextID.Add(1)
	conn := newConnection(t, id, sock)
	if addr == "" {
		addr = conn.PeerAddr().String()
	}

	t.lock.Lock()
	t.conns[id] = conn
	count := len(t.conns)
	t.lock.Unlock()

	metrics.UpdateGaugeWithGroup("net.tcp", "current_connections", metrics.Value(count))
	log.Debug().Uint64("conn", id).Str("peer", conn.PeerAddr().String()).Str("kind", kind.String()).Msg("connection established")

	if err := t.service.BindIo(conn); err != nil {
		conn.close(err)
	}
	t.notify(NewMessage(kind, nil, WithConnID(id), WithAddr(addr)))
	if err := conn.start(); err != nil {
		conn.close(err)
	}
}

func (t *TCPCommunicator) remove(conn *Connection, err error) {
	t.lock.Lock()
	_, ok := t.conns[conn.id]
	delete(t.conns, conn.id)
	count := len(t.conns)
	t.lock.Unlock()
	if !ok {
		return
	}

	t.service.UnbindIo(conn)
	metrics.IncrCounterWithGroup("net.tcp", "connection_close_total", 1)
	metrics.UpdateGaugeWithGroup("net.tcp", "current_connections", metrics.Value(count))
	log.Debug().Uint64("conn", conn.id).Err(err).Msg("connection closed")

	t.notify(NewMessage(MsgClosed, nil, WithConnID(conn.id), WithAddr(conn.PeerAddr().String()), WithErr(err)))
}

func (t *TCPCommunicator) notify(msg *Message) {
	if t.sink != nil {
		t.sink.Notify(msg)
	}
}

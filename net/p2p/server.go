package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/meshnet/codec"
	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	mnet "github.com/lcx/meshnet/net"
	"github.com/sourcegraph/conc"
)

var (
	ErrNotRunning     = errors.New("p2p endpoint not running")
	ErrAlreadyRunning = errors.New("p2p endpoint already running")
	ErrGroupNotFound  = errors.New("group not found")
	ErrTooManyGroups  = errors.New("too many groups")
)

type outMsg struct {
	connID uint64
	msg    *mnet.Message
}

// Server accepts client connections and runs their groups. Group operations are queued
// and applied on the server loop, which is the only goroutine touching group state.
type Server struct {
	cfg      *ServerCfg
	opts     *options
	listener mnet.MessageListener
	service  *mnet.IoService
	comm     *mnet.TCPCommunicator
	filters  mnet.FilterChain

	groups    map[uint64]*Group
	memberOf  map[uint64]uint64
	groupCnt  atomic.Int64
	nextGroup atomic.Uint64
	ops       *mnet.Queue[GroupOp]
	outbound  *mnet.Queue[outMsg]

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	regIDs  []string
}

// NewServer creates a server that reports to listener. The TCP listen addresses come
// from the communicator configuration.
func NewServer(cfg *ServerCfg, listener mnet.MessageListener, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		opts:     o,
		listener: listener,
		service:  mnet.NewIoService(o.ioCfg),
		groups:   make(map[uint64]*Group),
		memberOf: make(map[uint64]uint64),
		ops:      mnet.NewQueue[GroupOp](),
		outbound: mnet.NewQueue[outMsg](),
	}
	// clients never send the server side of the group protocol
	s.filters = append(mnet.FilterChain{
		mnet.DropTypes(mnet.MsgGroupPrepare, mnet.MsgGroupJoin, mnet.MsgGroupLeave, mnet.MsgGroupDestroy),
	}, o.filters...)
	s.comm = mnet.NewTCPCommunicator(o.tcpCfg, s.service, mnet.ListenerFunc(s.onMessage))
	if o.cm != nil {
		o.cm.AddChangeListener(s.comm)
	}
	return s, nil
}

// NewServerWithConfigManager loads "p2p_server" and the sections of its components.
func NewServerWithConfigManager(cm config.ConfigManager, listener mnet.MessageListener, opts ...Option) (*Server, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultServerCfg()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load p2p_server config: %w", err)
	}
	return NewServer(cfg, listener, append(opts, WithConfigManager(cm))...)
}

// Start brings up the I/O service, the listeners and the loop, then publishes the listen
// addresses when a registrar and service name are configured.
func (s *Server) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if err := s.service.Init(); err != nil {
		return err
	}
	if err := s.comm.Start(); err != nil {
		s.service.Fini()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	s.wg.Go(func() { s.loop(ctx) })
	s.running = true

	if s.opts.registrar != nil && s.cfg.ServiceName != "" {
		for _, addr := range s.comm.ListenAddrs() {
			id, err := s.opts.registrar.Register(ctx, s.cfg.ServiceName, addr)
			if err != nil {
				log.Warn().Str("addr", addr.String()).Err(err).Msg("p2p server registration failed")
				continue
			}
			s.regIDs = append(s.regIDs, id)
		}
	}
	log.Info().Int("listeners", len(s.comm.ListenAddrs())).Msg("p2p server started")
	return nil
}

// Stop destroys every group, closes all connections and stops the loop. No notification
// is delivered after Stop returns.
func (s *Server) Stop() {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return
	}
	s.running = false
	cancel, wg, regIDs := s.cancel, s.wg, s.regIDs
	s.regIDs = nil
	s.stateMu.Unlock()

	if s.opts.registrar != nil {
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		for _, id := range regIDs {
			if err := s.opts.registrar.Deregister(ctx, id); err != nil {
				log.Warn().Str("id", id).Err(err).Msg("p2p server deregistration failed")
			}
		}
		done()
	}

	cancel()
	wg.Wait()

	s.tick()
	for id := range s.groups {
		s.destroyGroup(id)
	}
	s.comm.Stop()
	s.service.Fini()
	log.Info().Msg("p2p server stopped")
}

func (s *Server) IsRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

// ListenAddrs are the bound TCP addresses.
func (s *Server) ListenAddrs() []string {
	addrs := s.comm.ListenAddrs()
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}

// CreateUdpGroup allocates a group id and queues the creation.
func (s *Server) CreateUdpGroup(level uint32) (uint64, error) {
	if !s.IsRunning() {
		return 0, ErrNotRunning
	}
	if !s.opts.ciphers.Has(level) {
		return 0, fmt.Errorf("%w: %d", ErrNoCipher, level)
	}
	// reserved here, released on destroy or when the create fails
	if s.groupCnt.Add(1) > int64(s.cfg.MaxGroups) {
		s.groupCnt.Add(-1)
		return 0, ErrTooManyGroups
	}
	id := s.nextGroup.Add(1)
	s.ops.Push(GroupOp{Kind: OpCreate, GroupID: id, Level: level})
	return id, nil
}

// JoinUdpGroup queues connID joining groupID.
func (s *Server) JoinUdpGroup(groupID, connID uint64, extra []byte) error {
	return s.pushOp(GroupOp{Kind: OpJoin, GroupID: groupID, ConnID: connID, Extra: extra})
}

// LeaveUdpGroup queues connID leaving groupID.
func (s *Server) LeaveUdpGroup(groupID, connID uint64) error {
	return s.pushOp(GroupOp{Kind: OpLeave, GroupID: groupID, ConnID: connID})
}

// DestroyUdpGroup queues the destruction of groupID.
func (s *Server) DestroyUdpGroup(groupID uint64) error {
	return s.pushOp(GroupOp{Kind: OpDestroy, GroupID: groupID})
}

func (s *Server) pushOp(op GroupOp) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	s.ops.Push(op)
	return nil
}

// Send queues msg to connection connID.
func (s *Server) Send(connID uint64, msg *mnet.Message) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type.IsInternal() || msg.Type == mnet.MsgNone {
		return fmt.Errorf("cannot send %s", msg.Type)
	}
	s.outbound.Push(outMsg{connID: connID, msg: msg})
	return nil
}

// Close tears down connection connID; its group membership ends with it.
func (s *Server) Close(connID uint64) error {
	return s.comm.Close(connID)
}

func (s *Server) loop(ctx context.Context) {
	ticker := time.NewTicker(ms(s.cfg.TickMs))
	defer ticker.Stop()
	for {
		s.tick()
		select {
		case <-ctx.Done():
			return
		case <-s.comm.Signal():
		case <-s.ops.Signal():
		case <-s.outbound.Signal():
		case <-ticker.C:
		}
	}
}

func (s *Server) tick() {
	s.comm.Run()
	for _, op := range s.ops.Drain(nil) {
		s.apply(op)
	}
	for _, out := range s.outbound.Drain(nil) {
		if err := s.comm.Send(out.connID, out.msg); err != nil {
			log.Debug().Uint64("conn", out.connID).Err(err).Msg("p2p server send failed")
		}
	}
}

func (s *Server) apply(op GroupOp) {
	metrics.IncrCounterWithDimGroup("net.p2p", "group_op_total", 1, metrics.Dimension{"kind": op.Kind.String()})
	var err error
	switch op.Kind {
	case OpCreate:
		err = s.createGroup(op)
	case OpJoin:
		err = s.joinGroup(op)
	case OpLeave:
		if g, ok := s.groups[op.GroupID]; ok {
			s.leaveGroup(g, op.ConnID)
		}
	case OpDestroy:
		s.destroyGroup(op.GroupID)
	}
	if err != nil {
		log.Warn().Str("op", op.String()).Err(err).Msg("group operation failed")
	}
}

func (s *Server) createGroup(op GroupOp) error {
	if _, ok := s.groups[op.GroupID]; ok {
		s.groupCnt.Add(-1)
		return nil
	}
	cipher, err := s.opts.ciphers.New(op.Level)
	if err != nil {
		s.groupCnt.Add(-1)
		return err
	}
	s.groups[op.GroupID] = NewGroup(op.GroupID, op.Level, cipher, s.comm)
	metrics.UpdateGaugeWithGroup("net.p2p", "groups", metrics.Value(len(s.groups)))
	return nil
}

func (s *Server) joinGroup(op GroupOp) error {
	g, ok := s.groups[op.GroupID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, op.GroupID)
	}
	if cur, ok := s.memberOf[op.ConnID]; ok {
		return fmt.Errorf("%w: connection %d is in group %d", ErrMemberExists, op.ConnID, cur)
	}
	if err := g.Join(op.ConnID, op.Extra); err != nil {
		return err
	}
	s.memberOf[op.ConnID] = g.ID()
	return nil
}

func (s *Server) leaveGroup(g *Group, connID uint64) {
	m, ok := g.Member(connID)
	if !ok || !g.Leave(connID) {
		return
	}
	delete(s.memberOf, connID)
	s.notifyControl(mnet.MsgGroupLeave, connID, m.Tag, &LeaveBody{GroupID: g.ID(), Tags: []uint32{m.Tag}})
}

func (s *Server) destroyGroup(id uint64) {
	g, ok := s.groups[id]
	if !ok {
		return
	}
	for _, connID := range g.Fini() {
		delete(s.memberOf, connID)
	}
	delete(s.groups, id)
	s.groupCnt.Add(-1)
	metrics.UpdateGaugeWithGroup("net.p2p", "groups", metrics.Value(len(s.groups)))
	s.notifyControl(mnet.MsgGroupDestroy, 0, 0, &DestroyBody{GroupID: id})
}

func (s *Server) notifyControl(t mnet.MsgType, connID uint64, tag uint32, body codec.Message) {
	msg, err := newControl(t, body)
	if err != nil {
		log.Error().Str("type", t.String()).Err(err).Msg("encode control notification")
		return
	}
	msg.ConnID = connID
	msg.Tag = tag
	s.notify(msg)
}

func (s *Server) notify(msg *mnet.Message) {
	if s.listener != nil {
		s.listener.Notify(msg)
	}
}

// onMessage runs inside comm.Run on the loop goroutine.
func (s *Server) onMessage(msg *mnet.Message) {
	switch msg.Type {
	case mnet.MsgClosed:
		if id, ok := s.memberOf[msg.ConnID]; ok {
			s.leaveGroup(s.groups[id], msg.ConnID)
		}
		s.notify(msg)
	case mnet.MsgGroupPrepared:
		s.onPrepared(msg)
	case mnet.MsgGroupRelay:
		s.onRelay(msg)
	default:
		if msg.Type.IsInternal() {
			s.notify(msg)
			return
		}
		if err := s.filters.Handle(msg, s.deliver); err != nil {
			metrics.IncrCounterWithDimGroup("net.p2p", "inbound_filtered_total", 1, metrics.Dimension{"type": msg.Type.String()})
			log.Debug().Uint64("conn", msg.ConnID).Str("type", msg.Type.String()).Err(err).Msg("inbound message filtered")
		}
	}
}

func (s *Server) deliver(msg *mnet.Message) error {
	s.notify(msg)
	return nil
}

func (s *Server) groupOf(connID uint64) *Group {
	if id, ok := s.memberOf[connID]; ok {
		return s.groups[id]
	}
	return nil
}

func (s *Server) onPrepared(msg *mnet.Message) {
	g := s.groupOf(msg.ConnID)
	var body PreparedBody
	if err := DecodeBody(msg, &body); err != nil || g == nil {
		metrics.IncrCounterWithDimGroup("net.p2p", "prepared_rejected_total", 1, metrics.Dimension{"reason": "decode"})
		log.Warn().Uint64("conn", msg.ConnID).Err(err).Msg("drop prepared report")
		return
	}
	if err := g.OnPrepared(msg.ConnID, &body); err != nil {
		log.Warn().Uint64("conn", msg.ConnID).Uint64("group", g.ID()).Err(err).Msg("prepared report rejected")
		return
	}
	m, _ := g.Member(msg.ConnID)
	s.notifyControl(mnet.MsgGroupJoin, msg.ConnID, m.Tag, &JoinBody{GroupID: g.ID(), Members: []MemberInfo{m.info()}})
}

func (s *Server) onRelay(msg *mnet.Message) {
	g := s.groupOf(msg.ConnID)
	var body RelayBody
	if err := DecodeBody(msg, &body); err != nil || g == nil || body.GroupID != g.ID() {
		metrics.IncrCounterWithDimGroup("net.p2p", "relay_dropped_total", 1, metrics.Dimension{"reason": "decode"})
		return
	}
	if _, err := g.Relay(msg.ConnID, &body); err != nil {
		log.Debug().Uint64("conn", msg.ConnID).Err(err).Msg("relay rejected")
	}
}

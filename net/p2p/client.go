package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/lcx/meshnet/codec"
	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	mnet "github.com/lcx/meshnet/net"
	"github.com/lcx/meshnet/net/udp"
	"github.com/sourcegraph/conc"
)

var ErrNotInGroup = errors.New("client not in a group")

type outKind uint8

const (
	outServer outKind = iota
	outPeer
	outBroadcast
)

type clientOut struct {
	kind outKind
	tag  uint32
	msg  *mnet.Message
	mode udp.Mode
}

// clientView is the part of the loop state readable from other goroutines.
type clientView struct {
	mu         sync.RWMutex
	serverConn uint64
	groupID    uint64
	tag        uint32
	members    map[uint32]MemberInfo
	connected  map[uint32]bool
}

// Client keeps one TCP connection to a server and one UDP endpoint for its group. Group
// control from the server drives hole punching; messages to peers take the direct path
// when it is confirmed and are relayed by the server otherwise.
type Client struct {
	cfg      *ClientCfg
	opts     *options
	listener mnet.MessageListener
	service  *mnet.IoService
	comm     *mnet.TCPCommunicator
	outbound *mnet.Queue[clientOut]

	// loop owned
	endpoint   *udp.Endpoint
	channel    *udp.Channel
	serverConn uint64
	groupID    uint64
	members    map[uint32]MemberInfo

	view clientView

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
}

func NewClient(cfg *ClientCfg, listener mnet.MessageListener, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.ServerAddr == "" && o.registrar == nil {
		return nil, errors.New("serviceName needs a registrar")
	}
	c := &Client{
		cfg:      cfg,
		opts:     o,
		listener: listener,
		service:  mnet.NewIoService(o.ioCfg),
		outbound: mnet.NewQueue[clientOut](),
		members:  make(map[uint32]MemberInfo),
	}
	c.view.members = make(map[uint32]MemberInfo)
	c.view.connected = make(map[uint32]bool)
	c.comm = mnet.NewTCPCommunicator(o.tcpCfg, c.service, mnet.ListenerFunc(c.onMessage))
	if o.cm != nil {
		o.cm.AddChangeListener(c.comm)
	}
	return c, nil
}

// NewClientWithConfigManager loads "p2p_client" and the sections of its components.
func NewClientWithConfigManager(cm config.ConfigManager, listener mnet.MessageListener, opts ...Option) (*Client, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultClientCfg()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load p2p_client config: %w", err)
	}
	return NewClient(cfg, listener, append(opts, WithConfigManager(cm))...)
}

// Start binds the UDP endpoint, starts the loop and connects to the server. The outcome
// of the connect arrives as MsgConnected or MsgConnectFailed.
func (c *Client) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	if err := c.service.Init(); err != nil {
		return err
	}
	endpoint, err := udp.NewEndpoint(c.service, c.cfg.UdpAddr)
	if err != nil {
		c.service.Fini()
		return fmt.Errorf("bind udp %s: %w", c.cfg.UdpAddr, err)
	}
	if err := c.comm.Start(); err != nil {
		_ = endpoint.Close()
		c.service.Fini()
		return err
	}
	c.endpoint = endpoint

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg = conc.NewWaitGroup()
	c.wg.Go(func() { c.loop(ctx) })
	c.running = true

	if err := c.connectLocked(ctx); err != nil {
		log.Warn().Err(err).Msg("p2p client initial connect failed")
	}
	return nil
}

// Connect dials the server again, e.g. after MsgConnectFailed or MsgClosed.
func (c *Client) Connect() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	return c.connectLocked(context.Background())
}

func (c *Client) connectLocked(ctx context.Context) error {
	addr := c.cfg.ServerAddr
	if addr == "" {
		resolveCtx, done := context.WithTimeout(ctx, 3*time.Second)
		addrs, err := c.opts.registrar.Resolve(resolveCtx, c.cfg.ServiceName)
		done()
		if err != nil {
			return err
		}
		addr = addrs[0].String()
	}
	return c.comm.Connect(addr)
}

// Stop closes the server connection and the UDP endpoint. No notification is delivered
// after Stop returns.
func (c *Client) Stop() {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		return
	}
	c.running = false
	cancel, wg := c.cancel, c.wg
	c.stateMu.Unlock()

	cancel()
	wg.Wait()

	c.comm.Stop()
	c.resetGroup()
	_ = c.endpoint.Close()
	c.service.Fini()
	log.Info().Msg("p2p client stopped")
}

func (c *Client) IsRunning() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.running
}

// UdpAddr is the bound UDP address.
func (c *Client) UdpAddr() netip.AddrPort {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.endpoint == nil {
		return netip.AddrPort{}
	}
	return c.endpoint.LocalAddr()
}

// Tag is the tag assigned by the server, 0 before the first prepare.
func (c *Client) Tag() uint32 {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.tag
}

// GroupID is the current group, 0 when none.
func (c *Client) GroupID() uint64 {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.groupID
}

// ServerConn is the id of the server connection, 0 when down.
func (c *Client) ServerConn() uint64 {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.serverConn
}

// Members lists the other members of the group.
func (c *Client) Members() []MemberInfo {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	out := make([]MemberInfo, 0, len(c.view.members))
	for _, tag := range slices.Sorted(maps.Keys(c.view.members)) {
		out = append(out, c.view.members[tag])
	}
	return out
}

// Connected reports whether the direct UDP path to tag is up.
func (c *Client) Connected(tag uint32) bool {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.connected[tag]
}

// Send queues msg to the server.
func (c *Client) Send(msg *mnet.Message) error {
	return c.push(clientOut{kind: outServer, msg: msg})
}

// SendTo queues msg to the member tag.
func (c *Client) SendTo(tag uint32, msg *mnet.Message, mode udp.Mode) error {
	return c.push(clientOut{kind: outPeer, tag: tag, msg: msg, mode: mode})
}

// Broadcast queues msg to every other member.
func (c *Client) Broadcast(msg *mnet.Message, mode udp.Mode) error {
	return c.push(clientOut{kind: outBroadcast, msg: msg, mode: mode})
}

func (c *Client) push(out clientOut) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	if err := out.msg.Validate(); err != nil {
		return err
	}
	if out.msg.Type.IsInternal() || out.msg.Type == mnet.MsgNone {
		return fmt.Errorf("cannot send %s", out.msg.Type)
	}
	c.outbound.Push(out)
	return nil
}

func (c *Client) loop(ctx context.Context) {
	ticker := time.NewTicker(ms(c.cfg.TickMs))
	defer ticker.Stop()
	for {
		c.tick(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-c.comm.Signal():
		case <-c.endpoint.Inbound().Signal():
		case <-c.outbound.Signal():
		case <-ticker.C:
		}
	}
}

func (c *Client) tick(now time.Time) {
	c.comm.Run()
	for _, d := range c.endpoint.Inbound().Drain(nil) {
		if c.channel != nil {
			c.channel.Input(d.Addr, d.Data, now)
		}
	}
	for _, out := range c.outbound.Drain(nil) {
		c.dispatch(out, now)
	}
	if c.channel != nil {
		c.channel.Update(now)
	}
}

func (c *Client) dispatch(out clientOut, now time.Time) {
	if out.kind == outServer {
		if err := c.comm.Send(c.serverConn, out.msg); err != nil {
			log.Debug().Err(err).Msg("p2p client send to server failed")
		}
		return
	}
	if c.groupID == 0 || c.channel == nil {
		metrics.IncrCounterWithDimGroup("net.p2p", "peer_send_dropped_total", 1, metrics.Dimension{"reason": "no_group"})
		return
	}

	var targets []uint32
	if out.kind == outBroadcast {
		targets = slices.Sorted(maps.Keys(c.members))
	} else {
		targets = []uint32{out.tag}
	}
	payload := out.msg.Encode()
	var relay []uint32
	for _, tag := range targets {
		if c.channel.Connected(tag) {
			err := c.channel.Send(tag, payload, out.mode, now)
			if err == nil {
				continue
			}
			log.Debug().Uint32("peer", tag).Err(err).Msg("direct send failed, relaying")
		}
		relay = append(relay, tag)
	}
	if len(relay) == 0 {
		return
	}
	if len(payload) > MaxRelayPayload {
		metrics.IncrCounterWithDimGroup("net.p2p", "peer_send_dropped_total", 1, metrics.Dimension{"reason": "relay_size"})
		log.Warn().Int("size", len(payload)).Int("targets", len(relay)).Msg("payload too large to relay")
		return
	}
	body := &RelayBody{GroupID: c.groupID, Targets: relay, Payload: payload}
	c.sendControl(mnet.MsgGroupRelay, body)
	metrics.IncrCounterWithGroup("net.p2p", "relay_sent_total", 1)
}

func (c *Client) sendControl(t mnet.MsgType, body codec.Message) {
	msg, err := newControl(t, body)
	if err == nil {
		err = c.comm.Send(c.serverConn, msg)
	}
	if err != nil {
		log.Warn().Str("type", t.String()).Err(err).Msg("p2p client control send failed")
	}
}

func (c *Client) notify(msg *mnet.Message) {
	if c.listener != nil {
		c.listener.Notify(msg)
	}
}

// onMessage runs inside comm.Run on the loop goroutine.
func (c *Client) onMessage(msg *mnet.Message) {
	switch msg.Type {
	case mnet.MsgConnected:
		if c.serverConn != 0 {
			// one server connection at a time
			_ = c.comm.Close(msg.ConnID)
			return
		}
		c.serverConn = msg.ConnID
		c.updateView(func(v *clientView) { v.serverConn = msg.ConnID })
	case mnet.MsgClosed:
		if msg.ConnID != c.serverConn {
			return
		}
		c.serverConn = 0
		c.resetGroup()
		c.updateView(func(v *clientView) { v.serverConn = 0 })
	case mnet.MsgGroupPrepare, mnet.MsgGroupJoin, mnet.MsgGroupLeave, mnet.MsgGroupDestroy, mnet.MsgGroupRelay:
		if msg.ConnID != c.serverConn {
			return
		}
		if err := c.onControl(msg); err != nil {
			metrics.IncrCounterWithDimGroup("net.p2p", "control_dropped_total", 1, metrics.Dimension{"type": msg.Type.String()})
			log.Warn().Str("type", msg.Type.String()).Err(err).Msg("drop group control message")
			return
		}
		if msg.Type == mnet.MsgGroupRelay {
			return
		}
	case mnet.MsgGroupPrepared:
		return
	default:
		if !msg.Type.IsInternal() {
			c.deliver(msg)
			return
		}
	}
	c.notify(msg)
}

// deliver passes an application message through the filters to the listener.
func (c *Client) deliver(msg *mnet.Message) {
	err := c.opts.filters.Handle(msg, func(msg *mnet.Message) error {
		c.notify(msg)
		return nil
	})
	if err != nil {
		metrics.IncrCounterWithDimGroup("net.p2p", "inbound_filtered_total", 1, metrics.Dimension{"type": msg.Type.String()})
		log.Debug().Uint32("peer", msg.Tag).Str("type", msg.Type.String()).Err(err).Msg("inbound message filtered")
	}
}

func (c *Client) onControl(msg *mnet.Message) error {
	switch msg.Type {
	case mnet.MsgGroupPrepare:
		var body PrepareBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return c.onPrepare(&body)
	case mnet.MsgGroupJoin:
		var body JoinBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return c.onJoin(&body)
	case mnet.MsgGroupLeave:
		var body LeaveBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return c.onLeave(&body)
	case mnet.MsgGroupDestroy:
		var body DestroyBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		if body.GroupID != c.groupID {
			return ErrGroupNotFound
		}
		c.resetGroup()
		return nil
	default:
		var body RelayBody
		if err := DecodeBody(msg, &body); err != nil {
			return err
		}
		return c.onRelay(&body)
	}
}

func (c *Client) onPrepare(body *PrepareBody) error {
	if body.Tag == 0 {
		return errors.New("prepare without tag")
	}
	cipher, err := c.opts.ciphers.New(body.Level)
	if err != nil {
		return err
	}
	c.resetGroup()
	if c.channel == nil || c.channel.Tag() != body.Tag {
		c.channel = udp.NewChannel(c.opts.udpCfg, body.Tag, peerEvents{c}, c.endpoint.Output)
	}
	c.groupID = body.GroupID
	c.updateView(func(v *clientView) {
		v.groupID = body.GroupID
		v.tag = body.Tag
	})

	reply := &PreparedBody{
		GroupID:  body.GroupID,
		Tag:      body.Tag,
		Internal: c.internalAddr(),
		UdpPort:  uint32(c.endpoint.LocalAddr().Port()),
	}
	if cipher != nil {
		reply.Response = cipher.Respond(body.Challenge)
	}
	c.sendControl(mnet.MsgGroupPrepared, reply)
	log.Info().Uint64("group", body.GroupID).Uint32("tag", body.Tag).Str("internal", reply.Internal.String()).Msg("group prepare answered")
	return nil
}

// internalAddr is the UDP address as seen on the local network.
func (c *Client) internalAddr() netip.AddrPort {
	local := c.endpoint.LocalAddr()
	if c.cfg.AdvertiseAddr != "" {
		if ap, err := mnet.ParseAddress(c.cfg.AdvertiseAddr); err == nil {
			return ap
		}
	}
	if local.Addr().IsUnspecified() {
		if tcpLocal, ok := c.comm.LocalAddr(c.serverConn); ok {
			return netip.AddrPortFrom(tcpLocal.Addr(), local.Port())
		}
	}
	return local
}

func (c *Client) onJoin(body *JoinBody) error {
	if body.GroupID != c.groupID || c.channel == nil {
		return ErrNotInGroup
	}
	self := c.channel.Tag()
	for _, info := range body.Members {
		if info.Tag == self {
			continue
		}
		c.members[info.Tag] = info
		if err := c.channel.AddPeer(info.Tag, info.Candidates()...); err != nil {
			return err
		}
	}
	c.syncMembers()
	return nil
}

func (c *Client) onLeave(body *LeaveBody) error {
	if body.GroupID != c.groupID || c.channel == nil {
		return ErrNotInGroup
	}
	for _, tag := range body.Tags {
		if tag == c.channel.Tag() {
			c.resetGroup()
			return nil
		}
		delete(c.members, tag)
		c.channel.RemovePeer(tag)
		c.updateView(func(v *clientView) { delete(v.connected, tag) })
	}
	c.syncMembers()
	return nil
}

func (c *Client) onRelay(body *RelayBody) error {
	if body.GroupID != c.groupID {
		return ErrNotInGroup
	}
	msg, err := mnet.DecodeMessage(body.Payload)
	if err != nil {
		return err
	}
	msg.Tag = body.From
	msg.ConnID = c.serverConn
	metrics.IncrCounterWithGroup("net.p2p", "relay_recv_total", 1)
	c.deliver(msg)
	return nil
}

func (c *Client) resetGroup() {
	if c.channel != nil {
		c.channel.Reset()
	}
	c.groupID = 0
	clear(c.members)
	c.updateView(func(v *clientView) {
		v.groupID = 0
		clear(v.members)
		clear(v.connected)
	})
}

func (c *Client) syncMembers() {
	c.updateView(func(v *clientView) {
		clear(v.members)
		maps.Copy(v.members, c.members)
	})
}

func (c *Client) updateView(fn func(v *clientView)) {
	c.view.mu.Lock()
	defer c.view.mu.Unlock()
	fn(&c.view)
}

// peerEvents turns channel events into listener notifications.
type peerEvents struct {
	c *Client
}

func (p peerEvents) OnDeliver(tag uint32, payload []byte) {
	msg, err := mnet.DecodeMessage(payload)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net.p2p", "peer_recv_dropped_total", 1, metrics.Dimension{"reason": "decode"})
		return
	}
	msg.Payload = bytes.Clone(msg.Payload)
	msg.Tag = tag
	p.c.deliver(msg)
}

func (p peerEvents) OnPeerConnected(tag uint32, addr netip.AddrPort) {
	p.c.updateView(func(v *clientView) { v.connected[tag] = true })
	p.c.notify(mnet.NewMessage(mnet.MsgUdpConnected, nil, mnet.WithTag(tag), mnet.WithAddr(addr.String())))
}

func (p peerEvents) OnPeerFailed(tag uint32, err error) {
	p.c.updateView(func(v *clientView) { delete(v.connected, tag) })
	p.c.notify(mnet.NewMessage(mnet.MsgUdpFailed, nil, mnet.WithTag(tag), mnet.WithErr(err)))
}

func (p peerEvents) OnPeerReset(tag uint32) {
	p.c.updateView(func(v *clientView) { delete(v.connected, tag) })
	p.c.notify(mnet.NewMessage(mnet.MsgUdpReset, nil, mnet.WithTag(tag)))
}

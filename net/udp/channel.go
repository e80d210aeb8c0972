package udp

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
)

var (
	ErrRetransmitExceeded = errors.New("retransmission ceiling exceeded")
	ErrProbeExhausted     = errors.New("hole punch probes exhausted")
	ErrPeerTimeout        = errors.New("udp peer timed out")
	ErrUnknownPeer        = errors.New("unknown udp peer")
	ErrPeerNotConnected   = errors.New("udp peer not connected")
	ErrPayloadTooLarge    = errors.New("payload too large for a lossy segment")
	ErrSendWindowFull     = errors.New("udp send window full")
	ErrSelfPeer           = errors.New("cannot add self as udp peer")
)

// Mode selects the delivery guarantee of one payload.
type Mode uint8

const (
	// Lossy payloads are sent once and never acked. They must fit one segment.
	Lossy Mode = iota
	// Reliable payloads are retransmitted until acked and delivered on arrival.
	Reliable
	// ReliableOrdered payloads are also delivered in send order.
	ReliableOrdered
)

func (m Mode) String() string {
	switch m {
	case Lossy:
		return "lossy"
	case Reliable:
		return "reliable"
	default:
		return "ordered"
	}
}

// Handler receives channel events on the goroutine that drives the channel.
type Handler interface {
	// OnDeliver may receive a slice of the datagram passed to Input.
	OnDeliver(tag uint32, payload []byte)
	OnPeerConnected(tag uint32, addr netip.AddrPort)
	// OnPeerFailed is raised once per lost path; the peer keeps probing.
	OnPeerFailed(tag uint32, err error)
	// OnPeerReset is raised when the peer reset its side of the path.
	OnPeerReset(tag uint32)
}

// Output writes one segment. The buffer is not reused by the channel.
type Output func(to netip.AddrPort, b []byte)

type peerState uint8

const (
	peerProbing peerState = iota
	peerConnected
	// peerIdle waits for the reprobe interval after probes ran out.
	peerIdle
)

type peer struct {
	tag        uint32
	state      peerState
	candidates []netip.AddrPort
	// addr is the confirmed send path.
	addr netip.AddrPort
	// inbound is where the peer's probes arrive from.
	inbound   netip.AddrPort
	probes    int
	nextProbe time.Time
	// epoch names our reliable session towards the peer and rides in probe Seq.
	epoch       int32
	remoteEpoch int32
	epochKnown  bool
	failed    bool
	lastSend  time.Time
	lastRecv  time.Time

	sendNext int32
	unacked  map[int32]*SendBlock
	order    []int32

	recvNext int32
	held     map[int32]*RecvBlock
	partial  []byte
}

func (p *peer) resetReliable() {
	p.sendNext = 0
	p.unacked = make(map[int32]*SendBlock)
	p.order = p.order[:0]
	p.recvNext = 0
	p.held = make(map[int32]*RecvBlock)
	p.partial = nil
}

// newSession starts a reliable session the peer has not seen yet.
func (p *peer) newSession() {
	p.resetReliable()
	p.epoch = (p.epoch + 1) & math.MaxInt32
}

func (p *peer) addCandidate(addr netip.AddrPort) {
	if addr.IsValid() && !slices.Contains(p.candidates, addr) {
		p.candidates = append(p.candidates, addr)
	}
}

// Channel is the per-endpoint segment state machine. It is not safe for concurrent use:
// one loop goroutine calls Send, Input and Update.
type Channel struct {
	cfg     *Config
	tag     uint32
	handler Handler
	output  Output
	peers   map[uint32]*peer
	logger  *log.TagLogger
}

// NewChannel creates a channel whose segments carry tag as source.
func NewChannel(cfg *Config, tag uint32, handler Handler, output Output) *Channel {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Channel{
		cfg:     cfg,
		tag:     tag,
		handler: handler,
		output:  output,
		peers:   make(map[uint32]*peer),
		logger:  log.NewTagLogger(nil, "tag", uint64(tag)),
	}
}

func (c *Channel) Tag() uint32 {
	return c.tag
}

// AddPeer starts probing tag at the candidate addresses. Adding a known peer merges the
// candidates and restarts probing if it had given up.
func (c *Channel) AddPeer(tag uint32, candidates ...netip.AddrPort) error {
	if tag == c.tag {
		return ErrSelfPeer
	}
	p, ok := c.peers[tag]
	if !ok {
		p = &peer{tag: tag, epoch: rand.Int32()}
		p.resetReliable()
		c.peers[tag] = p
		metrics.UpdateGaugeWithGroup("net.udp", "peers", metrics.Value(len(c.peers)))
	}
	for _, addr := range candidates {
		p.addCandidate(addr)
	}
	if p.state == peerIdle {
		p.state = peerProbing
		p.probes = 0
		p.nextProbe = time.Time{}
	}
	c.logger.Debug().Uint32("peer", tag).Int("candidates", len(p.candidates)).Msg("udp peer added")
	return nil
}

// RemovePeer drops all state for tag without notifying the handler.
func (c *Channel) RemovePeer(tag uint32) bool {
	if _, ok := c.peers[tag]; !ok {
		return false
	}
	delete(c.peers, tag)
	metrics.UpdateGaugeWithGroup("net.udp", "peers", metrics.Value(len(c.peers)))
	c.logger.Debug().Uint32("peer", tag).Msg("udp peer removed")
	return true
}

// Reset drops every peer.
func (c *Channel) Reset() {
	clear(c.peers)
	metrics.UpdateGaugeWithGroup("net.udp", "peers", 0)
}

// Peers lists the known peer tags in ascending order.
func (c *Channel) Peers() []uint32 {
	tags := make([]uint32, 0, len(c.peers))
	for tag := range c.peers {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Connected reports whether the direct path to tag is confirmed.
func (c *Channel) Connected(tag uint32) bool {
	p, ok := c.peers[tag]
	return ok && p.state == peerConnected
}

// PeerAddr is the confirmed address of tag.
func (c *Channel) PeerAddr(tag uint32) (netip.AddrPort, bool) {
	p, ok := c.peers[tag]
	if !ok || p.state != peerConnected {
		return netip.AddrPort{}, false
	}
	return p.addr, true
}

// Pending is the number of unacked reliable segments towards tag.
func (c *Channel) Pending(tag uint32) int {
	if p, ok := c.peers[tag]; ok {
		return len(p.order)
	}
	return 0
}

// Send segments payload towards a connected peer. Payloads larger than one segment are
// sent ordered whatever the mode.
func (c *Channel) Send(tag uint32, payload []byte, mode Mode, now time.Time) error {
	p, ok := c.peers[tag]
	if !ok {
		return ErrUnknownPeer
	}
	if p.state != peerConnected {
		return ErrPeerNotConnected
	}
	segSize := c.cfg.MaxSegmentSize

	if mode == Lossy {
		if len(payload) > segSize {
			return ErrPayloadTooLarge
		}
		h := Header{Src: c.tag, Dst: tag, Seq: -1, Ack: -1, BodyLen: uint32(len(payload))}
		c.write(p, p.addr, &h, payload, now)
		return nil
	}

	n := max(1, (len(payload)+segSize-1)/segSize)
	if len(p.order)+n > c.cfg.MaxSendWindow {
		metrics.IncrCounterWithDimGroup("net.udp", "send_rejected_total", 1, metrics.Dimension{"reason": "window"})
		return ErrSendWindowFull
	}
	control := FlagACK
	if mode == ReliableOrdered || n > 1 {
		control |= FlagORD
	}
	for i := 0; i < n; i++ {
		chunk := payload[i*segSize : min(len(payload), (i+1)*segSize)]
		blk := &SendBlock{
			Header: Header{
				Control: control,
				Src:     c.tag,
				Dst:     tag,
				Seq:     p.sendNext,
				Ack:     p.recvNext - 1,
				BodyLen: uint32(len(payload)),
			},
			Payload:       bytes.Clone(chunk),
			Transmissions: 1,
			Deadline:      now.Add(ms(c.cfg.RetransmitTimeoutMs)),
		}
		p.unacked[blk.Header.Seq] = blk
		p.order = append(p.order, blk.Header.Seq)
		p.sendNext++
		c.write(p, p.addr, &blk.Header, blk.Payload, now)
	}
	return nil
}

func (c *Channel) write(p *peer, to netip.AddrPort, h *Header, payload []byte, now time.Time) {
	b := h.AppendSegment(make([]byte, 0, h.Size()+len(payload)), payload)
	p.lastSend = now
	metrics.IncrCounterWithGroup("net.udp", "segments_sent_total", 1)
	c.output(to, b)
}

func (c *Channel) drop(reason string, from netip.AddrPort, err error) {
	metrics.IncrCounterWithDimGroup("net.udp", "segments_dropped_total", 1, metrics.Dimension{"reason": reason})
	c.logger.Trace().Str("from", from.String()).Str("reason", reason).Err(err).Msg("udp segment dropped")
}

// Input processes one datagram received from addr.
func (c *Channel) Input(from netip.AddrPort, b []byte, now time.Time) {
	h, payload, err := Decode(b)
	if err != nil {
		c.drop("malformed", from, err)
		return
	}
	if h.Dst != c.tag {
		c.drop("misdirected", from, nil)
		return
	}
	p, ok := c.peers[h.Src]
	if !ok {
		c.drop("unknown_peer", from, nil)
		return
	}
	metrics.IncrCounterWithGroup("net.udp", "segments_recv_total", 1)

	if h.Has(FlagHPN) {
		c.onProbe(p, from, &h, now)
		return
	}
	if from != p.addr && from != p.inbound {
		c.drop("untrusted_addr", from, nil)
		return
	}
	p.lastRecv = now

	if h.Has(FlagRST) {
		c.onReset(p, now)
		return
	}
	if h.Has(FlagACK) {
		c.onAck(p, h.Ack)
	}
	if h.Has(FlagEAK) {
		c.onEak(p, h.Eaks)
	}
	if h.Has(FlagNUL) {
		return
	}
	if h.Seq < 0 {
		// lossy data carries neither ack flag
		if !h.Has(FlagACK) && !h.Has(FlagEAK) {
			c.handler.OnDeliver(p.tag, payload)
		}
		return
	}
	c.onData(p, from, &h, payload)
	c.sendAck(p, from, now)
}

func (c *Channel) onProbe(p *peer, from netip.AddrPort, h *Header, now time.Time) {
	if h.Seq >= 0 {
		c.syncEpoch(p, h.Seq, now)
	}
	switch {
	case h.Has(FlagSYN):
		p.inbound = from
		p.lastRecv = now
		p.addCandidate(from)
		reply := Header{Control: FlagACK | FlagHPN, Src: c.tag, Dst: p.tag, Seq: p.epoch, Ack: -1}
		c.write(p, from, &reply, nil, now)
	case h.Has(FlagACK):
		p.lastRecv = now
		if p.state == peerConnected {
			p.addr = from
			return
		}
		p.state = peerConnected
		p.addr = from
		p.probes = 0
		p.failed = false
		p.lastSend = now
		metrics.IncrCounterWithGroup("net.udp", "peer_connected_total", 1)
		c.logger.Info().Uint32("peer", p.tag).Str("addr", from.String()).Msg("udp path confirmed")
		c.handler.OnPeerConnected(p.tag, from)
	}
}

// syncEpoch records the session the peer probes with. A new one means the peer dropped
// its reliable state, so ours goes too.
func (c *Channel) syncEpoch(p *peer, epoch int32, now time.Time) {
	if !p.epochKnown {
		p.remoteEpoch = epoch
		p.epochKnown = true
		return
	}
	if epoch == p.remoteEpoch {
		return
	}
	p.remoteEpoch = epoch
	metrics.IncrCounterWithGroup("net.udp", "peer_session_changed_total", 1)
	c.logger.Debug().Uint32("peer", p.tag).Int32("epoch", epoch).Msg("udp peer started a new session")
	c.onReset(p, now)
}

func (c *Channel) onReset(p *peer, now time.Time) {
	p.resetReliable()
	if p.state != peerConnected {
		return
	}
	c.restartProbing(p, now)
	metrics.IncrCounterWithGroup("net.udp", "peer_reset_total", 1)
	c.logger.Info().Uint32("peer", p.tag).Msg("udp peer reset")
	c.handler.OnPeerReset(p.tag)
}

func (c *Channel) restartProbing(p *peer, now time.Time) {
	p.state = peerProbing
	p.addr = netip.AddrPort{}
	p.probes = 0
	p.nextProbe = now
}

func (c *Channel) onAck(p *peer, ack int32) {
	p.order = slices.DeleteFunc(p.order, func(seq int32) bool {
		if seq <= ack {
			delete(p.unacked, seq)
			return true
		}
		return false
	})
}

func (c *Channel) onEak(p *peer, eaks []int32) {
	for _, seq := range eaks {
		delete(p.unacked, seq)
	}
	p.order = slices.DeleteFunc(p.order, func(seq int32) bool {
		_, ok := p.unacked[seq]
		return !ok
	})
}

func (c *Channel) onData(p *peer, from netip.AddrPort, h *Header, payload []byte) {
	seq := h.Seq
	ordered := h.Has(FlagORD)
	if seq < p.recvNext {
		c.drop("duplicate", from, nil)
		return
	}
	if blk, ok := p.held[seq]; ok {
		blk.AckRequests = 0
		c.drop("duplicate", from, nil)
		return
	}
	if int64(seq) >= int64(p.recvNext)+int64(c.cfg.MaxRecvWindow) {
		c.drop("window", from, nil)
		return
	}

	if seq == p.recvNext {
		c.deliver(p, payload, h.BodyLen, ordered)
		p.recvNext++
		c.drainHeld(p)
		return
	}

	blk := &RecvBlock{Seq: seq, BodyLen: h.BodyLen, Ordered: ordered}
	if ordered {
		blk.Payload = bytes.Clone(payload)
	} else {
		c.handler.OnDeliver(p.tag, payload)
		blk.Delivered = true
	}
	p.held[seq] = blk
}

func (c *Channel) drainHeld(p *peer) {
	for {
		blk, ok := p.held[p.recvNext]
		if !ok {
			return
		}
		delete(p.held, p.recvNext)
		if !blk.Delivered {
			c.deliver(p, blk.Payload, blk.BodyLen, blk.Ordered)
		}
		p.recvNext++
	}
}

// deliver hands a payload up, joining the segments of multi-segment payloads first.
func (c *Channel) deliver(p *peer, payload []byte, bodyLen uint32, ordered bool) {
	if !ordered || (len(p.partial) == 0 && uint32(len(payload)) >= bodyLen) {
		c.handler.OnDeliver(p.tag, payload)
		return
	}
	p.partial = append(p.partial, payload...)
	if uint32(len(p.partial)) >= bodyLen {
		body := p.partial
		p.partial = nil
		c.handler.OnDeliver(p.tag, body)
	}
}

func (c *Channel) sendAck(p *peer, to netip.AddrPort, now time.Time) {
	h := Header{Control: FlagACK, Src: c.tag, Dst: p.tag, Seq: -1, Ack: p.recvNext - 1}
	if len(p.held) > 0 {
		seqs := make([]int32, 0, len(p.held))
		for seq, blk := range p.held {
			if blk.AckRequests < c.cfg.MaxAckRequests {
				seqs = append(seqs, seq)
			}
		}
		slices.Sort(seqs)
		if len(seqs) > c.cfg.MaxEakCount {
			seqs = seqs[:c.cfg.MaxEakCount]
		}
		for _, seq := range seqs {
			p.held[seq].AckRequests++
		}
		if len(seqs) > 0 {
			h.Control |= FlagEAK
			h.Eaks = seqs
		}
	}
	c.write(p, to, &h, nil, now)
}

// Update drives probes, retransmissions, keepalives and peer timeouts.
func (c *Channel) Update(now time.Time) {
	for _, tag := range c.Peers() {
		p, ok := c.peers[tag]
		if !ok {
			continue
		}
		switch p.state {
		case peerProbing:
			c.probe(p, now)
		case peerIdle:
			if c.cfg.ReprobeIntervalMs > 0 && !now.Before(p.nextProbe) {
				c.restartProbing(p, now)
				c.probe(p, now)
			}
		case peerConnected:
			c.updateConnected(p, now)
		}
	}
}

func (c *Channel) probe(p *peer, now time.Time) {
	if now.Before(p.nextProbe) {
		return
	}
	if p.probes >= c.cfg.MaxProbes {
		p.state = peerIdle
		p.nextProbe = now.Add(ms(c.cfg.ReprobeIntervalMs))
		c.reportFailure(p, ErrProbeExhausted)
		return
	}
	p.probes++
	p.nextProbe = now.Add(ms(c.cfg.ProbeIntervalMs))
	for _, addr := range p.candidates {
		h := Header{Control: FlagSYN | FlagHPN, Src: c.tag, Dst: p.tag, Seq: p.epoch, Ack: -1}
		c.write(p, addr, &h, nil, now)
	}
	metrics.IncrCounterWithGroup("net.udp", "probes_total", 1)
}

func (c *Channel) updateConnected(p *peer, now time.Time) {
	if now.Sub(p.lastRecv) >= ms(c.cfg.PeerTimeoutMs) {
		c.fail(p, ErrPeerTimeout, now)
		return
	}
	for _, seq := range p.order {
		blk := p.unacked[seq]
		if now.Before(blk.Deadline) {
			continue
		}
		if blk.Transmissions >= c.cfg.MaxTransmissions {
			c.fail(p, ErrRetransmitExceeded, now)
			return
		}
		blk.Transmissions++
		blk.Deadline = now.Add(ms(c.cfg.RetransmitTimeoutMs))
		blk.Header.Ack = p.recvNext - 1
		metrics.IncrCounterWithGroup("net.udp", "retransmit_total", 1)
		c.write(p, p.addr, &blk.Header, blk.Payload, now)
	}
	if now.Sub(p.lastSend) >= ms(c.cfg.KeepaliveMs) {
		h := Header{Control: FlagNUL, Src: c.tag, Dst: p.tag, Seq: -1, Ack: -1}
		c.write(p, p.addr, &h, nil, now)
	}
}

// fail tears the reliable state down, tells the peer with RST and goes back to probing.
func (c *Channel) fail(p *peer, err error, now time.Time) {
	rst := Header{Control: FlagRST, Src: c.tag, Dst: p.tag, Seq: -1, Ack: -1}
	c.write(p, p.addr, &rst, nil, now)
	p.newSession()
	c.restartProbing(p, now)
	c.reportFailure(p, err)
}

func (c *Channel) reportFailure(p *peer, err error) {
	if p.failed {
		return
	}
	p.failed = true
	metrics.IncrCounterWithDimGroup("net.udp", "peer_failed_total", 1, metrics.Dimension{"reason": err.Error()})
	c.logger.Warn().Uint32("peer", p.tag).Err(err).Msg("udp path failed")
	c.handler.OnPeerFailed(p.tag, err)
}

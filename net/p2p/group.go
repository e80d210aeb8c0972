package p2p

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/lcx/meshnet/codec"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	mnet "github.com/lcx/meshnet/net"
)

var (
	ErrMemberExists   = errors.New("connection already in group")
	ErrMemberNotFound = errors.New("connection not in group")
	ErrMemberState    = errors.New("member in wrong state")
	ErrTagMismatch    = errors.New("reported tag does not match connection")
	ErrRelayTooLarge  = errors.New("relay payload too large")
)

// MemberState is the join progress of one member.
type MemberState uint8

const (
	MemberInit MemberState = iota
	MemberPrepared
	MemberJoined
)

func (s MemberState) String() string {
	switch s {
	case MemberInit:
		return "INIT"
	case MemberPrepared:
		return "PREPARED"
	case MemberJoined:
		return "JOINED"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Member is one connection in a group. Its tag is derived from the connection id.
type Member struct {
	ConnID    uint64
	Tag       uint32
	Internal  netip.AddrPort
	External  netip.AddrPort
	State     MemberState
	Extra     []byte
	challenge []byte
}

func (m *Member) info() MemberInfo {
	return MemberInfo{Tag: m.Tag, Internal: m.Internal, External: m.External, Extra: m.Extra}
}

// Sender is the control channel a group talks through, normally the TCP communicator.
type Sender interface {
	Send(connID uint64, msg *mnet.Message) error
	PeerAddr(connID uint64) (netip.AddrPort, bool)
}

// Group is one P2P mesh. It is owned by the server loop and is the only writer of its
// member map.
type Group struct {
	id      uint64
	level   uint32
	cipher  Cipher
	sender  Sender
	members map[uint64]*Member
	byTag   map[uint32]uint64
	remotes []uint64
	logger  *log.TagLogger
}

// TagOf is the member tag of a connection.
func TagOf(connID uint64) uint32 {
	return uint32(connID)
}

// NewGroup creates an empty group. cipher is nil for security level 0.
func NewGroup(id uint64, level uint32, cipher Cipher, sender Sender) *Group {
	return &Group{
		id:      id,
		level:   level,
		cipher:  cipher,
		sender:  sender,
		members: make(map[uint64]*Member),
		byTag:   make(map[uint32]uint64),
		logger:  log.NewTagLogger(nil, "group", id),
	}
}

func (g *Group) ID() uint64 {
	return g.id
}

func (g *Group) Level() uint32 {
	return g.level
}

func (g *Group) Len() int {
	return len(g.members)
}

// Member returns a copy of the member for connID.
func (g *Group) Member(connID uint64) (Member, bool) {
	m, ok := g.members[connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// GetRemotes lists the connection ids of JOINED members in ascending order.
func (g *Group) GetRemotes() []uint64 {
	return slices.Clone(g.remotes)
}

func (g *Group) updateRemotes() {
	g.remotes = g.remotes[:0]
	for _, connID := range slices.Sorted(maps.Keys(g.members)) {
		if g.members[connID].State == MemberJoined {
			g.remotes = append(g.remotes, connID)
		}
	}
}

func (g *Group) send(connID uint64, t mnet.MsgType, body codec.Message) error {
	msg, err := newControl(t, body)
	if err == nil {
		err = g.sender.Send(connID, msg)
	}
	if err != nil {
		metrics.IncrCounterWithDimGroup("net.p2p", "control_send_error_total", 1, metrics.Dimension{"type": t.String()})
		g.logger.Warn().Uint64("conn", connID).Str("type", t.String()).Err(err).Msg("group control send failed")
		return err
	}
	return nil
}

// Join adds connID in INIT and sends it the prepare message, with a challenge when the
// group level requires one.
func (g *Group) Join(connID uint64, extra []byte) error {
	if _, ok := g.members[connID]; ok {
		return ErrMemberExists
	}
	tag := TagOf(connID)
	if _, ok := g.byTag[tag]; ok {
		return ErrMemberExists
	}
	peer, ok := g.sender.PeerAddr(connID)
	if !ok {
		return fmt.Errorf("%w: %d", mnet.ErrConnNotFound, connID)
	}

	m := &Member{
		ConnID:   connID,
		Tag:      tag,
		External: netip.AddrPortFrom(peer.Addr(), 0),
		Extra:    bytes.Clone(extra),
	}
	if g.cipher != nil {
		challenge, err := g.cipher.Challenge()
		if err != nil {
			return fmt.Errorf("generate challenge: %w", err)
		}
		m.challenge = challenge
	}
	if err := g.send(connID, mnet.MsgGroupPrepare, &PrepareBody{
		GroupID:   g.id,
		Tag:       tag,
		Level:     g.level,
		Challenge: m.challenge,
	}); err != nil {
		return err
	}

	g.members[connID] = m
	g.byTag[tag] = connID
	metrics.IncrCounterWithGroup("net.p2p", "member_prepare_total", 1)
	g.logger.Debug().Uint64("conn", connID).Uint32("tag", tag).Msg("member prepare sent")
	return nil
}

// OnPrepared records the addresses a member reported and, once its challenge checks out,
// joins it to the mesh. A member that fails the check stays in INIT.
func (g *Group) OnPrepared(connID uint64, body *PreparedBody) error {
	m, ok := g.members[connID]
	if !ok {
		return ErrMemberNotFound
	}
	if m.State != MemberInit {
		return fmt.Errorf("%w: %s", ErrMemberState, m.State)
	}
	if body.Tag != m.Tag || body.GroupID != g.id {
		metrics.IncrCounterWithDimGroup("net.p2p", "prepared_rejected_total", 1, metrics.Dimension{"reason": "tag"})
		return ErrTagMismatch
	}
	if g.cipher != nil && !g.cipher.Verify(m.challenge, body.Response) {
		metrics.IncrCounterWithDimGroup("net.p2p", "prepared_rejected_total", 1, metrics.Dimension{"reason": "challenge"})
		g.logger.Warn().Uint64("conn", connID).Msg("member failed challenge")
		return ErrChallengeFailed
	}
	if body.UdpPort == 0 || body.UdpPort > 0xffff {
		return fmt.Errorf("invalid udp port %d", body.UdpPort)
	}

	m.challenge = nil
	m.Internal = body.Internal
	m.External = netip.AddrPortFrom(m.External.Addr(), uint16(body.UdpPort))
	m.State = MemberPrepared
	g.join(m)
	return nil
}

// join tells the new member about every JOINED member and every JOINED member about it.
func (g *Group) join(m *Member) {
	others := make([]MemberInfo, 0, len(g.remotes))
	for _, connID := range g.remotes {
		others = append(others, g.members[connID].info())
	}
	_ = g.send(m.ConnID, mnet.MsgGroupJoin, &JoinBody{GroupID: g.id, Members: others})

	news := &JoinBody{GroupID: g.id, Members: []MemberInfo{m.info()}}
	for _, connID := range g.remotes {
		_ = g.send(connID, mnet.MsgGroupJoin, news)
	}

	m.State = MemberJoined
	g.updateRemotes()
	metrics.IncrCounterWithGroup("net.p2p", "member_joined_total", 1)
	g.logger.Info().Uint64("conn", m.ConnID).Uint32("tag", m.Tag).
		Str("internal", m.Internal.String()).Str("external", m.External.String()).
		Int("members", len(g.remotes)).Msg("member joined")
}

// Leave removes connID and tells each remaining JOINED member once. The leaver is told
// as well when its connection is still up. Unknown ids are ignored.
func (g *Group) Leave(connID uint64) bool {
	m, ok := g.members[connID]
	if !ok {
		return false
	}
	delete(g.members, connID)
	delete(g.byTag, m.Tag)
	g.updateRemotes()

	body := &LeaveBody{GroupID: g.id, Tags: []uint32{m.Tag}}
	if m.State == MemberJoined {
		for _, other := range g.remotes {
			_ = g.send(other, mnet.MsgGroupLeave, body)
		}
	}
	if _, alive := g.sender.PeerAddr(connID); alive {
		_ = g.send(connID, mnet.MsgGroupLeave, body)
	}
	metrics.IncrCounterWithGroup("net.p2p", "member_left_total", 1)
	g.logger.Info().Uint64("conn", connID).Str("state", m.State.String()).Msg("member left")
	return true
}

// Fini sends destroy to every member and empties the group.
func (g *Group) Fini() []uint64 {
	body := &DestroyBody{GroupID: g.id}
	ids := slices.Sorted(maps.Keys(g.members))
	for _, connID := range ids {
		if _, alive := g.sender.PeerAddr(connID); alive {
			_ = g.send(connID, mnet.MsgGroupDestroy, body)
		}
	}
	clear(g.members)
	clear(g.byTag)
	g.remotes = g.remotes[:0]
	g.logger.Info().Int("members", len(ids)).Msg("group destroyed")
	return ids
}

// Relay forwards a payload from a JOINED member to the JOINED targets and returns how
// many it reached.
func (g *Group) Relay(fromConn uint64, body *RelayBody) (int, error) {
	from, ok := g.members[fromConn]
	if !ok || from.State != MemberJoined {
		return 0, fmt.Errorf("%w: %d", ErrMemberState, fromConn)
	}
	if len(body.Payload) > MaxRelayPayload {
		return 0, ErrRelayTooLarge
	}
	out := &RelayBody{GroupID: g.id, From: from.Tag, Payload: body.Payload}
	sent := 0
	for _, tag := range body.Targets {
		connID, ok := g.byTag[tag]
		if !ok || connID == fromConn || g.members[connID].State != MemberJoined {
			metrics.IncrCounterWithDimGroup("net.p2p", "relay_dropped_total", 1, metrics.Dimension{"reason": "target"})
			continue
		}
		if g.send(connID, mnet.MsgGroupRelay, out) == nil {
			sent++
		}
	}
	metrics.IncrCounterWithGroup("net.p2p", "relay_total", metrics.Value(sent))
	return sent, nil
}

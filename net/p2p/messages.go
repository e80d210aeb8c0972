// Package p2p coordinates peer groups: the server assigns tags, checks challenges and
// tells members about each other; clients hole-punch direct UDP paths and fall back to
// relaying through the server while a path is down.
package p2p

import (
	"bytes"
	"net/netip"

	"github.com/lcx/meshnet/codec"
	mnet "github.com/lcx/meshnet/net"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxRelayPayload caps one relayed payload, the same as one UDP segment.
const MaxRelayPayload = 512

func appendAddr(b []byte, num protowire.Number, ap netip.AddrPort) []byte {
	if !ap.IsValid() {
		return b
	}
	return codec.AppendBytes(b, num, mnet.AppendAddr(nil, ap))
}

func consumeAddr(typ protowire.Type, b []byte) (netip.AddrPort, int, error) {
	v, n, err := codec.ConsumeBytes(typ, b)
	if err != nil {
		return netip.AddrPort{}, 0, err
	}
	ap, _, err := mnet.DecodeAddr(v)
	return ap, n, err
}

func uint32s(vs []uint64) []uint32 {
	out := make([]uint32, len(vs))
	for i, v := range vs {
		out[i] = uint32(v)
	}
	return out
}

func uint64s(vs []uint32) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

// PrepareBody is sent by the server when a connection joins a group.
type PrepareBody struct {
	GroupID   uint64
	Tag       uint32
	Level     uint32
	Challenge []byte
}

func (m *PrepareBody) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, m.GroupID)
	b = codec.AppendUint(b, 2, uint64(m.Tag))
	b = codec.AppendUint(b, 3, uint64(m.Level))
	return codec.AppendBytes(b, 4, m.Challenge)
}

func (m *PrepareBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	var (
		v   uint64
		n   int
		err error
	)
	switch num {
	case 1:
		m.GroupID, n, err = codec.ConsumeUint(typ, b)
	case 2:
		v, n, err = codec.ConsumeUint(typ, b)
		m.Tag = uint32(v)
	case 3:
		v, n, err = codec.ConsumeUint(typ, b)
		m.Level = uint32(v)
	case 4:
		var raw []byte
		raw, n, err = codec.ConsumeBytes(typ, b)
		m.Challenge = bytes.Clone(raw)
	default:
		return -1, nil
	}
	return n, err
}

// PreparedBody answers a prepare with the client's addresses.
type PreparedBody struct {
	GroupID  uint64
	Tag      uint32
	Internal netip.AddrPort
	// UdpPort is the local UDP port; the server pairs it with the TCP peer IP.
	UdpPort  uint32
	Response []byte
}

func (m *PreparedBody) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, m.GroupID)
	b = codec.AppendUint(b, 2, uint64(m.Tag))
	b = appendAddr(b, 3, m.Internal)
	b = codec.AppendUint(b, 4, uint64(m.UdpPort))
	return codec.AppendBytes(b, 5, m.Response)
}

func (m *PreparedBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	var (
		v   uint64
		n   int
		err error
	)
	switch num {
	case 1:
		m.GroupID, n, err = codec.ConsumeUint(typ, b)
	case 2:
		v, n, err = codec.ConsumeUint(typ, b)
		m.Tag = uint32(v)
	case 3:
		m.Internal, n, err = consumeAddr(typ, b)
	case 4:
		v, n, err = codec.ConsumeUint(typ, b)
		m.UdpPort = uint32(v)
	case 5:
		var raw []byte
		raw, n, err = codec.ConsumeBytes(typ, b)
		m.Response = bytes.Clone(raw)
	default:
		return -1, nil
	}
	return n, err
}

// MemberInfo is what one member learns about another.
type MemberInfo struct {
	Tag      uint32
	Internal netip.AddrPort
	External netip.AddrPort
	Extra    []byte
}

// Candidates lists the addresses worth probing, external first.
func (m *MemberInfo) Candidates() []netip.AddrPort {
	var out []netip.AddrPort
	for _, ap := range []netip.AddrPort{m.External, m.Internal} {
		if ap.IsValid() && ap.Port() != 0 {
			out = append(out, ap)
		}
	}
	return out
}

func (m *MemberInfo) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, uint64(m.Tag))
	b = appendAddr(b, 2, m.Internal)
	b = appendAddr(b, 3, m.External)
	return codec.AppendBytes(b, 4, m.Extra)
}

func (m *MemberInfo) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	var (
		v   uint64
		n   int
		err error
	)
	switch num {
	case 1:
		v, n, err = codec.ConsumeUint(typ, b)
		m.Tag = uint32(v)
	case 2:
		m.Internal, n, err = consumeAddr(typ, b)
	case 3:
		m.External, n, err = consumeAddr(typ, b)
	case 4:
		var raw []byte
		raw, n, err = codec.ConsumeBytes(typ, b)
		m.Extra = bytes.Clone(raw)
	default:
		return -1, nil
	}
	return n, err
}

// JoinBody lists members the receiver should connect to.
type JoinBody struct {
	GroupID uint64
	Members []MemberInfo
}

func (m *JoinBody) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, m.GroupID)
	for i := range m.Members {
		b = codec.AppendMessage(b, 2, &m.Members[i])
	}
	return b
}

func (m *JoinBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := codec.ConsumeUint(typ, b)
		m.GroupID = v
		return n, err
	case 2:
		var info MemberInfo
		n, err := codec.ConsumeMessage(typ, b, &info)
		m.Members = append(m.Members, info)
		return n, err
	}
	return -1, nil
}

// LeaveBody names members that left.
type LeaveBody struct {
	GroupID uint64
	Tags    []uint32
}

func (m *LeaveBody) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, m.GroupID)
	return codec.AppendPackedUint(b, 2, uint64s(m.Tags))
}

func (m *LeaveBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := codec.ConsumeUint(typ, b)
		m.GroupID = v
		return n, err
	case 2:
		vs, n, err := codec.ConsumePackedUint(typ, b, nil)
		m.Tags = append(m.Tags, uint32s(vs)...)
		return n, err
	}
	return -1, nil
}

// DestroyBody ends a group.
type DestroyBody struct {
	GroupID uint64
}

func (m *DestroyBody) AppendWire(b []byte) []byte {
	return codec.AppendUint(b, 1, m.GroupID)
}

func (m *DestroyBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return -1, nil
	}
	v, n, err := codec.ConsumeUint(typ, b)
	m.GroupID = v
	return n, err
}

// RelayBody carries a payload through the server. Clients fill Targets, the server fills
// From when forwarding.
type RelayBody struct {
	GroupID uint64
	From    uint32
	Targets []uint32
	Payload []byte
}

func (m *RelayBody) AppendWire(b []byte) []byte {
	b = codec.AppendUint(b, 1, m.GroupID)
	b = codec.AppendUint(b, 2, uint64(m.From))
	b = codec.AppendPackedUint(b, 3, uint64s(m.Targets))
	return codec.AppendBytes(b, 4, m.Payload)
}

func (m *RelayBody) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := codec.ConsumeUint(typ, b)
		m.GroupID = v
		return n, err
	case 2:
		v, n, err := codec.ConsumeUint(typ, b)
		m.From = uint32(v)
		return n, err
	case 3:
		vs, n, err := codec.ConsumePackedUint(typ, b, nil)
		m.Targets = append(m.Targets, uint32s(vs)...)
		return n, err
	case 4:
		raw, n, err := codec.ConsumeBytes(typ, b)
		m.Payload = bytes.Clone(raw)
		return n, err
	}
	return -1, nil
}

// newControl encodes body into a control message of type t.
func newControl(t mnet.MsgType, body codec.Message) (*mnet.Message, error) {
	payload, err := codec.Encode(body, nil)
	if err != nil {
		return nil, err
	}
	return mnet.NewMessage(t, payload), nil
}

// DecodeBody parses the payload of a control message into body.
func DecodeBody(msg *mnet.Message, body codec.Message) error {
	return codec.Decode(body, msg.Payload)
}

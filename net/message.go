// Package net is the transport core: sockets, the async I/O service, TCP connection
// lifecycle and the message framing shared with the UDP and P2P layers.
package net

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies a message on the wire and in listener notifications.
type MsgType uint16

const (
	MsgNone MsgType = iota

	// lifecycle notifications, raised locally and never accepted from the wire
	MsgConnected
	MsgAccepted
	MsgConnectFailed
	MsgClosed
	MsgUdpConnected
	MsgUdpFailed
	MsgUdpReset

	// group control, exchanged between client and server
	MsgGroupPrepare
	MsgGroupPrepared
	MsgGroupJoin
	MsgGroupLeave
	MsgGroupDestroy
	MsgGroupRelay

	// MsgUser is the first application message type.
	MsgUser MsgType = 256
)

var msgTypeNames = map[MsgType]string{
	MsgNone:          "none",
	MsgConnected:     "connected",
	MsgAccepted:      "accepted",
	MsgConnectFailed: "connect_failed",
	MsgClosed:        "closed",
	MsgUdpConnected:  "udp_connected",
	MsgUdpFailed:     "udp_failed",
	MsgUdpReset:      "udp_reset",
	MsgGroupPrepare:  "group_prepare",
	MsgGroupPrepared: "group_prepared",
	MsgGroupJoin:     "group_join",
	MsgGroupLeave:    "group_leave",
	MsgGroupDestroy:  "group_destroy",
	MsgGroupRelay:    "group_relay",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	if t >= MsgUser {
		return fmt.Sprintf("user(%d)", uint16(t))
	}
	return fmt.Sprintf("unknown(%d)", uint16(t))
}

// IsInternal reports whether t is a locally raised notification.
func (t MsgType) IsInternal() bool {
	return t >= MsgConnected && t <= MsgUdpReset
}

// MessageHeadSize is type:16 + keyLen:16, little endian. The key bytes follow.
const MessageHeadSize = 4

// MaxKeyLen bounds the context key.
const MaxKeyLen = 1<<16 - 1

var (
	errMessageTooShort = errors.New("message too short")
	errMessageType     = errors.New("invalid message type")
	errMessageKey      = errors.New("invalid message key")
)

// Message is the unit handed to listeners and carried in TCP frames and UDP payloads.
// Only Type, Key and Payload are encoded; the rest is local metadata.
type Message struct {
	Type MsgType
	// Key is the context key the upper dispatch layer routes on. Opaque here.
	Key     string
	Payload []byte

	// Tag is the peer tag a UDP or relayed message came from, 0 for TCP.
	Tag    uint32
	ConnID uint64
	Addr   string
	Err    error
}

// NewMessage builds a message of type t.
func NewMessage(t MsgType, payload []byte, opts ...MsgOption) *Message {
	msg := &Message{Type: t, Payload: payload}
	for _, opt := range opts {
		opt(msg)
	}
	return msg
}

// EncodedLen is the size of the wire form.
func (m *Message) EncodedLen() int {
	return MessageHeadSize + len(m.Key) + len(m.Payload)
}

// AppendEncode appends the wire form of m to dst.
func (m *Message) AppendEncode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(m.Type))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m.Key)))
	dst = append(dst, m.Key...)
	return append(dst, m.Payload...)
}

// Encode returns the wire form of m.
func (m *Message) Encode() []byte {
	return m.AppendEncode(make([]byte, 0, m.EncodedLen()))
}

// Validate checks that m can be encoded.
func (m *Message) Validate() error {
	if len(m.Key) > MaxKeyLen {
		return errMessageKey
	}
	return nil
}

// DecodeMessage parses the wire form. The payload aliases buf. Lifecycle notification types
// are rejected so a peer cannot forge them.
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) < MessageHeadSize {
		return nil, errMessageTooShort
	}
	t := MsgType(binary.LittleEndian.Uint16(buf))
	if t == MsgNone || t.IsInternal() {
		return nil, fmt.Errorf("%w: %s", errMessageType, t)
	}
	end := MessageHeadSize + int(binary.LittleEndian.Uint16(buf[2:]))
	if len(buf) < end {
		return nil, errMessageKey
	}
	return &Message{
		Type:    t,
		Key:     string(buf[MessageHeadSize:end]),
		Payload: buf[end:],
	}, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s key=%q tag=%d conn=%d len=%d", m.Type, m.Key, m.Tag, m.ConnID, len(m.Payload))
}

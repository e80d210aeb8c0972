// Package udp implements the segment protocol used for direct peer paths: a selective
// repeat channel carrying reliable, ordered and lossy payloads over plain datagrams, plus
// hole-punch probing and keepalives.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Control bits, bit 7 first.
const (
	FlagSYN uint8 = 0x80
	FlagACK uint8 = 0x40
	FlagEAK uint8 = 0x20
	FlagRST uint8 = 0x10
	FlagNUL uint8 = 0x08
	FlagHPN uint8 = 0x04
	// FlagRLE is reserved. It is never set and ignored on receipt.
	FlagRLE uint8 = 0x02
	FlagORD uint8 = 0x01

	extendedFlags = FlagEAK | FlagRST | FlagNUL | FlagHPN
)

const (
	// HeaderSize is control:8 length:8 src:32 dst:32 seq:32 ack:32 bodyLen:32.
	HeaderSize = 22
	// MaxSegmentSize is the largest payload one segment may carry.
	MaxSegmentSize = 512
	// MaxEakCount is the most sequence numbers one EAK list can hold.
	MaxEakCount = 255
	// MaxDatagramSize fits the largest header plus a full payload.
	MaxDatagramSize = HeaderSize + 1 + 4*MaxEakCount + MaxSegmentSize
)

var ErrMalformedSegment = errors.New("malformed udp segment")

// Header is the fixed segment header, big endian on the wire. Eaks is only encoded when
// FlagEAK is set.
type Header struct {
	Control uint8
	Length  uint8
	Src     uint32
	Dst     uint32
	// Seq is -1 for lossy segments and pure control segments.
	Seq int32
	// Ack is the cumulative ack, valid with FlagACK.
	Ack int32
	// BodyLen is the length of the whole payload the segment belongs to.
	BodyLen uint32
	Eaks    []int32
}

func (h *Header) Has(flag uint8) bool {
	return h.Control&flag != 0
}

// Size is the encoded length including the EAK list.
func (h *Header) Size() int {
	if h.Has(FlagEAK) {
		return HeaderSize + 1 + 4*len(h.Eaks)
	}
	return HeaderSize
}

// Validate enforces the single extended flag rule and the EAK bounds.
func (h *Header) Validate() error {
	ext := h.Control & extendedFlags
	if ext&(ext-1) != 0 {
		return fmt.Errorf("%w: extended flags %#02x", ErrMalformedSegment, ext)
	}
	if h.Has(FlagEAK) && (len(h.Eaks) == 0 || len(h.Eaks) > MaxEakCount) {
		return fmt.Errorf("%w: eak count %d", ErrMalformedSegment, len(h.Eaks))
	}
	return nil
}

// AppendSegment appends the header and payload to dst. RLE is cleared.
func (h *Header) AppendSegment(dst []byte, payload []byte) []byte {
	dst = append(dst, h.Control&^FlagRLE, HeaderSize)
	dst = binary.BigEndian.AppendUint32(dst, h.Src)
	dst = binary.BigEndian.AppendUint32(dst, h.Dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Seq))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Ack))
	dst = binary.BigEndian.AppendUint32(dst, h.BodyLen)
	if h.Has(FlagEAK) {
		dst = append(dst, uint8(len(h.Eaks)))
		for _, seq := range h.Eaks {
			dst = binary.BigEndian.AppendUint32(dst, uint32(seq))
		}
	}
	return append(dst, payload...)
}

// Encode validates h and returns the full segment.
func (h *Header) Encode(payload []byte) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if len(payload) > MaxSegmentSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrMalformedSegment, len(payload))
	}
	return h.AppendSegment(make([]byte, 0, h.Size()+len(payload)), payload), nil
}

// Decode parses one segment. The payload aliases b. A header length larger than
// HeaderSize is skipped so later versions can extend the fixed part.
func Decode(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrMalformedSegment, len(b))
	}
	h.Control = b[0] &^ FlagRLE
	h.Length = b[1]
	if int(h.Length) < HeaderSize || int(h.Length) > len(b) {
		return h, nil, fmt.Errorf("%w: header length %d", ErrMalformedSegment, h.Length)
	}
	h.Src = binary.BigEndian.Uint32(b[2:])
	h.Dst = binary.BigEndian.Uint32(b[6:])
	h.Seq = int32(binary.BigEndian.Uint32(b[10:]))
	h.Ack = int32(binary.BigEndian.Uint32(b[14:]))
	h.BodyLen = binary.BigEndian.Uint32(b[18:])
	rest := b[h.Length:]

	if h.Has(FlagEAK) {
		if len(rest) < 1 {
			return h, nil, fmt.Errorf("%w: missing eak count", ErrMalformedSegment)
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < 4*n {
			return h, nil, fmt.Errorf("%w: eak list truncated", ErrMalformedSegment)
		}
		h.Eaks = make([]int32, n)
		for i := range h.Eaks {
			h.Eaks[i] = int32(binary.BigEndian.Uint32(rest[4*i:]))
		}
		rest = rest[4*n:]
	}
	if err := h.Validate(); err != nil {
		return h, nil, err
	}
	if len(rest) > MaxSegmentSize || uint32(len(rest)) > h.BodyLen {
		return h, nil, fmt.Errorf("%w: payload %d body %d", ErrMalformedSegment, len(rest), h.BodyLen)
	}
	return h, rest, nil
}

var flagNames = []struct {
	flag uint8
	name string
}{
	{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagEAK, "EAK"}, {FlagRST, "RST"},
	{FlagNUL, "NUL"}, {FlagHPN, "HPN"}, {FlagRLE, "RLE"}, {FlagORD, "ORD"},
}

func (h *Header) String() string {
	var flags []string
	for _, f := range flagNames {
		if h.Has(f.flag) {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("[%s] %d->%d seq=%d ack=%d body=%d eaks=%d",
		strings.Join(flags, "|"), h.Src, h.Dst, h.Seq, h.Ack, h.BodyLen, len(h.Eaks))
}

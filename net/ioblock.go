package net

import "net/netip"

// IoOp is the direction of an IoBlock.
type IoOp uint8

const (
	OpRead IoOp = iota
	OpWrite
)

func (op IoOp) String() string {
	if op == OpWrite {
		return "write"
	}
	return "read"
}

// IoBlock is one in-flight operation. It is handed to exactly one completion callback.
type IoBlock struct {
	Buf         []byte
	Op          IoOp
	Transferred int
	// Total is the number of bytes requested, len(Buf) when zero.
	Total int
	// Remote is the source of a RecvFrom or the target of a SendTo.
	Remote netip.AddrPort
	// Extra lets the owner recover context on completion.
	Extra any
}

func (b *IoBlock) request() []byte {
	if b.Total > 0 && b.Total < len(b.Buf) {
		return b.Buf[:b.Total]
	}
	return b.Buf
}

// Data returns the transferred bytes.
func (b *IoBlock) Data() []byte {
	return b.Buf[:b.Transferred]
}

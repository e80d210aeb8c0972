package net

import (
	"encoding/binary"
	"errors"
)

// FRAME_HEAD_SIZE is the length prefix of every TCP frame.
const FRAME_HEAD_SIZE = 4

var (
	errFrameBufTooSmall = errors.New("buff too small")
	errFrameInvalid     = errors.New("invalid frame length")
)

// EncodeFrameHead writes the body length into the first FRAME_HEAD_SIZE bytes of buf.
func EncodeFrameHead(buf []byte, bodySize uint32) {
	binary.LittleEndian.PutUint32(buf, bodySize)
}

// DecodeFrameHead reads the body length. A zero length is invalid since every frame
// carries at least a message head.
func DecodeFrameHead(buf []byte) (uint32, error) {
	if len(buf) < FRAME_HEAD_SIZE {
		return 0, errFrameBufTooSmall
	}
	size := binary.LittleEndian.Uint32(buf)
	if size < MessageHeadSize {
		return size, errFrameInvalid
	}
	return size, nil
}

// EncodeFrame returns msg with its length prefix.
func EncodeFrame(msg *Message) []byte {
	buf := make([]byte, FRAME_HEAD_SIZE, FRAME_HEAD_SIZE+msg.EncodedLen())
	EncodeFrameHead(buf, uint32(msg.EncodedLen()))
	return msg.AppendEncode(buf)
}

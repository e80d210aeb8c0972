package net

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	msg := NewMessage(MsgUser+3, []byte("state delta"), WithKey("cell/7"), WithTag(42), WithConnID(9))
	buf := msg.Encode()
	require.Len(t, buf, MessageHeadSize+len("cell/7")+len("state delta"))
	assert.Equal(t, []byte{3, 1, 6, 0}, buf[:MessageHeadSize])

	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgUser+3, got.Type)
	assert.Equal(t, "cell/7", got.Key)
	assert.Equal(t, []byte("state delta"), got.Payload)
	// 本地元数据不上线
	assert.Zero(t, got.ConnID)
	assert.Zero(t, got.Tag)
}

func TestDecodeMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"short", []byte{1, 0, 0}},
		{"key overruns", []byte{0, 1, 9, 0, 'a'}},
		{"none", (&Message{Type: MsgNone}).Encode()},
		{"forged closed", (&Message{Type: MsgClosed}).Encode()},
		{"forged udp reset", (&Message{Type: MsgUdpReset}).Encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.buf)
			assert.Error(t, err)
		})
	}

	_, err := DecodeMessage((&Message{Type: MsgGroupJoin}).Encode())
	assert.NoError(t, err)

	long := &Message{Type: MsgUser, Key: string(make([]byte, MaxKeyLen+1))}
	assert.Error(t, long.Validate())
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "closed", MsgClosed.String())
	assert.Equal(t, "user(260)", (MsgUser + 4).String())
	assert.True(t, MsgConnectFailed.IsInternal())
	assert.False(t, MsgGroupRelay.IsInternal())
	assert.False(t, MsgUser.IsInternal())
}

func TestMessageOptions(t *testing.T) {
	cause := errors.New("refused")
	msg := NewMessage(MsgConnectFailed, nil, WithAddr("127.0.0.1:1"), WithErr(cause))
	assert.Equal(t, "127.0.0.1:1", msg.Addr)
	assert.Same(t, cause, msg.Err)
}

func TestFrameHead(t *testing.T) {
	frame := EncodeFrame(NewMessage(MsgUser, []byte{1, 2, 3}))
	size, err := DecodeFrameHead(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(MessageHeadSize+3), size)
	assert.Len(t, frame, FRAME_HEAD_SIZE+int(size))

	_, err = DecodeFrameHead([]byte{1, 0})
	assert.Error(t, err)

	buf := make([]byte, FRAME_HEAD_SIZE)
	EncodeFrameHead(buf, 2)
	_, err = DecodeFrameHead(buf)
	assert.Error(t, err)
}

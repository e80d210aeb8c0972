package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type inner struct {
	Name string
}

func (m *inner) AppendWire(b []byte) []byte {
	return AppendString(b, 1, m.Name)
}

func (m *inner) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return -1, nil
	}
	v, n, err := ConsumeBytes(typ, b)
	m.Name = string(v)
	return n, err
}

type outer struct {
	ID    uint64
	Ok    bool
	Blob  []byte
	Ids   []uint64
	Items []inner
}

func (m *outer) AppendWire(b []byte) []byte {
	b = AppendUint(b, 1, m.ID)
	b = AppendBool(b, 2, m.Ok)
	b = AppendBytes(b, 3, m.Blob)
	b = AppendPackedUint(b, 4, m.Ids)
	for i := range m.Items {
		b = AppendMessage(b, 5, &m.Items[i])
	}
	return b
}

func (m *outer) ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := ConsumeUint(typ, b)
		m.ID = v
		return n, err
	case 2:
		v, n, err := ConsumeUint(typ, b)
		m.Ok = v != 0
		return n, err
	case 3:
		v, n, err := ConsumeBytes(typ, b)
		m.Blob = append([]byte(nil), v...)
		return n, err
	case 4:
		var (
			n   int
			err error
		)
		m.Ids, n, err = ConsumePackedUint(typ, b, m.Ids)
		return n, err
	case 5:
		var it inner
		n, err := ConsumeMessage(typ, b, &it)
		m.Items = append(m.Items, it)
		return n, err
	}
	return -1, nil
}

func TestRoundTrip(t *testing.T) {
	in := &outer{
		ID:    300,
		Ok:    true,
		Blob:  []byte{1, 2, 3},
		Ids:   []uint64{1, 128, 70000},
		Items: []inner{{Name: "a"}, {}},
	}
	b, err := Encode(in, nil)
	require.NoError(t, err)

	var out outer
	require.NoError(t, Decode(&out, b))
	assert.Equal(t, in, &out)
}

func TestZeroValuesOmitted(t *testing.T) {
	b, err := Encode(&outer{}, nil)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, 10, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendUint(b, 1, 42)

	var out outer
	require.NoError(t, Decode(&out, b))
	assert.Equal(t, uint64(42), out.ID)
}

func TestUnpackedRepeatedAccepted(t *testing.T) {
	var b []byte
	for _, v := range []uint64{5, 6} {
		b = AppendUint(b, 4, v)
	}
	var out outer
	require.NoError(t, Decode(&out, b))
	assert.Equal(t, []uint64{5, 6}, out.Ids)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		err  error
	}{
		{"wrong wire type", protowire.AppendFixed64(protowire.AppendTag(nil, 1, protowire.Fixed64Type), 1), ErrWireType},
		{"short bytes", []byte{0x1a, 0x05, 0x01}, ErrTruncated},
		{"short varint", []byte{0x08, 0x80}, ErrTruncated},
		{"bad tag", []byte{0x80}, ErrTruncated},
		{"short unknown", []byte{0x4a, 0x09}, ErrTruncated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out outer
			assert.ErrorIs(t, Decode(&out, tc.in), tc.err)
		})
	}
}

type prefixCodec struct{ WireCodec }

func (c prefixCodec) Encode(m Message, b []byte) ([]byte, error) {
	return c.WireCodec.Encode(m, append(b, 0xff))
}

func TestSetCodec(t *testing.T) {
	defer SetCodec(WireCodec{})
	SetCodec(nil)
	b, _ := Encode(&outer{ID: 1}, nil)
	assert.Equal(t, []byte{0x08, 0x01}, b)

	SetCodec(prefixCodec{})
	b, _ = Encode(&outer{ID: 1}, nil)
	assert.Equal(t, []byte{0xff, 0x08, 0x01}, b)
}

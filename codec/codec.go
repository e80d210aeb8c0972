// Package codec encodes control message bodies in the protobuf wire format without
// generated code: each body appends its own fields and consumes them back one by one.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrWireType  = errors.New("unexpected wire type")
	ErrTruncated = errors.New("truncated field")
)

// Message is a body that knows its field numbers.
type Message interface {
	// AppendWire appends the encoded fields to b.
	AppendWire(b []byte) []byte
	// ConsumeField decodes one field and returns the bytes used, or -1 to skip it.
	ConsumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

// Codec encodes and decodes bodies.
type Codec interface {
	Encode(m Message, b []byte) ([]byte, error)
	Decode(m Message, b []byte) error
}

var _codec Codec = WireCodec{}

// Encode 打包.
func Encode(m Message, b []byte) ([]byte, error) {
	return _codec.Encode(m, b)
}

// Decode 解包.
func Decode(m Message, b []byte) error {
	return _codec.Decode(m, b)
}

// SetCodec 设置解码器.
func SetCodec(c Codec) {
	if c != nil {
		_codec = c
	}
}

// WireCodec is the protowire implementation.
type WireCodec struct{}

func (WireCodec) Encode(m Message, b []byte) ([]byte, error) {
	return m.AppendWire(b), nil
}

func (WireCodec) Decode(m Message, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := m.ConsumeField(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(used))
			}
		}
		b = b[used:]
	}
	return nil
}

func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendUint(b, num, 1)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendMessage appends m as a length delimited field, even when empty.
func AppendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}

// AppendPackedUint appends vs as one packed repeated field.
func AppendPackedUint(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func ConsumeUint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, ErrWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

// ConsumeBytes returns a slice of b, callers copy what they keep.
func ConsumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, ErrTruncated
	}
	return v, n, nil
}

// ConsumeMessage decodes an embedded message into m.
func ConsumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	v, n, err := ConsumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	return n, Decode(m, v)
}

// ConsumePackedUint accepts both packed and unpacked encodings and appends to dst.
func ConsumePackedUint(typ protowire.Type, b []byte, dst []uint64) ([]uint64, int, error) {
	if typ == protowire.VarintType {
		v, n, err := ConsumeUint(typ, b)
		return append(dst, v), n, err
	}
	packed, n, err := ConsumeBytes(typ, b)
	if err != nil {
		return dst, 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return dst, 0, ErrTruncated
		}
		dst = append(dst, v)
		packed = packed[m:]
	}
	return dst, n, nil
}

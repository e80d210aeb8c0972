package log

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"time"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// LogEvent accumulates one JSON log line. A nil *LogEvent is valid and ignores every call,
// which is what a logger hands out for a filtered level.
type LogEvent struct {
	buf    bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	e := &LogEvent{logger: logger}
	e.buf.Grow(256)
	return e
}

// Reset clears the buffer so the event can be reused from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendString(&e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	appendString(&e.buf, v)
	return e
}

// Strs adds a string array field.
func (e *LogEvent) Strs(k string, vs []string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		appendString(&e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

// Int adds an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int32 adds an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Uint16 adds a uint16 field.
func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint32 adds a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Float64 adds a float field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), v, 'f', -1, 64))
	return e
}

// Bool adds a boolean field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.Write(strconv.AppendBool(e.buf.AvailableBuffer(), v))
	return e
}

// Hex adds a byte slice as a hex string.
func (e *LogEvent) Hex(k string, v []byte) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.WriteString(hex.EncodeToString(v))
	e.buf.WriteByte('"')
	return e
}

// Dur adds a duration in milliseconds.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), float64(d)/float64(time.Millisecond), 'f', 3, 64))
	return e
}

// Time adds a timestamp formatted with millisecond precision.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Stringer adds the String() form of v.
func (e *LogEvent) Stringer(k string, v interface{ String() string }) *LogEvent {
	if e == nil {
		return e
	}
	if v == nil {
		return e.Str(k, "<nil>")
	}
	return e.Str(k, v.String())
}

// Err adds an "error" field. A nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Msg finishes the event with a message and hands it to the logger's appenders.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.Send()
}

// Send finishes the event without a message.
func (e *LogEvent) Send() {
	if e == nil {
		return
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf {
			i++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString(`\ufffd`)
				i++
				start = i
				continue
			}
			i += size
			continue
		}
		buf.WriteString(s[start:i])
		switch c {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xf])
		}
		i++
		start = i
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}

package net

// MsgOption sets local metadata on a Message.
type MsgOption func(*Message)

// WithConnID records the connection the message belongs to.
func WithConnID(id uint64) MsgOption {
	return func(m *Message) {
		m.ConnID = id
	}
}

// WithKey sets the context key.
func WithKey(key string) MsgOption {
	return func(m *Message) {
		m.Key = key
	}
}

// WithTag records the peer tag.
func WithTag(tag uint32) MsgOption {
	return func(m *Message) {
		m.Tag = tag
	}
}

// WithAddr records the remote address, e.g. the target of a failed connect.
func WithAddr(addr string) MsgOption {
	return func(m *Message) {
		m.Addr = addr
	}
}

// WithErr attaches the cause of a failure notification.
func WithErr(err error) MsgOption {
	return func(m *Message) {
		m.Err = err
	}
}

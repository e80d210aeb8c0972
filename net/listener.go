package net

// MessageListener receives notifications and inbound messages. Components call it only
// from their owning loop goroutine.
type MessageListener interface {
	Notify(msg *Message)
}

// ListenerFunc adapts a function to MessageListener.
type ListenerFunc func(msg *Message)

func (f ListenerFunc) Notify(msg *Message) {
	f(msg)
}

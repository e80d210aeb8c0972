package net

// IoAgent owns a Socket and receives its completions. Callbacks run on IoService workers
// and must stay short: update state, issue the next operation or queue work for a loop.
type IoAgent interface {
	Handle() *Socket
	RequestSend(b *IoBlock) error
	RequestRecv(b *IoBlock) error
	OnSendCompleted(b *IoBlock)
	OnRecvCompleted(b *IoBlock)
	OnIoError(b *IoBlock, err error)
}

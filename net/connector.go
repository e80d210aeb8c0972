package net

import (
	"context"
	"time"
)

// Connector serves a FIFO of connect requests on one goroutine. Each request ends in
// exactly one result callback, with a socket on success. A failed attempt is not retried.
type Connector struct {
	reqs     *Queue[string]
	pacer    *ConnectPacer
	timeout  func() time.Duration
	onResult func(addr string, sock *Socket, err error)
}

func NewConnector(pacer *ConnectPacer, timeout func() time.Duration, onResult func(addr string, sock *Socket, err error)) *Connector {
	if pacer == nil {
		pacer = NewConnectPacer(0)
	}
	if timeout == nil {
		timeout = func() time.Duration { return 0 }
	}
	return &Connector{
		reqs:     NewQueue[string](),
		pacer:    pacer,
		timeout:  timeout,
		onResult: onResult,
	}
}

// Connect queues a request.
func (c *Connector) Connect(addr string) {
	c.reqs.Push(addr)
}

// Serve dials queued addresses until ctx is done. Requests still queued then fail with
// the context error.
func (c *Connector) Serve(ctx context.Context) {
	defer c.failPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reqs.Signal():
		}
		for {
			if ctx.Err() != nil {
				return
			}
			addr, ok := c.reqs.Pop()
			if !ok {
				break
			}
			c.dial(ctx, addr)
		}
	}
}

func (c *Connector) dial(ctx context.Context, addr string) {
	c.pacer.Take()

	dctx := ctx
	if d := c.timeout(); d > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sock := NewSocket(SockTCP)
	if err := sock.Connect(dctx, addr); err != nil {
		_ = sock.Close()
		c.onResult(addr, nil, err)
		return
	}
	c.onResult(addr, sock, nil)
}

func (c *Connector) failPending(ctx context.Context) {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	for _, addr := range c.reqs.Drain(nil) {
		c.onResult(addr, nil, err)
	}
}

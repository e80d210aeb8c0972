package net

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
)

// Acceptor owns one listening socket and blocks in Accept on its own goroutine. Cancelling
// the context passed to Serve closes the listener, which unblocks Accept.
type Acceptor struct {
	addr     string
	sock     *Socket
	onAccept func(*Socket)
}

func NewAcceptor(addr string, onAccept func(*Socket)) *Acceptor {
	return &Acceptor{addr: addr, onAccept: onAccept}
}

// Open binds and listens.
func (a *Acceptor) Open() error {
	sock := NewSocket(SockTCP)
	if err := sock.Bind(a.addr); err != nil {
		return err
	}
	if err := sock.Listen(); err != nil {
		_ = sock.Close()
		return err
	}
	a.sock = sock
	return nil
}

// Addr is the address actually listened on, useful with port 0.
func (a *Acceptor) Addr() netip.AddrPort {
	if a.sock == nil {
		return netip.AddrPort{}
	}
	return a.sock.LocalAddr()
}

// Serve accepts until ctx is done or the listener fails for good.
func (a *Acceptor) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = a.sock.Close()
	})
	defer stop()

	for {
		sock, err := a.sock.Accept()
		if err != nil {
			if ctx.Err() != nil || a.sock.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.IncrCounterWithGroup("net.tcp", "accept_error_total", 1)
			log.Error().Str("addr", a.addr).Err(err).Msg("accept failed")
			// e.g. EMFILE, back off instead of spinning
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		a.onAccept(sock)
	}
}

func (a *Acceptor) Close() error {
	if a.sock == nil {
		return nil
	}
	return a.sock.Close()
}

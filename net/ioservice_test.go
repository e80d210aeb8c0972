package net

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanAgent 把完成回调转成 channel 事件
type chanAgent struct {
	sock   *Socket
	recv   chan []byte
	sent   chan int
	errs   chan error
	mu     sync.Mutex
	panics bool
}

func newChanAgent(sock *Socket) *chanAgent {
	return &chanAgent{
		sock: sock,
		recv: make(chan []byte, 16),
		sent: make(chan int, 16),
		errs: make(chan error, 16),
	}
}

func (a *chanAgent) Handle() *Socket                { return a.sock }
func (a *chanAgent) RequestSend(b *IoBlock) error { return a.sock.AsyncSend(b) }
func (a *chanAgent) RequestRecv(b *IoBlock) error { return a.sock.AsyncRecv(b) }
func (a *chanAgent) OnSendCompleted(b *IoBlock)   { a.sent <- b.Transferred }
func (a *chanAgent) OnIoError(b *IoBlock, err error) {
	a.errs <- err
}

func (a *chanAgent) OnRecvCompleted(b *IoBlock) {
	a.mu.Lock()
	p := a.panics
	a.mu.Unlock()
	if p {
		panic("callback failure")
	}
	a.recv <- append([]byte(nil), b.Data()...)
}

func startService(t *testing.T, workers int) *IoService {
	t.Helper()
	svc := NewIoService(&IoServiceCfg{Workers: workers, QueueSize: 64})
	require.NoError(t, svc.Init())
	t.Cleanup(svc.Fini)
	return svc
}

func TestIoServiceCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultIoServiceCfg().Validate())
	assert.Error(t, (&IoServiceCfg{Workers: -1, QueueSize: 1}).Validate())
	assert.Error(t, (&IoServiceCfg{Workers: MaxIoWorkers + 1, QueueSize: 1}).Validate())
	assert.Error(t, (&IoServiceCfg{QueueSize: 0}).Validate())
	assert.Equal(t, "io_service", DefaultIoServiceCfg().GetName())
}

func TestIoServiceWorkers(t *testing.T) {
	svc := startService(t, 3)
	assert.Equal(t, 3, svc.Workers())
	assert.Error(t, svc.Init())

	auto := startService(t, 0)
	assert.Greater(t, auto.Workers(), 0)
	assert.LessOrEqual(t, auto.Workers(), MaxIoWorkers)
}

func TestIoServiceRecvSendCompletion(t *testing.T) {
	svc := startService(t, 2)
	cli, srv := tcpPair(t)

	srvAgent := newChanAgent(srv)
	cliAgent := newChanAgent(cli)
	require.NoError(t, svc.BindIo(srvAgent))
	require.NoError(t, svc.BindIo(cliAgent))

	rb := &IoBlock{Buf: make([]byte, 32)}
	require.NoError(t, svc.BeginRecv(srvAgent, rb))
	// 同方向只能有一个未完成操作
	assert.ErrorIs(t, svc.BeginRecv(srvAgent, &IoBlock{Buf: make([]byte, 8)}), ErrOpPending)

	require.NoError(t, svc.BeginSend(cliAgent, &IoBlock{Buf: []byte("hello")}))

	select {
	case n := <-cliAgent.sent:
		assert.Equal(t, 5, n)
	case <-time.After(2 * time.Second):
		t.Fatal("send completion missing")
	}
	select {
	case data := <-srvAgent.recv:
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, OpRead, rb.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("recv completion missing")
	}

	// 回调之后可以再次发起读
	require.NoError(t, svc.BeginRecv(srvAgent, rb))
	require.NoError(t, cli.Close())
	select {
	case err := <-srvAgent.errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("error completion missing")
	}
}

func TestIoServiceUDPCompletion(t *testing.T) {
	svc := startService(t, 1)
	a := NewSocket(SockUDP)
	require.NoError(t, a.Bind("127.0.0.1:0"))
	defer a.Close()
	b := NewSocket(SockUDP)
	require.NoError(t, b.Bind("127.0.0.1:0"))
	defer b.Close()

	agent := &udpChanAgent{chanAgent: newChanAgent(b), from: make(chan *IoBlock, 1)}
	require.NoError(t, svc.BindIo(agent))
	require.NoError(t, svc.BeginRecv(agent, &IoBlock{Buf: make([]byte, 64)}))

	_, err := a.SendTo([]byte("dgram"), b.LocalAddr())
	require.NoError(t, err)

	select {
	case blk := <-agent.from:
		assert.Equal(t, "dgram", string(blk.Data()))
		assert.Equal(t, a.LocalAddr(), blk.Remote)
	case <-time.After(2 * time.Second):
		t.Fatal("recvfrom completion missing")
	}
}

type udpChanAgent struct {
	*chanAgent
	from chan *IoBlock
}

func (a *udpChanAgent) RequestRecv(b *IoBlock) error { return a.sock.AsyncRecvFrom(b) }
func (a *udpChanAgent) RequestSend(b *IoBlock) error { return a.sock.AsyncSendTo(b) }
func (a *udpChanAgent) OnRecvCompleted(b *IoBlock)   { a.from <- b }

func TestIoServiceRecoversCallbackPanic(t *testing.T) {
	svc := startService(t, 1)
	cli, srv := tcpPair(t)
	agent := newChanAgent(srv)
	agent.panics = true
	require.NoError(t, svc.BindIo(agent))

	require.NoError(t, svc.BeginRecv(agent, &IoBlock{Buf: make([]byte, 8)}))
	_, err := cli.Send([]byte("boom"))
	require.NoError(t, err)

	// 工作协程在 panic 之后仍然可用
	require.Eventually(t, func() bool {
		return svc.BeginRecv(agent, &IoBlock{Buf: make([]byte, 8)}) == nil
	}, 2*time.Second, 10*time.Millisecond)
	agent.mu.Lock()
	agent.panics = false
	agent.mu.Unlock()
	_, err = cli.Send([]byte("ok"))
	require.NoError(t, err)
	select {
	case data := <-agent.recv:
		assert.Equal(t, "ok", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestIoServiceStopped(t *testing.T) {
	svc := NewIoService(nil)
	cli, _ := tcpPair(t)
	agent := newChanAgent(cli)
	require.NoError(t, svc.BindIo(agent))

	err := svc.BeginRecv(agent, &IoBlock{Buf: make([]byte, 8)})
	assert.True(t, errors.Is(err, ErrServiceStopped))

	svc.Fini()
}

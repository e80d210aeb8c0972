package net

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*Message
}

func (s *recordingSink) Notify(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) ofType(t MsgType) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestCommunicator(t *testing.T, cfg *TCPCommunicatorCfg) (*TCPCommunicator, *recordingSink) {
	t.Helper()
	svc := startService(t, 2)
	sink := &recordingSink{}
	comm := NewTCPCommunicator(cfg, svc, sink)
	require.NoError(t, comm.Start())
	t.Cleanup(comm.Stop)
	return comm, sink
}

// waitFor 反复调用 Run 直到条件满足
func waitFor(t *testing.T, cond func() bool, comms ...*TCPCommunicator) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range comms {
			c.Run()
		}
		return cond()
	}, 3*time.Second, 5*time.Millisecond)
}

func listenCfg() *TCPCommunicatorCfg {
	cfg := DefaultTCPCommunicatorCfg()
	cfg.ListenAddrs = []string{"127.0.0.1:0"}
	return cfg
}

func TestTCPCommunicatorCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultTCPCommunicatorCfg().Validate())
	bad := DefaultTCPCommunicatorCfg()
	bad.MaxFrameSize = 2
	assert.Error(t, bad.Validate())
	bad = DefaultTCPCommunicatorCfg()
	bad.ListenAddrs = []string{""}
	assert.Error(t, bad.Validate())
	bad = DefaultTCPCommunicatorCfg()
	bad.RecvLimit = -1
	assert.Error(t, bad.Validate())
}

func TestConnectFailureReportsOnce(t *testing.T) {
	comm, sink := newTestCommunicator(t, DefaultTCPCommunicatorCfg())

	require.NoError(t, comm.Connect("127.0.0.1:1"))
	waitFor(t, func() bool { return len(sink.ofType(MsgConnectFailed)) == 1 }, comm)

	failed := sink.ofType(MsgConnectFailed)[0]
	assert.Equal(t, "127.0.0.1:1", failed.Addr)
	assert.Error(t, failed.Err)
	assert.Zero(t, comm.ConnCount())

	// 不会自动重试
	time.Sleep(50 * time.Millisecond)
	comm.Run()
	assert.Len(t, sink.ofType(MsgConnectFailed), 1)
	assert.Empty(t, sink.ofType(MsgConnected))
}

func TestConnectAcceptExchangeClose(t *testing.T) {
	server, serverSink := newTestCommunicator(t, listenCfg())
	client, clientSink := newTestCommunicator(t, DefaultTCPCommunicatorCfg())

	addrs := server.ListenAddrs()
	require.Len(t, addrs, 1)
	require.NoError(t, client.Connect(addrs[0].String()))

	waitFor(t, func() bool {
		return len(clientSink.ofType(MsgConnected)) == 1 && len(serverSink.ofType(MsgAccepted)) == 1
	}, server, client)

	connected := clientSink.ofType(MsgConnected)[0]
	accepted := serverSink.ofType(MsgAccepted)[0]
	assert.Equal(t, addrs[0].String(), connected.Addr)
	assert.NotZero(t, connected.ConnID)
	assert.NotZero(t, accepted.ConnID)

	peer, ok := server.PeerAddr(accepted.ConnID)
	require.True(t, ok)
	local, ok := client.LocalAddr(connected.ConnID)
	require.True(t, ok)
	assert.Equal(t, local, peer)

	for i := 0; i < 20; i++ {
		require.NoError(t, client.Send(connected.ConnID, NewMessage(MsgUser, []byte(fmt.Sprintf("m%d", i)), WithKey(fmt.Sprintf("k%d", i)))))
	}
	waitFor(t, func() bool { return len(serverSink.ofType(MsgUser)) == 20 }, server, client)
	for i, m := range serverSink.ofType(MsgUser) {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Payload))
		assert.Equal(t, fmt.Sprintf("k%d", i), m.Key)
		assert.Equal(t, accepted.ConnID, m.ConnID)
	}

	require.NoError(t, server.Close(accepted.ConnID))
	// 在 Run 处理之前与之后重复关闭都不产生新的通知
	require.NoError(t, server.Close(accepted.ConnID))
	assert.ErrorIs(t, server.Close(999), ErrConnNotFound)
	assert.ErrorIs(t, server.Close(0), ErrConnNotFound)
	waitFor(t, func() bool {
		return len(serverSink.ofType(MsgClosed)) == 1 && len(clientSink.ofType(MsgClosed)) == 1
	}, server, client)
	require.NoError(t, server.Close(accepted.ConnID))
	server.Run()
	assert.Len(t, serverSink.ofType(MsgClosed), 1)

	assert.Equal(t, accepted.ConnID, serverSink.ofType(MsgClosed)[0].ConnID)
	assert.ErrorIs(t, client.Send(connected.ConnID, NewMessage(MsgUser, nil)), ErrConnNotFound)
	assert.Zero(t, server.ConnCount())
}

func TestConnIDsAreUnique(t *testing.T) {
	server, serverSink := newTestCommunicator(t, listenCfg())
	client, clientSink := newTestCommunicator(t, DefaultTCPCommunicatorCfg())
	addr := server.ListenAddrs()[0].String()

	for i := 0; i < 5; i++ {
		require.NoError(t, client.Connect(addr))
	}
	waitFor(t, func() bool { return len(clientSink.ofType(MsgConnected)) == 5 }, server, client)
	for _, m := range clientSink.ofType(MsgConnected) {
		require.NoError(t, client.Close(m.ConnID))
	}
	waitFor(t, func() bool { return len(serverSink.ofType(MsgClosed)) == 5 }, server, client)

	require.NoError(t, client.Connect(addr))
	waitFor(t, func() bool { return len(serverSink.ofType(MsgAccepted)) == 6 }, server, client)

	seen := map[uint64]bool{}
	for _, m := range serverSink.ofType(MsgAccepted) {
		assert.False(t, seen[m.ConnID], "id %d reused", m.ConnID)
		seen[m.ConnID] = true
	}
}

func TestForgedLifecycleMessageDropped(t *testing.T) {
	server, serverSink := newTestCommunicator(t, listenCfg())

	raw := NewSocket(SockTCP)
	require.NoError(t, raw.Connect(t.Context(), server.ListenAddrs()[0].String()))
	defer raw.Close()

	forged := make([]byte, FRAME_HEAD_SIZE, 32)
	EncodeFrameHead(forged, MessageHeadSize)
	forged = (&Message{Type: MsgClosed}).AppendEncode(forged)
	_, err := raw.Send(forged)
	require.NoError(t, err)
	_, err = raw.Send(EncodeFrame(NewMessage(MsgUser+1, []byte("real"))))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(serverSink.ofType(MsgUser+1)) == 1 }, server)
	assert.Empty(t, serverSink.ofType(MsgClosed))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := listenCfg()
	cfg.MaxFrameSize = 64
	server, serverSink := newTestCommunicator(t, cfg)

	raw := NewSocket(SockTCP)
	require.NoError(t, raw.Connect(t.Context(), server.ListenAddrs()[0].String()))
	defer raw.Close()

	head := make([]byte, FRAME_HEAD_SIZE)
	EncodeFrameHead(head, 1000)
	_, err := raw.Send(head)
	require.NoError(t, err)

	waitFor(t, func() bool { return len(serverSink.ofType(MsgClosed)) == 1 }, server)
	assert.ErrorIs(t, serverSink.ofType(MsgClosed)[0].Err, ErrFrameTooLarge)
}

func TestStopEmitsClosedForOpenConnections(t *testing.T) {
	svc := startService(t, 2)
	serverSink := &recordingSink{}
	server := NewTCPCommunicator(listenCfg(), svc, serverSink)
	require.NoError(t, server.Start())
	client, _ := newTestCommunicator(t, DefaultTCPCommunicatorCfg())

	require.NoError(t, client.Connect(server.ListenAddrs()[0].String()))
	require.NoError(t, client.Connect(server.ListenAddrs()[0].String()))
	waitFor(t, func() bool { return len(serverSink.ofType(MsgAccepted)) == 2 }, server, client)

	server.Stop()
	assert.Len(t, serverSink.ofType(MsgClosed), 2)
	assert.False(t, server.IsRunning())
	assert.ErrorIs(t, server.Connect("127.0.0.1:1"), ErrNotRunning)
	// 再次 Stop 无副作用
	server.Stop()
}

func TestStartFailsOnBadAddress(t *testing.T) {
	svc := startService(t, 1)
	taken, _ := newTestCommunicator(t, listenCfg())

	cfg := DefaultTCPCommunicatorCfg()
	cfg.ListenAddrs = []string{"127.0.0.1:0", taken.ListenAddrs()[0].String()}
	comm := NewTCPCommunicator(cfg, svc, &recordingSink{})
	assert.Error(t, comm.Start())
	assert.False(t, comm.IsRunning())
	assert.Empty(t, comm.ListenAddrs())
}

func TestRecvLimitHotReload(t *testing.T) {
	cfg := listenCfg()
	cfg.RecvLimit = 1
	cfg.RecvBurst = 1
	server, serverSink := newTestCommunicator(t, cfg)
	client, clientSink := newTestCommunicator(t, DefaultTCPCommunicatorCfg())

	require.NoError(t, client.Connect(server.ListenAddrs()[0].String()))
	waitFor(t, func() bool { return len(clientSink.ofType(MsgConnected)) == 1 }, server, client)
	id := clientSink.ofType(MsgConnected)[0].ConnID

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(id, NewMessage(MsgUser, []byte{byte(i)})))
	}
	waitFor(t, func() bool { return len(serverSink.ofType(MsgUser)) >= 1 }, server, client)
	time.Sleep(50 * time.Millisecond)
	server.Run()
	assert.Less(t, len(serverSink.ofType(MsgUser)), 10)

	unlimited := listenCfg()
	require.NoError(t, server.OnConfigChanged("tcp_communicator", unlimited, cfg))
	before := len(serverSink.ofType(MsgUser))
	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(id, NewMessage(MsgUser, []byte{byte(i)})))
	}
	waitFor(t, func() bool { return len(serverSink.ofType(MsgUser)) == before+10 }, server, client)
}

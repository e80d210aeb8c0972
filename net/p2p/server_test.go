package p2p

import (
	"sync"
	"testing"
	"time"

	mnet "github.com/lcx/meshnet/net"
	"github.com/lcx/meshnet/net/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu   sync.Mutex
	msgs []*mnet.Message
}

func (s *sink) Notify(msg *mnet.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *sink) ofType(t mnet.MsgType) []*mnet.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mnet.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// joinListing 返回第一个列出成员的 join 消息体
func (s *sink) joinListing(t *testing.T) (JoinBody, bool) {
	for _, m := range s.ofType(mnet.MsgGroupJoin) {
		var body JoinBody
		require.NoError(t, DecodeBody(m, &body))
		if len(body.Members) > 0 {
			return body, true
		}
	}
	return JoinBody{}, false
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func testIoCfg() *mnet.IoServiceCfg {
	return &mnet.IoServiceCfg{Workers: 2, QueueSize: 1024}
}

func startServer(t *testing.T, opts ...Option) (*Server, *sink) {
	t.Helper()
	tcpCfg := mnet.DefaultTCPCommunicatorCfg()
	tcpCfg.ListenAddrs = []string{"127.0.0.1:0"}
	out := &sink{}
	s, err := NewServer(nil, out, append([]Option{WithTCPConfig(tcpCfg), WithIoServiceCfg(testIoCfg())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	require.Len(t, s.ListenAddrs(), 1)
	return s, out
}

func newTestClient(t *testing.T, server *Server, udpAddr string, opts ...Option) (*Client, *sink, error) {
	t.Helper()
	cfg := DefaultClientCfg()
	cfg.ServerAddr = server.ListenAddrs()[0]
	cfg.UdpAddr = udpAddr
	out := &sink{}
	c, err := NewClient(cfg, out, append([]Option{WithIoServiceCfg(testIoCfg())}, opts...)...)
	require.NoError(t, err)
	if err := c.Start(); err != nil {
		return nil, nil, err
	}
	t.Cleanup(c.Stop)
	return c, out, nil
}

// startClient 启动客户端并返回服务端看到的连接 id
func startClient(t *testing.T, server *Server, serverSink *sink, udpAddr string, opts ...Option) (*Client, *sink, uint64) {
	t.Helper()
	before := len(serverSink.ofType(mnet.MsgAccepted))
	c, out, err := newTestClient(t, server, udpAddr, opts...)
	require.NoError(t, err)
	eventually(t, func() bool {
		return len(serverSink.ofType(mnet.MsgAccepted)) == before+1 && c.ServerConn() != 0
	})
	return c, out, serverSink.ofType(mnet.MsgAccepted)[before].ConnID
}

func userMessages(s *sink) []*mnet.Message {
	return s.ofType(mnet.MsgUser)
}

func TestServerClientGroupLifecycle(t *testing.T) {
	server, serverSink := startServer(t)
	alice, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0")
	bob, bobSink, bobConn := startClient(t, server, serverSink, "127.0.0.1:0")
	require.NotEqual(t, aliceConn, bobConn)

	gid, err := server.CreateUdpGroup(0)
	require.NoError(t, err)
	require.NoError(t, server.JoinUdpGroup(gid, aliceConn, []byte("alice")))
	require.NoError(t, server.JoinUdpGroup(gid, bobConn, []byte("bob")))

	// 每个客户端都收到只含对方的 join
	eventually(t, func() bool {
		_, a := aliceSink.joinListing(t)
		_, b := bobSink.joinListing(t)
		return a && b
	})
	aliceView, _ := aliceSink.joinListing(t)
	require.Len(t, aliceView.Members, 1)
	assert.Equal(t, gid, aliceView.GroupID)
	assert.Equal(t, TagOf(bobConn), aliceView.Members[0].Tag)
	assert.Equal(t, bob.UdpAddr(), aliceView.Members[0].External)
	assert.Equal(t, []byte("bob"), aliceView.Members[0].Extra)

	bobView, _ := bobSink.joinListing(t)
	require.Len(t, bobView.Members, 1)
	assert.Equal(t, TagOf(aliceConn), bobView.Members[0].Tag)
	assert.Equal(t, alice.UdpAddr(), bobView.Members[0].External)

	assert.Equal(t, TagOf(aliceConn), alice.Tag())
	assert.Equal(t, gid, bob.GroupID())
	eventually(t, func() bool { return len(serverSink.ofType(mnet.MsgGroupJoin)) == 2 })

	// 打洞成功后走 UDP 直连
	eventually(t, func() bool {
		return alice.Connected(bob.Tag()) && bob.Connected(alice.Tag())
	})
	assert.NotEmpty(t, aliceSink.ofType(mnet.MsgUdpConnected))

	require.NoError(t, alice.SendTo(bob.Tag(), mnet.NewMessage(mnet.MsgUser, []byte("hello"), mnet.WithKey("chat")), udp.ReliableOrdered))
	require.NoError(t, bob.Broadcast(mnet.NewMessage(mnet.MsgUser, []byte("hi all")), udp.Reliable))
	eventually(t, func() bool {
		return len(userMessages(bobSink)) == 1 && len(userMessages(aliceSink)) == 1
	})
	got := userMessages(bobSink)[0]
	assert.Equal(t, "chat", got.Key)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.Equal(t, alice.Tag(), got.Tag)
	assert.Equal(t, []byte("hi all"), userMessages(aliceSink)[0].Payload)

	// bob 离开, alice 收到一次 leave
	require.NoError(t, server.LeaveUdpGroup(gid, bobConn))
	eventually(t, func() bool {
		return len(aliceSink.ofType(mnet.MsgGroupLeave)) == 1 && bob.GroupID() == 0
	})
	assert.Empty(t, alice.Members())
	assert.False(t, alice.Connected(bob.Tag()))
	require.NoError(t, server.LeaveUdpGroup(gid, bobConn))

	require.NoError(t, server.DestroyUdpGroup(gid))
	eventually(t, func() bool {
		return len(aliceSink.ofType(mnet.MsgGroupDestroy)) == 1 && alice.GroupID() == 0
	})
	require.NoError(t, server.DestroyUdpGroup(gid))
	eventually(t, func() bool { return len(serverSink.ofType(mnet.MsgGroupDestroy)) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, serverSink.ofType(mnet.MsgGroupLeave), 1)
	assert.Len(t, serverSink.ofType(mnet.MsgGroupDestroy), 1)
	assert.Len(t, aliceSink.ofType(mnet.MsgGroupLeave), 1)
}

func TestServerRelaysWithoutDirectPath(t *testing.T) {
	server, serverSink := startServer(t)
	alice, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0")

	// IPv6 端点与 IPv4 端点之间无法直连
	before := len(serverSink.ofType(mnet.MsgAccepted))
	bob, bobSink, err := newTestClient(t, server, "[::1]:0")
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	eventually(t, func() bool { return len(serverSink.ofType(mnet.MsgAccepted)) == before+1 })
	bobConn := serverSink.ofType(mnet.MsgAccepted)[before].ConnID

	gid, err := server.CreateUdpGroup(0)
	require.NoError(t, err)
	require.NoError(t, server.JoinUdpGroup(gid, aliceConn, nil))
	require.NoError(t, server.JoinUdpGroup(gid, bobConn, nil))
	eventually(t, func() bool { return len(alice.Members()) == 1 && len(bob.Members()) == 1 })

	require.NoError(t, alice.SendTo(bob.Tag(), mnet.NewMessage(mnet.MsgUser+1, []byte("via server")), udp.Reliable))
	require.NoError(t, bob.SendTo(alice.Tag(), mnet.NewMessage(mnet.MsgUser+1, []byte("back")), udp.Lossy))
	eventually(t, func() bool {
		return len(bobSink.ofType(mnet.MsgUser+1)) == 1 && len(aliceSink.ofType(mnet.MsgUser+1)) == 1
	})
	got := bobSink.ofType(mnet.MsgUser + 1)[0]
	assert.Equal(t, []byte("via server"), got.Payload)
	assert.Equal(t, alice.Tag(), got.Tag)
	assert.False(t, alice.Connected(bob.Tag()))
	assert.Empty(t, bobSink.ofType(mnet.MsgGroupRelay))

	// 超过中继上限的消息被丢弃
	require.NoError(t, alice.SendTo(bob.Tag(), mnet.NewMessage(mnet.MsgUser+2, make([]byte, MaxRelayPayload)), udp.Reliable))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, bobSink.ofType(mnet.MsgUser+2))
}

func TestServerChallenge(t *testing.T) {
	serverCiphers := NewCipherRegistry()
	require.NoError(t, serverCiphers.RegisterHMAC(1, []byte("shared")))
	server, serverSink := startServer(t, WithCipherRegistry(serverCiphers))

	good := NewCipherRegistry()
	require.NoError(t, good.RegisterHMAC(1, []byte("shared")))
	bad := NewCipherRegistry()
	require.NoError(t, bad.RegisterHMAC(1, []byte("guessed")))
	_, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0", WithCipherRegistry(good))
	_, malloySink, malloyConn := startClient(t, server, serverSink, "127.0.0.1:0", WithCipherRegistry(bad))

	_, err := server.CreateUdpGroup(2)
	assert.ErrorIs(t, err, ErrNoCipher)
	gid, err := server.CreateUdpGroup(1)
	require.NoError(t, err)
	require.NoError(t, server.JoinUdpGroup(gid, aliceConn, nil))
	require.NoError(t, server.JoinUdpGroup(gid, malloyConn, nil))

	eventually(t, func() bool { return len(aliceSink.ofType(mnet.MsgGroupJoin)) == 1 })
	eventually(t, func() bool { return len(malloySink.ofType(mnet.MsgGroupPrepare)) == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, malloySink.ofType(mnet.MsgGroupJoin))
	joins := serverSink.ofType(mnet.MsgGroupJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, aliceConn, joins[0].ConnID)
}

func TestServerClosedConnectionLeavesGroup(t *testing.T) {
	server, serverSink := startServer(t)
	alice, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0")
	bob, _, bobConn := startClient(t, server, serverSink, "127.0.0.1:0")

	gid, err := server.CreateUdpGroup(0)
	require.NoError(t, err)
	require.NoError(t, server.JoinUdpGroup(gid, aliceConn, nil))
	require.NoError(t, server.JoinUdpGroup(gid, bobConn, nil))
	eventually(t, func() bool { return len(alice.Members()) == 1 })

	bobTag := bob.Tag()
	bob.Stop()
	eventually(t, func() bool {
		return len(aliceSink.ofType(mnet.MsgGroupLeave)) == 1 && len(alice.Members()) == 0
	})
	var body LeaveBody
	require.NoError(t, DecodeBody(aliceSink.ofType(mnet.MsgGroupLeave)[0], &body))
	assert.Equal(t, []uint32{bobTag}, body.Tags)
	assert.NotEmpty(t, serverSink.ofType(mnet.MsgClosed))
}

func TestServerNotRunning(t *testing.T) {
	s, err := NewServer(nil, nil)
	require.NoError(t, err)
	_, err = s.CreateUdpGroup(0)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, s.JoinUdpGroup(1, 1, nil), ErrNotRunning)
	assert.ErrorIs(t, s.Send(1, mnet.NewMessage(mnet.MsgUser, nil)), ErrNotRunning)
	s.Stop()

	_, err = NewServer(&ServerCfg{}, nil)
	assert.Error(t, err)
	_, err = NewClient(&ClientCfg{UdpAddr: "127.0.0.1:0", TickMs: 10}, nil)
	assert.Error(t, err)
}

func TestServerForwardsUserMessages(t *testing.T) {
	server, serverSink := startServer(t)
	alice, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0")

	require.NoError(t, alice.Send(mnet.NewMessage(mnet.MsgUser, []byte("up"))))
	eventually(t, func() bool { return len(serverSink.ofType(mnet.MsgUser)) == 1 })
	assert.Equal(t, aliceConn, serverSink.ofType(mnet.MsgUser)[0].ConnID)

	require.NoError(t, server.Send(aliceConn, mnet.NewMessage(mnet.MsgUser, []byte("down"))))
	eventually(t, func() bool { return len(aliceSink.ofType(mnet.MsgUser)) == 1 })
	assert.Equal(t, []byte("down"), aliceSink.ofType(mnet.MsgUser)[0].Payload)

	// 客户端伪造的组控制消息被服务端丢弃
	require.NoError(t, alice.Send(mnet.NewMessage(mnet.MsgGroupJoin, nil)))
	assert.Error(t, alice.Send(mnet.NewMessage(mnet.MsgConnected, nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, serverSink.ofType(mnet.MsgGroupJoin))
}

func TestInboundFilters(t *testing.T) {
	server, serverSink := startServer(t, WithFilters(mnet.DropKeys("secret")))
	var seen []string
	var mu sync.Mutex
	audit := func(msg *mnet.Message, next mnet.MessageHandler) error {
		mu.Lock()
		seen = append(seen, msg.Key)
		mu.Unlock()
		return next(msg)
	}
	alice, aliceSink, aliceConn := startClient(t, server, serverSink, "127.0.0.1:0", WithFilters(audit, mnet.DropTypes(mnet.MsgUser+9)))

	require.NoError(t, alice.Send(mnet.NewMessage(mnet.MsgUser, nil, mnet.WithKey("secret"))))
	require.NoError(t, alice.Send(mnet.NewMessage(mnet.MsgUser, nil, mnet.WithKey("open"))))
	eventually(t, func() bool { return len(serverSink.ofType(mnet.MsgUser)) == 1 })
	assert.Equal(t, "open", serverSink.ofType(mnet.MsgUser)[0].Key)

	require.NoError(t, server.Send(aliceConn, mnet.NewMessage(mnet.MsgUser+9, nil, mnet.WithKey("hidden"))))
	require.NoError(t, server.Send(aliceConn, mnet.NewMessage(mnet.MsgUser, nil, mnet.WithKey("shown"))))
	eventually(t, func() bool { return len(aliceSink.ofType(mnet.MsgUser)) == 1 })
	assert.Empty(t, aliceSink.ofType(mnet.MsgUser+9))
	mu.Lock()
	assert.Equal(t, []string{"hidden", "shown"}, seen)
	mu.Unlock()
}

func TestCreateUdpGroupReservesCapacity(t *testing.T) {
	tcpCfg := mnet.DefaultTCPCommunicatorCfg()
	tcpCfg.ListenAddrs = []string{"127.0.0.1:0"}
	cfg := DefaultServerCfg()
	cfg.MaxGroups = 2
	s, err := NewServer(cfg, nil, WithTCPConfig(tcpCfg), WithIoServiceCfg(testIoCfg()))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	// 并发创建只有上限数量的请求成功, 不依赖循环是否已经处理
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []uint64
		refused int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.CreateUdpGroup(0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrTooManyGroups)
				refused++
				return
			}
			created = append(created, id)
		}()
	}
	wg.Wait()
	require.Len(t, created, 2)
	assert.Equal(t, 14, refused)

	// 不支持的安全级别不占用名额
	_, err = s.CreateUdpGroup(3)
	assert.ErrorIs(t, err, ErrNoCipher)

	require.NoError(t, s.DestroyUdpGroup(created[0]))
	eventually(t, func() bool {
		id, err := s.CreateUdpGroup(0)
		return err == nil && id != 0
	})
	_, err = s.CreateUdpGroup(0)
	assert.ErrorIs(t, err, ErrTooManyGroups)
}

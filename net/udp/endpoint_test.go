package udp

import (
	"fmt"
	"testing"
	"time"

	mnet "github.com/lcx/meshnet/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T) *mnet.IoService {
	t.Helper()
	svc := mnet.NewIoService(&mnet.IoServiceCfg{Workers: 2, QueueSize: 256})
	require.NoError(t, svc.Init())
	t.Cleanup(svc.Fini)
	return svc
}

func newEndpoint(t *testing.T, svc *mnet.IoService) *Endpoint {
	t.Helper()
	e, err := NewEndpoint(svc, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEndpointSendRecv(t *testing.T) {
	svc := startService(t)
	a := newEndpoint(t, svc)
	b := newEndpoint(t, svc)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.SendTo(b.LocalAddr(), []byte(fmt.Sprintf("d%d", i))))
	}

	var got []Datagram
	require.Eventually(t, func() bool {
		got = b.Inbound().Drain(got)
		return len(got) == 10
	}, 3*time.Second, 5*time.Millisecond)
	for _, d := range got {
		assert.Equal(t, a.LocalAddr(), d.Addr)
	}
}

// 两个通道经由真实 UDP 套接字打洞并可靠传输
func TestEndpointDrivesChannel(t *testing.T) {
	svc := startService(t)
	ea := newEndpoint(t, svc)
	eb := newEndpoint(t, svc)

	ra, rb := &recorder{}, &recorder{}
	ca := NewChannel(nil, 1, ra, ea.Output)
	cb := NewChannel(nil, 2, rb, eb.Output)
	require.NoError(t, ca.AddPeer(2, eb.LocalAddr()))
	require.NoError(t, cb.AddPeer(1, ea.LocalAddr()))

	step := func() {
		now := time.Now()
		for _, d := range ea.Inbound().Drain(nil) {
			ca.Input(d.Addr, d.Data, now)
		}
		for _, d := range eb.Inbound().Drain(nil) {
			cb.Input(d.Addr, d.Data, now)
		}
		ca.Update(now)
		cb.Update(now)
	}
	require.Eventually(t, func() bool {
		step()
		return ca.Connected(2) && cb.Connected(1)
	}, 3*time.Second, 10*time.Millisecond)

	payload := make([]byte, 3*MaxSegmentSize)
	payload[len(payload)-1] = 7
	require.NoError(t, ca.Send(2, payload, ReliableOrdered, time.Now()))
	require.NoError(t, ca.Send(2, []byte("tail"), ReliableOrdered, time.Now()))
	require.Eventually(t, func() bool {
		step()
		return len(rb.delivered) == 2 && ca.Pending(2) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, rb.delivered[0])
	assert.Equal(t, "tail", string(rb.delivered[1]))
}

func TestEndpointClose(t *testing.T) {
	svc := startService(t)
	e := newEndpoint(t, svc)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.SendTo(e.LocalAddr(), []byte("x")), ErrEndpointClosed)
}

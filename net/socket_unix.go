//go:build unix

package net

import (
	"errors"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// rawResult maps EAGAIN to ErrWouldBlock.
func rawResult(n int, err error) (int, error) {
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// The callbacks below return true so RawConn never parks on the poller: one attempt, then
// report whatever the kernel said.

func rawRead(c syscall.Conn, b []byte) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n     int
		opErr error
	)
	if err := rc.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), b)
		return true
	}); err != nil {
		return 0, err
	}
	return rawResult(n, opErr)
}

func rawWrite(c syscall.Conn, b []byte) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n     int
		opErr error
	)
	if err := rc.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), b)
		return true
	}); err != nil {
		return 0, err
	}
	return rawResult(n, opErr)
}

func rawRecvFrom(c *net.UDPConn, b []byte) (int, netip.AddrPort, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	var (
		n     int
		from  unix.Sockaddr
		opErr error
	)
	if err := rc.Read(func(fd uintptr) bool {
		n, from, opErr = unix.Recvfrom(int(fd), b, 0)
		return true
	}); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, err = rawResult(n, opErr)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, sockaddrToAddrPort(from), nil
}

func rawSendTo(c *net.UDPConn, b []byte, to netip.AddrPort) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	local, _ := c.LocalAddr().(*net.UDPAddr)
	v4Socket := local != nil && local.AddrPort().Addr().Is4()
	sa, err := addrPortToSockaddr(to, v4Socket)
	if err != nil {
		return 0, err
	}
	var opErr error
	if err := rc.Write(func(fd uintptr) bool {
		opErr = unix.Sendto(int(fd), b, 0, sa)
		return true
	}); err != nil {
		return 0, err
	}
	if _, err := rawResult(0, opErr); err != nil {
		return 0, err
	}
	return len(b), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

func addrPortToSockaddr(ap netip.AddrPort, v4Socket bool) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	if v4Socket {
		if !addr.Is4() {
			return nil, syscall.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}
	// dual stack socket, IPv4 targets go out as v4-mapped
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
}

//go:build !unix

package net

import (
	"net"
	"net/netip"
	"syscall"
)

// Platforms without x/sys/unix get the blocking calls; ErrWouldBlock is never returned.

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

func rawRead(c net.Conn, b []byte) (int, error) {
	return c.Read(b)
}

func rawWrite(c net.Conn, b []byte) (int, error) {
	return c.Write(b)
}

func rawRecvFrom(c *net.UDPConn, b []byte) (int, netip.AddrPort, error) {
	return c.ReadFromUDPAddrPort(b)
}

func rawSendTo(c *net.UDPConn, b []byte, to netip.AddrPort) (int, error) {
	return c.WriteToUDPAddrPort(b, to)
}

package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var errAddrEncoding = errors.New("invalid address encoding")

// ParseAddress parses "ip:port" or "host:port". Host names are resolved.
func ParseAddress(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return unmap(ap), nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return unmap(tcpAddr.AddrPort()), nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// AppendAddr appends the binary form: family byte (4 or 6), address bytes, port big endian.
// An invalid address encodes as a single zero byte.
func AppendAddr(dst []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		a := addr.As4()
		dst = append(dst, 4)
		dst = append(dst, a[:]...)
	case addr.Is6():
		a := addr.As16()
		dst = append(dst, 6)
		dst = append(dst, a[:]...)
	default:
		return append(dst, 0)
	}
	return binary.BigEndian.AppendUint16(dst, ap.Port())
}

// DecodeAddr reads an address written by AppendAddr and returns the bytes consumed.
func DecodeAddr(buf []byte) (netip.AddrPort, int, error) {
	if len(buf) == 0 {
		return netip.AddrPort{}, 0, errAddrEncoding
	}
	var size int
	switch buf[0] {
	case 0:
		return netip.AddrPort{}, 1, nil
	case 4:
		size = 4
	case 6:
		size = 16
	default:
		return netip.AddrPort{}, 0, errAddrEncoding
	}
	if len(buf) < 1+size+2 {
		return netip.AddrPort{}, 0, errAddrEncoding
	}
	addr, _ := netip.AddrFromSlice(buf[1 : 1+size])
	port := binary.BigEndian.Uint16(buf[1+size:])
	return netip.AddrPortFrom(addr, port), 1 + size + 2, nil
}

package net

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:7000", "127.0.0.1:7000", false},
		{"[::1]:80", "[::1]:80", false},
		{"[::ffff:10.0.0.1]:9", "10.0.0.1:9", false},
		{"127.0.0.1:65536", "", true},
		{"127.0.0.1", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want != "" {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}

func TestAddrEncoding(t *testing.T) {
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("192.168.1.20:40000"),
		netip.MustParseAddrPort("[2001:db8::1]:443"),
		{},
	}
	var buf []byte
	for _, a := range addrs {
		buf = AppendAddr(buf, a)
	}

	for _, want := range addrs {
		got, n, err := DecodeAddr(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		buf = buf[n:]
	}
	assert.Empty(t, buf)

	_, _, err := DecodeAddr([]byte{4, 1, 2})
	assert.Error(t, err)
	_, _, err = DecodeAddr([]byte{9})
	assert.Error(t, err)
}

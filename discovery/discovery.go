// Package discovery publishes server listen addresses and resolves them for clients.
package discovery

import (
	"context"
	"errors"
	"net/netip"
)

var ErrNoInstance = errors.New("no healthy service instance")

// Registrar registers endpoints under a service name and looks them up.
type Registrar interface {
	// Register publishes addr and returns the registration id.
	Register(ctx context.Context, service string, addr netip.AddrPort) (string, error)
	Deregister(ctx context.Context, id string) error
	// Resolve lists healthy addresses of service.
	Resolve(ctx context.Context, service string) ([]netip.AddrPort, error)
}

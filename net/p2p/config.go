package p2p

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/discovery"
	mnet "github.com/lcx/meshnet/net"
	"github.com/lcx/meshnet/net/udp"
)

type ServerCfg struct {
	// TickMs is the longest the loop sleeps without events.
	TickMs int `mapstructure:"tickMs"`
	// ServiceName publishes the listen addresses through the registrar when set.
	ServiceName string `mapstructure:"serviceName"`
	MaxGroups   int    `mapstructure:"maxGroups"`
}

func (c *ServerCfg) GetName() string {
	return "p2p_server"
}

func (c *ServerCfg) Validate() error {
	if c.TickMs <= 0 {
		return errors.New("tickMs must be positive")
	}
	if c.MaxGroups <= 0 {
		return errors.New("maxGroups must be positive")
	}
	return nil
}

func DefaultServerCfg() *ServerCfg {
	return &ServerCfg{TickMs: 10, MaxGroups: 4096}
}

type ClientCfg struct {
	// ServerAddr is dialled directly; when empty ServiceName is resolved instead.
	ServerAddr  string `mapstructure:"serverAddr"`
	ServiceName string `mapstructure:"serviceName"`
	UdpAddr     string `mapstructure:"udpAddr"`
	// AdvertiseAddr overrides the internal address reported to the server.
	AdvertiseAddr string `mapstructure:"advertiseAddr"`
	TickMs        int    `mapstructure:"tickMs"`
}

func (c *ClientCfg) GetName() string {
	return "p2p_client"
}

func (c *ClientCfg) Validate() error {
	if c.ServerAddr == "" && c.ServiceName == "" {
		return errors.New("serverAddr or serviceName is required")
	}
	if c.UdpAddr == "" {
		return errors.New("udpAddr cannot be empty")
	}
	if c.TickMs <= 0 {
		return errors.New("tickMs must be positive")
	}
	return nil
}

func DefaultClientCfg() *ClientCfg {
	return &ClientCfg{UdpAddr: "0.0.0.0:0", TickMs: 10}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

type options struct {
	ioCfg     *mnet.IoServiceCfg
	tcpCfg    *mnet.TCPCommunicatorCfg
	udpCfg    *udp.Config
	ciphers   *CipherRegistry
	registrar discovery.Registrar
	cm        config.ConfigManager
	filters   mnet.FilterChain
}

// Option customizes a Server or Client.
type Option func(*options)

func WithIoServiceCfg(cfg *mnet.IoServiceCfg) Option {
	return func(o *options) {
		o.ioCfg = cfg
	}
}

func WithTCPConfig(cfg *mnet.TCPCommunicatorCfg) Option {
	return func(o *options) {
		o.tcpCfg = cfg
	}
}

// WithUDPConfig sets the segment protocol parameters of a Client.
func WithUDPConfig(cfg *udp.Config) Option {
	return func(o *options) {
		o.udpCfg = cfg
	}
}

func WithCipherRegistry(reg *CipherRegistry) Option {
	return func(o *options) {
		o.ciphers = reg
	}
}

// WithRegistrar publishes (server) or resolves (client) addresses through reg.
func WithRegistrar(reg discovery.Registrar) Option {
	return func(o *options) {
		o.registrar = reg
	}
}

// WithFilters runs application messages through filters before the listener sees them.
func WithFilters(filters ...mnet.MessageFilter) Option {
	return func(o *options) {
		o.filters = append(o.filters, filters...)
	}
}

// WithConfigManager loads component sections not given explicitly and follows reloads.
func WithConfigManager(cm config.ConfigManager) Option {
	return func(o *options) {
		o.cm = cm
	}
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.ciphers == nil {
		o.ciphers = NewCipherRegistry()
	}
	if o.cm == nil {
		if o.ioCfg == nil {
			o.ioCfg = mnet.DefaultIoServiceCfg()
		}
		if o.tcpCfg == nil {
			o.tcpCfg = mnet.DefaultTCPCommunicatorCfg()
		}
		if o.udpCfg == nil {
			o.udpCfg = udp.DefaultConfig()
		}
		return o, nil
	}
	if o.ioCfg == nil {
		o.ioCfg = mnet.DefaultIoServiceCfg()
		if err := o.cm.LoadConfig(o.ioCfg.GetName(), o.ioCfg); err != nil {
			return nil, fmt.Errorf("failed to load io_service config: %w", err)
		}
	}
	if o.tcpCfg == nil {
		o.tcpCfg = mnet.DefaultTCPCommunicatorCfg()
		if err := o.cm.LoadConfig(o.tcpCfg.GetName(), o.tcpCfg); err != nil {
			return nil, fmt.Errorf("failed to load tcp_communicator config: %w", err)
		}
	}
	if o.udpCfg == nil {
		cfg, err := udp.LoadConfig(o.cm)
		if err != nil {
			return nil, err
		}
		o.udpCfg = cfg
	}
	return o, nil
}

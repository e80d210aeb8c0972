package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
)

type ConsulCfg struct {
	Address           string   `mapstructure:"address"`
	Scheme            string   `mapstructure:"scheme"`
	Token             string   `mapstructure:"token"`
	Datacenter        string   `mapstructure:"datacenter"`
	Tags              []string `mapstructure:"tags"`
	CheckIntervalMs   int      `mapstructure:"checkIntervalMs"`
	CheckTimeoutMs    int      `mapstructure:"checkTimeoutMs"`
	DeregisterAfterMs int      `mapstructure:"deregisterAfterMs"`
}

func (c *ConsulCfg) GetName() string {
	return "consul"
}

func (c *ConsulCfg) Validate() error {
	if c.Address == "" {
		return errors.New("consul address cannot be empty")
	}
	if c.CheckIntervalMs <= 0 || c.CheckTimeoutMs <= 0 || c.DeregisterAfterMs <= 0 {
		return errors.New("consul check timings must be positive")
	}
	return nil
}

func DefaultConsulCfg() *ConsulCfg {
	return &ConsulCfg{
		Address:           "127.0.0.1:8500",
		Scheme:            "http",
		CheckIntervalMs:   5000,
		CheckTimeoutMs:    1000,
		DeregisterAfterMs: 60000,
	}
}

func duration(v int) string {
	return (time.Duration(v) * time.Millisecond).String()
}

var _ Registrar = (*ConsulRegistry)(nil)

// ConsulRegistry is a Registrar on the consul agent API. Registered endpoints carry a
// TCP health check against the published address.
type ConsulRegistry struct {
	cfg    *ConsulCfg
	client *api.Client
}

func NewConsulRegistry(cfg *ConsulCfg) (*ConsulRegistry, error) {
	if cfg == nil {
		cfg = DefaultConsulCfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	apiCfg.Token = cfg.Token
	apiCfg.Datacenter = cfg.Datacenter
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulRegistry{cfg: cfg, client: client}, nil
}

// NewConsulRegistryWithConfigManager loads the "consul" section.
func NewConsulRegistryWithConfigManager(cm config.ConfigManager) (*ConsulRegistry, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultConsulCfg()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load consul config: %w", err)
	}
	return NewConsulRegistry(cfg)
}

func registrationID(service string, addr netip.AddrPort) string {
	r := strings.NewReplacer(":", "-", "[", "", "]", "")
	return service + "-" + r.Replace(addr.String())
}

func (r *ConsulRegistry) Register(ctx context.Context, service string, addr netip.AddrPort) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := registrationID(service, addr)
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    service,
		Address: addr.Addr().String(),
		Port:    int(addr.Port()),
		Tags:    r.cfg.Tags,
		Check: &api.AgentServiceCheck{
			TCP:                            addr.String(),
			Interval:                       duration(r.cfg.CheckIntervalMs),
			Timeout:                        duration(r.cfg.CheckTimeoutMs),
			DeregisterCriticalServiceAfter: duration(r.cfg.DeregisterAfterMs),
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		metrics.IncrCounterWithDimGroup("discovery", "register_error_total", 1, metrics.Dimension{"service": service})
		return "", fmt.Errorf("consul register %s: %w", id, err)
	}
	log.Info().Str("id", id).Str("service", service).Str("addr", addr.String()).Msg("service registered")
	return id, nil
}

func (r *ConsulRegistry) Deregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	log.Info().Str("id", id).Msg("service deregistered")
	return nil
}

func (r *ConsulRegistry) Resolve(ctx context.Context, service string) ([]netip.AddrPort, error) {
	q := (&api.QueryOptions{Datacenter: r.cfg.Datacenter}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(service, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("consul resolve %s: %w", service, err)
	}
	addrs := make([]netip.AddrPort, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		host := entry.Service.Address
		if host == "" && entry.Node != nil {
			host = entry.Node.Address
		}
		ip, err := netip.ParseAddr(host)
		if err != nil || entry.Service.Port <= 0 || entry.Service.Port > 0xffff {
			log.Warn().Str("service", service).Str("host", host).Int("port", entry.Service.Port).Msg("skip unparsable instance")
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), uint16(entry.Service.Port)))
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstance, service)
	}
	return addrs, nil
}

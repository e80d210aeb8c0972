package udp

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/meshnet/config"
)

type Config struct {
	// MaxSegmentSize is the payload bytes per segment, at most MaxSegmentSize.
	MaxSegmentSize      int `mapstructure:"maxSegmentSize"`
	RetransmitTimeoutMs int `mapstructure:"retransmitTimeoutMs"`
	// MaxTransmissions is the send ceiling per block before the peer is failed.
	MaxTransmissions int `mapstructure:"maxTransmissions"`
	// MaxAckRequests bounds how often a held block is listed in an EAK.
	MaxAckRequests int `mapstructure:"maxAckRequests"`
	MaxEakCount    int `mapstructure:"maxEakCount"`
	// MaxSendWindow bounds unacked reliable segments per peer.
	MaxSendWindow int `mapstructure:"maxSendWindow"`
	// MaxRecvWindow bounds how far ahead of the cumulative ack a segment is buffered.
	MaxRecvWindow     int `mapstructure:"maxRecvWindow"`
	ProbeIntervalMs   int `mapstructure:"probeIntervalMs"`
	MaxProbes         int `mapstructure:"maxProbes"`
	ReprobeIntervalMs int `mapstructure:"reprobeIntervalMs"`
	KeepaliveMs       int `mapstructure:"keepaliveMs"`
	PeerTimeoutMs     int `mapstructure:"peerTimeoutMs"`
}

func (c *Config) GetName() string {
	return "udp_channel"
}

func (c *Config) Validate() error {
	if c.MaxSegmentSize <= 0 || c.MaxSegmentSize > MaxSegmentSize {
		return fmt.Errorf("maxSegmentSize must be between 1 and %d", MaxSegmentSize)
	}
	if c.MaxEakCount <= 0 || c.MaxEakCount > MaxEakCount {
		return fmt.Errorf("maxEakCount must be between 1 and %d", MaxEakCount)
	}
	if c.RetransmitTimeoutMs <= 0 || c.ProbeIntervalMs <= 0 || c.KeepaliveMs <= 0 {
		return errors.New("timers must be positive")
	}
	if c.MaxTransmissions <= 0 || c.MaxProbes <= 0 || c.MaxAckRequests <= 0 {
		return errors.New("retry ceilings must be positive")
	}
	if c.MaxSendWindow <= 0 || c.MaxRecvWindow <= 0 {
		return errors.New("windows must be positive")
	}
	if c.PeerTimeoutMs <= c.KeepaliveMs {
		return errors.New("peerTimeoutMs must exceed keepaliveMs")
	}
	if c.ReprobeIntervalMs < 0 {
		return errors.New("reprobeIntervalMs cannot be negative")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		MaxSegmentSize:      MaxSegmentSize,
		RetransmitTimeoutMs: 200,
		MaxTransmissions:    8,
		MaxAckRequests:      3,
		MaxEakCount:         64,
		MaxSendWindow:       1024,
		MaxRecvWindow:       256,
		ProbeIntervalMs:     100,
		MaxProbes:           50,
		ReprobeIntervalMs:   5000,
		KeepaliveMs:         1000,
		PeerTimeoutMs:       10000,
	}
}

// LoadConfig reads "udp_channel" over the defaults.
func LoadConfig(cm config.ConfigManager) (*Config, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultConfig()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load udp_channel config: %w", err)
	}
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

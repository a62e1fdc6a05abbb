package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// config types : block size, timeouts for dial/handshake/read/write, request timeout,
// pipeline depth (request backlog per peer), peer limits, redial limits and dial pacing.

type Config struct {
	BlockSize          int           `mapstructure:"block_size"`
	MaxBlockSize       int           `mapstructure:"max_block_size"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxIdleTimeouts    int           `mapstructure:"max_idle_timeouts"`
	KeepAliveInterval  time.Duration `mapstructure:"keep_alive_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxRequestTimeouts int           `mapstructure:"max_request_timeouts"`
	MaxHashFailures    int           `mapstructure:"max_hash_failures"`
	MaxConnectFailures int           `mapstructure:"max_connect_failures"`
	PipelineDepth      int           `mapstructure:"pipeline_depth"`
	ScheduleInterval   time.Duration `mapstructure:"schedule_interval"`
	TrackerTimeout     time.Duration `mapstructure:"tracker_timeout"`
	ReannounceInterval time.Duration `mapstructure:"reannounce_interval"`
	MaxPeers           int           `mapstructure:"max_peers"`
	DialRate           float64       `mapstructure:"dial_rate"`
	DialBurst          int           `mapstructure:"dial_burst"`
	ListenPort         uint16        `mapstructure:"listen_port"`
}

func Default() *Config {

	return &Config{
		BlockSize:          16 * 1024,
		MaxBlockSize:       128 * 1024,
		DialTimeout:        5 * time.Second,
		HandshakeTimeout:   15 * time.Second,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       15 * time.Second,
		MaxIdleTimeouts:    5,
		KeepAliveInterval:  90 * time.Second,
		RequestTimeout:     30 * time.Second,
		MaxRequestTimeouts: 3,
		MaxHashFailures:    2,
		MaxConnectFailures: 3,
		PipelineDepth:      5,
		ScheduleInterval:   time.Second,
		TrackerTimeout:     30 * time.Second,
		ReannounceInterval: 0,
		MaxPeers:           50,
		DialRate:           10,
		DialBurst:          5,
		ListenPort:         6881,
	}

}

// FromMap returns the defaults overridden by the keys present in m.
// Durations may be given as strings ("30s") and numbers may be strings.
func FromMap(m map[string]any) (*Config, error) {
	cfg := Default()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	positive := map[string]int{
		"block_size":           c.BlockSize,
		"max_block_size":       c.MaxBlockSize,
		"max_idle_timeouts":    c.MaxIdleTimeouts,
		"max_request_timeouts": c.MaxRequestTimeouts,
		"max_hash_failures":    c.MaxHashFailures,
		"max_connect_failures": c.MaxConnectFailures,
		"pipeline_depth":       c.PipelineDepth,
		"max_peers":            c.MaxPeers,
		"dial_burst":           c.DialBurst,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config %s must be positive, got %d", name, v)
		}
	}

	durations := map[string]time.Duration{
		"dial_timeout":        c.DialTimeout,
		"handshake_timeout":   c.HandshakeTimeout,
		"read_timeout":        c.ReadTimeout,
		"write_timeout":       c.WriteTimeout,
		"keep_alive_interval": c.KeepAliveInterval,
		"request_timeout":     c.RequestTimeout,
		"schedule_interval":   c.ScheduleInterval,
		"tracker_timeout":     c.TrackerTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config %s must be positive, got %s", name, d)
		}
	}

	if c.ReannounceInterval < 0 {
		return fmt.Errorf("config reannounce_interval cannot be negative")
	}
	if c.DialRate <= 0 {
		return fmt.Errorf("config dial_rate must be positive, got %v", c.DialRate)
	}
	if c.BlockSize > c.MaxBlockSize {
		return fmt.Errorf("config block_size %d exceeds max_block_size %d", c.BlockSize, c.MaxBlockSize)
	}
	return nil
}

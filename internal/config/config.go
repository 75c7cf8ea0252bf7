// Package config loads the relay's runtime configuration from a YAML file
// and lets CLI flags (bound by cmd/srt-relay) override individual fields
// before Validate is called. A UDP relay carries more tunables (MTU,
// buffer sizing, cookie secret) than fit comfortably as flags alone, so
// the file layer backs the flags rather than replacing them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of relay tunables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	MTU             uint32        `yaml:"mtu"`
	FlowWindowSize  uint32        `yaml:"flow_window_size"`
	LatencyMs       uint16        `yaml:"latency_ms"`
	ExpectedPPS     int           `yaml:"expected_pps"`
	MaxConnections  int           `yaml:"max_connections"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	CookieSecret string `yaml:"cookie_secret"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration before file/flag overrides.
func Default() Config {
	return Config{
		ListenAddr:      ":9000",
		MetricsAddr:     ":9090",
		MTU:             1500,
		FlowWindowSize:  8192,
		LatencyMs:       120,
		ExpectedPPS:     1000,
		MaxConnections:  4096,
		KeepAlive:       1 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}

// Load reads path as YAML over Default(), returning the merged Config.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// Validate rejects a Config that would make the server misbehave at
// startup rather than fail confusingly at runtime.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.MTU < 76 {
		return fmt.Errorf("config: mtu %d is smaller than the minimum SRT header+payload", c.MTU)
	}
	if c.LatencyMs == 0 {
		return fmt.Errorf("config: latency_ms must be positive")
	}
	if c.ExpectedPPS <= 0 {
		return fmt.Errorf("config: expected_pps must be positive")
	}
	if c.CookieSecret == "" {
		return fmt.Errorf("config: cookie_secret is required")
	}
	return nil
}

// SendBufferCapacity computes latency_ms * expected_pps / 1000, the number
// of packets one connection carries within the latency budget. The server
// uses it only to size the UDP socket buffers; each connection's send and
// receive rings have a fixed 8192 slots.
func (c Config) SendBufferCapacity() int {
	return int(c.LatencyMs) * c.ExpectedPPS / 1000
}

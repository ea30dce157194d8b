// Package config loads the tunnel client's YAML configuration: kites,
// relay selection, outbound proxy, backend target, webroot, tunnel
// timing, local listener, dynamic DNS, metrics, and device throttling.
//
// Grounded on github.com/reverseproxy's internal/agent/config.go: struct
// defaults set before yaml.Unmarshal, then required-field validation
// returning plain fmt.Errorf, using gopkg.in/yaml.v3 throughout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration schema.
type Config struct {
	Kites   []KiteConfig  `yaml:"kites"`
	Relay   RelayConfig   `yaml:"relay"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Backend BackendConfig `yaml:"backend"`
	Webroot string        `yaml:"webroot"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Local   LocalConfig   `yaml:"local_listen"`
	DDNS    DDNSConfig    `yaml:"ddns"`
	Metrics MetricsConfig `yaml:"metrics"`
	Device  DeviceConfig  `yaml:"device"`
}

type KiteConfig struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
	Proto  string `yaml:"proto"`
}

type RelayConfig struct {
	FrontEnd  string   `yaml:"front_end"`
	Port      int      `yaml:"port"`
	Preferred []string `yaml:"preferred"`
}

type ProxyConfig struct {
	URL string `yaml:"url"`
}

type BackendConfig struct {
	TargetURL string `yaml:"target_url"`
}

type TunnelConfig struct {
	MinCheckInterval     time.Duration `yaml:"min_check_interval"`
	MaxCheckInterval     time.Duration `yaml:"max_check_interval"`
	TunnelTimeout        time.Duration `yaml:"tunnel_timeout"`
	SocketConnectTimeout time.Duration `yaml:"socket_connect_timeout"`
	SocketDataTimeout    time.Duration `yaml:"socket_data_timeout"`
	TickInterval         time.Duration `yaml:"tick_interval"`
}

type LocalConfig struct {
	Addr string `yaml:"addr"`
}

type DDNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DeviceConfig struct {
	SendWindowBytes int           `yaml:"send_window_bytes"`
	MSDelayPerByte  time.Duration `yaml:"ms_delay_per_byte"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// defaults returns a Config pre-populated with the same constants
// upagekite's __init__.py hardcodes (relay front end, tunnel timing,
// send window).
func defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			FrontEnd: "fe4_100.b5p.us",
			Port:     443,
		},
		Backend: BackendConfig{TargetURL: "http://127.0.0.1:8080"},
		Webroot: "./webroot",
		Tunnel: TunnelConfig{
			MinCheckInterval:     15 * time.Second,
			MaxCheckInterval:     120 * time.Second,
			TunnelTimeout:        240 * time.Second,
			SocketConnectTimeout: 5 * time.Second,
			SocketDataTimeout:    60 * time.Second,
			TickInterval:         25 * time.Second,
		},
		DDNS: DDNSConfig{Enabled: true, URL: "http://up.pagekite.net/"},
		Device: DeviceConfig{
			SendWindowBytes: 113 * 1024,
		},
	}
}

// Load reads and parses the config file at path. If the two positional
// CLI arguments (kiteName, kiteSecret) are non-empty they are merged in
// as a proto:"http" kite, matching the KITENAME KITESECRET shorthand on
// the command line.
func Load(path, kiteNameArg, kiteSecretArg string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if kiteNameArg != "" && kiteSecretArg != "" {
		cfg.Kites = append(cfg.Kites, KiteConfig{Name: kiteNameArg, Secret: kiteSecretArg, Proto: "http"})
	}

	for i := range cfg.Kites {
		if cfg.Kites[i].Proto == "" {
			cfg.Kites[i].Proto = "http"
		}
	}

	if len(cfg.Kites) == 0 {
		return nil, fmt.Errorf("no kites configured: supply kites: in the config file or KITENAME KITESECRET arguments")
	}
	for _, k := range cfg.Kites {
		if k.Name == "" || k.Secret == "" {
			return nil, fmt.Errorf("kite entries require name and secret")
		}
	}

	return cfg, nil
}

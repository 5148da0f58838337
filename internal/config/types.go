// Package config handles tunnel client configuration loading, saving, and validation.
package config

import (
	"net/netip"
	"time"
)

// Config represents the main configuration structure.
type Config struct {
	Version    int              `yaml:"version"`
	Engine     Engine           `yaml:"engine"`
	Helper     Helper           `yaml:"helper"`
	Interface  Interface        `yaml:"interface"`
	DNS        DNS              `yaml:"dns"`
	Routing    Routing          `yaml:"routing"`
	KillSwitch KillSwitchConfig `yaml:"killswitch"`
	Tunnel     Tunnel           `yaml:"tunnel"`
	Log        Log              `yaml:"log"`
}

// Engine configures the proxy engine process.
type Engine struct {
	Binary       string   `yaml:"binary"`
	AssetsDir    string   `yaml:"assets_dir,omitempty"` // passed as XRAY_LOCATION_ASSET
	ConfigPath   string   `yaml:"config_path,omitempty"`
	ProcessName  string   `yaml:"process_name"`
	NoiseFilters []string `yaml:"noise_filters,omitempty"` // stdout lines containing these are dropped
}

// Helper configures the tunnel helper that creates the virtual interface.
type Helper struct {
	Binary      string `yaml:"binary"`
	ProcessName string `yaml:"process_name"`
	LogLevel    string `yaml:"log_level"`
}

// Interface configuration for the tunnel adapter.
type Interface struct {
	Name               string `yaml:"name"`
	Address            string `yaml:"address"`
	Netmask            string `yaml:"netmask"`
	Gateway            string `yaml:"gateway"`
	ReadinessTimeoutMs int    `yaml:"readiness_timeout_ms"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	SettleDelayMs      int    `yaml:"settle_delay_ms"`
}

// DNS configuration.
type DNS struct {
	Servers  []string `yaml:"servers,omitempty"` // empty uses Fallback
	Fallback []string `yaml:"fallback"`
}

// Routing configuration for the server bypass route.
type Routing struct {
	BypassMetric      int      `yaml:"bypass_metric"`
	StaleGateways     []string `yaml:"stale_gateways"`     // tunnel next hops cleaned up before start
	ExcludeInterfaces []string `yaml:"exclude_interfaces"` // name fragments skipped by gateway detection
}

// KillSwitchConfig represents kill switch configuration.
type KillSwitchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	RulePrefix string   `yaml:"rule_prefix"`
	LANRanges  []string `yaml:"lan_ranges"`
}

// Tunnel holds per-session defaults.
type Tunnel struct {
	ProxyPort int `yaml:"proxy_port"`
}

// Log configuration.
type Log struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Engine: Engine{
			Binary:       defaultEngineBinary(),
			ProcessName:  defaultEngineBinary(),
			NoiseFilters: []string{"socks-in -> direct", "127.0.0.1:0"},
		},
		Helper: Helper{
			Binary:      defaultHelperBinary(),
			ProcessName: defaultHelperBinary(),
			LogLevel:    "info",
		},
		Interface: Interface{
			Name:               "tun0",
			Address:            "10.0.0.2",
			Netmask:            "255.255.255.0",
			Gateway:            "10.0.0.1",
			ReadinessTimeoutMs: 5000,
			PollIntervalMs:     200,
			SettleDelayMs:      1000,
		},
		DNS: DNS{
			Fallback: []string{"1.1.1.1", "1.0.0.1"},
		},
		Routing: Routing{
			BypassMetric:      5,
			StaleGateways:     []string{"10.0.0.1", "10.4.2.1"},
			ExcludeInterfaces: []string{"tun", "TAP", "V-Nexus"},
		},
		KillSwitch: KillSwitchConfig{
			Enabled:    false,
			RulePrefix: "V-Nexus_KS",
			LANRanges:  []string{"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12", "127.0.0.1"},
		},
		Tunnel: Tunnel{
			ProxyPort: 10808,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// ReadinessTimeout returns how long to wait for the interface to appear.
func (i *Interface) ReadinessTimeout() time.Duration {
	return time.Duration(i.ReadinessTimeoutMs) * time.Millisecond
}

// PollInterval returns the delay between readiness probes.
func (i *Interface) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// SettleDelay returns the pause between readiness and configuration.
func (i *Interface) SettleDelay() time.Duration {
	return time.Duration(i.SettleDelayMs) * time.Millisecond
}

// Addrs returns the parsed interface address, netmask and gateway.
func (i *Interface) Addrs() (ip, mask, gw netip.Addr, err error) {
	if ip, err = netip.ParseAddr(i.Address); err != nil {
		return
	}
	if mask, err = netip.ParseAddr(i.Netmask); err != nil {
		return
	}
	gw, err = netip.ParseAddr(i.Gateway)
	return
}

// Gateways parses StaleGateways.
func (r *Routing) Gateways() ([]netip.Addr, error) {
	return parseAddrs(r.StaleGateways)
}

// Prefixes parses LANRanges; plain addresses become host prefixes.
func (k *KillSwitchConfig) Prefixes() ([]netip.Prefix, error) {
	return parsePrefixes(k.LANRanges)
}

// FallbackServers parses the DNS fallback list.
func (d *DNS) FallbackServers() ([]netip.Addr, error) {
	return parseAddrs(d.Fallback)
}

package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("invalid config version")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if err := c.Helper.Validate(); err != nil {
		return fmt.Errorf("helper config: %w", err)
	}
	if err := c.Interface.Validate(); err != nil {
		return fmt.Errorf("interface config: %w", err)
	}
	if err := c.DNS.Validate(); err != nil {
		return fmt.Errorf("dns config: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	if err := c.KillSwitch.Validate(); err != nil {
		return fmt.Errorf("killswitch config: %w", err)
	}
	if c.Tunnel.ProxyPort < 1 || c.Tunnel.ProxyPort > 65535 {
		return fmt.Errorf("tunnel config: proxy_port must be between 1 and 65535")
	}
	return nil
}

// Validate validates engine configuration.
func (e *Engine) Validate() error {
	if e.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if e.ProcessName == "" {
		return fmt.Errorf("process_name is required")
	}
	return nil
}

// Validate validates helper configuration.
func (h *Helper) Validate() error {
	if h.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if h.ProcessName == "" {
		return fmt.Errorf("process_name is required")
	}
	switch h.LogLevel {
	case "debug", "info", "warning", "error", "silent":
	default:
		return fmt.Errorf("invalid log_level: %s", h.LogLevel)
	}
	return nil
}

// Validate validates interface configuration.
func (i *Interface) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("name is required")
	}
	ip, mask, gw, err := i.Addrs()
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if !ip.Is4() || !mask.Is4() || !gw.Is4() {
		return fmt.Errorf("address, netmask and gateway must be IPv4")
	}
	subnet, ok := netipx.FromStdIPNet(&net.IPNet{IP: ip.AsSlice(), Mask: net.IPMask(mask.AsSlice())})
	if !ok {
		return fmt.Errorf("invalid netmask: %s", i.Netmask)
	}
	if !subnet.Contains(gw) {
		return fmt.Errorf("gateway %s is outside %s", gw, subnet)
	}
	if i.ReadinessTimeoutMs <= 0 {
		return fmt.Errorf("readiness_timeout_ms must be positive")
	}
	if i.PollIntervalMs <= 0 || i.PollIntervalMs > i.ReadinessTimeoutMs {
		return fmt.Errorf("poll_interval_ms must be positive and below readiness_timeout_ms")
	}
	if i.SettleDelayMs < 0 {
		return fmt.Errorf("settle_delay_ms cannot be negative")
	}
	return nil
}

// Validate validates DNS configuration.
func (d *DNS) Validate() error {
	if _, err := parseAddrs(d.Servers); err != nil {
		return err
	}
	if _, err := parseAddrs(d.Fallback); err != nil {
		return err
	}
	return nil
}

// Validate validates routing configuration.
func (r *Routing) Validate() error {
	if r.BypassMetric < 1 || r.BypassMetric > 9999 {
		return fmt.Errorf("bypass_metric must be between 1 and 9999")
	}
	if _, err := parseAddrs(r.StaleGateways); err != nil {
		return err
	}
	return nil
}

// Validate validates kill switch configuration.
func (k *KillSwitchConfig) Validate() error {
	if k.RulePrefix == "" {
		return fmt.Errorf("rule_prefix is required")
	}
	if strings.ContainsAny(k.RulePrefix, " \"") {
		return fmt.Errorf("rule_prefix must not contain spaces or quotes")
	}
	if _, err := parsePrefixes(k.LANRanges); err != nil {
		return err
	}
	return nil
}

func parseAddrs(raw []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid IP: %s", s)
		}
		out = append(out, addr)
	}
	return out, nil
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %s", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

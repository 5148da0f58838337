package netcfg

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/user/tunnel-client/internal/cmdrun"
)

// Linux drives iproute2, iptables, resolvectl and pkill. Firewall rules
// are named with iptables comments in the OUTPUT chain.
type Linux struct {
	Runner cmdrun.Runner
}

type ipRoute struct {
	Dst     string `json:"dst"`
	Gateway string `json:"gateway"`
	Dev     string `json:"dev"`
	Metric  int    `json:"metric"`
}

func (l *Linux) DefaultRoutes() ([]DefaultRoute, error) {
	out, err := l.Runner.Run("ip", "-j", "-4", "route", "show", "default")
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	return parseIPRoutes(out.Stdout)
}

func parseIPRoutes(raw string) ([]DefaultRoute, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rows []ipRoute
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse route table: %w", err)
	}

	routes := make([]DefaultRoute, 0, len(rows))
	for _, r := range rows {
		gw, err := netip.ParseAddr(r.Gateway)
		if err != nil {
			continue
		}
		routes = append(routes, DefaultRoute{Gateway: gw, Interface: r.Dev, Metric: r.Metric})
	}
	return routes, nil
}

func (l *Linux) AddRoute(dest netip.Prefix, gateway netip.Addr, metric int) error {
	_, err := l.Runner.Run("ip", "route", "add", dest.String(), "via", gateway.String(),
		"metric", strconv.Itoa(metric))
	if err != nil {
		return fmt.Errorf("failed to add route %s via %s: %w", dest, gateway, err)
	}
	return nil
}

func (l *Linux) DeleteRoute(dest netip.Prefix, gateway netip.Addr) error {
	args := []string{"route", "del", dest.String()}
	if gateway.IsValid() {
		args = append(args, "via", gateway.String())
	}
	_, err := l.Runner.Run("ip", args...)
	if err != nil && !outputContains(err, "no such process", "not found") {
		return fmt.Errorf("failed to delete route %s: %w", dest, err)
	}
	return nil
}

func (l *Linux) AddFirewallRule(rule Rule) error {
	// Allow rules go above the block rule so they match first.
	args := []string{"-I", "OUTPUT", "1"}
	target := "ACCEPT"
	if rule.Action == ActionBlock {
		args = []string{"-A", "OUTPUT"}
		target = "DROP"
		if rule.ExceptInterface != "" {
			args = append(args, "!", "-o", rule.ExceptInterface)
		}
	}
	if len(rule.Remote) > 0 {
		args = append(args, "-d", remoteString(rule.Remote))
	}
	if rule.Protocol != "" {
		args = append(args, "-p", strings.ToLower(rule.Protocol))
		if rule.RemotePort > 0 {
			args = append(args, "--dport", strconv.Itoa(rule.RemotePort))
		}
	}
	args = append(args, "-m", "comment", "--comment", rule.Name, "-j", target)

	if _, err := l.Runner.Run("iptables", args...); err != nil {
		return fmt.Errorf("failed to add firewall rule %s: %w", rule.Name, err)
	}
	return nil
}

func (l *Linux) DeleteFirewallRule(name string) error {
	out, err := l.Runner.Run("iptables", "-S", "OUTPUT")
	if err != nil {
		return fmt.Errorf("failed to list firewall rules: %w", err)
	}
	for _, args := range rulesNamed(out.Stdout, name) {
		if _, err := l.Runner.Run("iptables", args...); err != nil {
			return fmt.Errorf("failed to delete firewall rule %s: %w", name, err)
		}
	}
	return nil
}

// rulesNamed returns the delete arguments for every rule in an
// `iptables -S` listing whose comment equals name.
func rulesNamed(listing, name string) [][]string {
	var out [][]string
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" {
			continue
		}
		match := false
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "--comment" && strings.Trim(fields[i+1], `"`) == name {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		args := make([]string, len(fields))
		args[0] = "-D"
		for i, f := range fields[1:] {
			args[i+1] = strings.Trim(f, `"`)
		}
		out = append(out, args)
	}
	return out
}

func (l *Linux) InterfaceConfigurable(name string) error {
	_, err := l.Runner.Run("ip", "link", "show", "dev", name)
	return err
}

func (l *Linux) SetInterfaceAddress(name string, addr Address) error {
	prefix, err := addr.Prefix()
	if err != nil {
		return err
	}
	steps := [][]string{
		{"addr", "replace", prefix.String(), "dev", name},
		{"link", "set", "dev", name, "up"},
		{"route", "replace", "default", "via", addr.Gateway.String(), "dev", name, "metric", "1"},
	}
	for _, args := range steps {
		if _, err := l.Runner.Run("ip", args...); err != nil {
			return fmt.Errorf("failed to configure %s: %w", name, err)
		}
	}
	return nil
}

func (l *Linux) SetDNSServers(name string, servers []netip.Addr) error {
	args := []string{"dns", name}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if _, err := l.Runner.Run("resolvectl", args...); err != nil {
		return fmt.Errorf("failed to set DNS on %s: %w", name, err)
	}
	if _, err := l.Runner.Run("resolvectl", "domain", name, "~."); err != nil {
		return fmt.Errorf("failed to set DNS routing domain on %s: %w", name, err)
	}
	return nil
}

func (l *Linux) KillByName(image string) error {
	_, err := l.Runner.Run("pkill", "-KILL", "-x", image)
	if err == nil {
		return nil
	}
	// pkill exits 1 when nothing matched.
	if cf, ok := cmdrun.AsCommandFailed(err); ok && cf.ExitCode == 1 {
		return nil
	}
	return fmt.Errorf("failed to kill %s: %w", image, err)
}

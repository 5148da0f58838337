package netcfg

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/user/tunnel-client/internal/cmdrun"
)

// Windows drives route.exe, netsh, PowerShell and taskkill.
type Windows struct {
	Runner cmdrun.Runner
}

const defaultRouteQuery = "Get-NetRoute -DestinationPrefix '0.0.0.0/0' -AddressFamily IPv4 | " +
	"Select-Object NextHop,InterfaceAlias,RouteMetric | ConvertTo-Json -Compress"

type psRoute struct {
	NextHop        string `json:"NextHop"`
	InterfaceAlias string `json:"InterfaceAlias"`
	RouteMetric    int    `json:"RouteMetric"`
}

func (w *Windows) powershell(script string) (*cmdrun.Output, error) {
	return w.Runner.Run("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}

func (w *Windows) DefaultRoutes() ([]DefaultRoute, error) {
	out, err := w.powershell(defaultRouteQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	return parsePSRoutes(out.Stdout)
}

// parsePSRoutes decodes ConvertTo-Json output, which is a bare object when
// only one route exists.
func parsePSRoutes(raw string) ([]DefaultRoute, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "{") {
		raw = "[" + raw + "]"
	}
	var rows []psRoute
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse route table: %w", err)
	}

	routes := make([]DefaultRoute, 0, len(rows))
	for _, r := range rows {
		gw, err := netip.ParseAddr(strings.TrimSpace(r.NextHop))
		if err != nil {
			continue
		}
		routes = append(routes, DefaultRoute{Gateway: gw, Interface: r.InterfaceAlias, Metric: r.RouteMetric})
	}
	return routes, nil
}

func (w *Windows) AddRoute(dest netip.Prefix, gateway netip.Addr, metric int) error {
	_, err := w.Runner.Run("route", "add", dest.Addr().String(), "mask", maskString(dest),
		gateway.String(), "metric", strconv.Itoa(metric))
	if err != nil {
		return fmt.Errorf("failed to add route %s via %s: %w", dest, gateway, err)
	}
	return nil
}

func (w *Windows) DeleteRoute(dest netip.Prefix, gateway netip.Addr) error {
	args := []string{"delete", dest.Addr().String()}
	if !dest.IsSingleIP() || gateway.IsValid() {
		args = append(args, "mask", maskString(dest))
	}
	if gateway.IsValid() {
		args = append(args, gateway.String())
	}
	_, err := w.Runner.Run("route", args...)
	if err != nil && !outputContains(err, "element not found", "not found") {
		return fmt.Errorf("failed to delete route %s: %w", dest, err)
	}
	return nil
}

func (w *Windows) AddFirewallRule(rule Rule) error {
	args := []string{"advfirewall", "firewall", "add", "rule",
		"name=" + rule.Name, "dir=out", "action=" + string(rule.Action)}
	if len(rule.Remote) > 0 {
		args = append(args, "remoteip="+remoteString(rule.Remote))
	}
	if rule.Protocol != "" {
		args = append(args, "protocol="+strings.ToUpper(rule.Protocol))
	}
	if rule.RemotePort > 0 {
		args = append(args, "remoteport="+strconv.Itoa(rule.RemotePort))
	}
	args = append(args, "enable=yes")

	if _, err := w.Runner.Run("netsh", args...); err != nil {
		return fmt.Errorf("failed to add firewall rule %s: %w", rule.Name, err)
	}
	return nil
}

func (w *Windows) DeleteFirewallRule(name string) error {
	_, err := w.Runner.Run("netsh", "advfirewall", "firewall", "delete", "rule", "name="+name)
	if err != nil && !outputContains(err, "no rules match") {
		return fmt.Errorf("failed to delete firewall rule %s: %w", name, err)
	}
	return nil
}

func (w *Windows) InterfaceConfigurable(name string) error {
	_, err := w.Runner.Run("netsh", "interface", "ip", "show", "config", "name="+name)
	return err
}

func (w *Windows) SetInterfaceAddress(name string, addr Address) error {
	_, err := w.Runner.Run("netsh", "interface", "ip", "set", "address",
		"name="+name, "static", addr.IP.String(), addr.Mask.String(),
		"gateway="+addr.Gateway.String(), "gwmetric=1")
	if err != nil {
		return fmt.Errorf("failed to set address on %s: %w", name, err)
	}
	return nil
}

func (w *Windows) SetDNSServers(name string, servers []netip.Addr) error {
	quoted := make([]string, len(servers))
	for i, s := range servers {
		quoted[i] = `"` + s.String() + `"`
	}
	script := fmt.Sprintf("Set-DnsClientServerAddress -InterfaceAlias %s -ServerAddresses (%s)",
		psQuote(name), strings.Join(quoted, ","))
	if _, err := w.powershell(script); err != nil {
		return fmt.Errorf("failed to set DNS on %s: %w", name, err)
	}
	return nil
}

// psQuote returns s as a single-quoted PowerShell literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (w *Windows) KillByName(image string) error {
	_, err := w.Runner.Run("taskkill", "/F", "/IM", image)
	if err != nil && !outputContains(err, "not found") {
		return fmt.Errorf("failed to kill %s: %w", image, err)
	}
	return nil
}

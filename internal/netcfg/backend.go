// Package netcfg drives the host's routing table, firewall, interface
// addressing and process table through its command-line utilities.
package netcfg

import (
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"strings"

	"go4.org/netipx"

	"github.com/user/tunnel-client/internal/cmdrun"
)

// DefaultRoute is one IPv4 default route as reported by the host.
type DefaultRoute struct {
	Gateway   netip.Addr
	Interface string
	Metric    int
}

// Action is what a firewall rule does with matching outbound traffic.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Rule is a named outbound firewall rule. Empty Remote matches any
// destination, empty Protocol matches any protocol.
type Rule struct {
	Name       string
	Action     Action
	Remote     []netip.Prefix
	Protocol   string
	RemotePort int
	// ExceptInterface exempts traffic leaving through the named interface.
	// Only block rules on Linux honour it; netsh cannot match an interface
	// by name.
	ExceptInterface string
}

// Address is a static interface configuration.
type Address struct {
	IP      netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
}

// Prefix returns the interface network as a prefix of IP.
func (a Address) Prefix() (netip.Prefix, error) {
	if !a.IP.Is4() || !a.Mask.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 address %s mask %s", a.IP, a.Mask)
	}
	ipnet := &net.IPNet{IP: a.IP.AsSlice(), Mask: net.IPMask(a.Mask.AsSlice())}
	p, ok := netipx.FromStdIPNet(ipnet)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid netmask %s", a.Mask)
	}
	return netip.PrefixFrom(a.IP, p.Bits()), nil
}

// Backend is the set of host operations the tunnel controller needs.
// Delete and kill operations treat "nothing to remove" as success.
type Backend interface {
	DefaultRoutes() ([]DefaultRoute, error)
	AddRoute(dest netip.Prefix, gateway netip.Addr, metric int) error
	// DeleteRoute removes dest. A zero gateway matches any next hop.
	DeleteRoute(dest netip.Prefix, gateway netip.Addr) error
	AddFirewallRule(rule Rule) error
	DeleteFirewallRule(name string) error
	InterfaceConfigurable(name string) error
	SetInterfaceAddress(name string, addr Address) error
	SetDNSServers(name string, servers []netip.Addr) error
	KillByName(image string) error
}

// New returns the backend for the running OS.
func New(runner cmdrun.Runner) Backend {
	if runtime.GOOS == "windows" {
		return &Windows{Runner: runner}
	}
	return &Linux{Runner: runner}
}

// HostPrefix returns addr as a single-address prefix.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// DefaultPrefix is 0.0.0.0/0.
var DefaultPrefix = netip.PrefixFrom(netip.IPv4Unspecified(), 0)

func maskString(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), p.Addr().BitLen())).String()
}

// remoteString renders prefixes the way firewall tools accept them, with
// host prefixes written as plain addresses.
func remoteString(prefixes []netip.Prefix) string {
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsSingleIP() {
			parts = append(parts, p.Addr().String())
		} else {
			parts = append(parts, p.String())
		}
	}
	return strings.Join(parts, ",")
}

// outputContains reports whether err is a failed command whose output
// contains any of the given fragments, case-insensitively.
func outputContains(err error, fragments ...string) bool {
	cf, ok := cmdrun.AsCommandFailed(err)
	if !ok {
		return false
	}
	out := strings.ToLower(cf.Output())
	for _, f := range fragments {
		if strings.Contains(out, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// Package killswitch implements a network kill switch to prevent traffic leaks.
package killswitch

import (
	"fmt"
	"net/netip"
	"sync"

	"go4.org/netipx"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/teardown"
)

// DefaultPrefix names the rule set on the host firewall.
const DefaultPrefix = "V-Nexus_KS"

// DefaultLANRanges are the destinations kept reachable while the kill
// switch is on.
var DefaultLANRanges = []netip.Prefix{
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("127.0.0.1/32"),
}

// Rule name suffixes, in install order.
const (
	RuleBlock    = "Block"
	RuleAllowVPN = "AllowVPN"
	RuleLAN      = "Lan"
	RuleDNS      = "DNS"
)

var ruleOrder = []string{RuleBlock, RuleAllowVPN, RuleLAN, RuleDNS}

// Config represents kill switch configuration.
type Config struct {
	Prefix    string
	LANRanges []netip.Prefix
	// Interface is the tunnel interface; traffic leaving through it is
	// never blocked.
	Interface string
}

// Status reports what the kill switch believes is installed.
type Status struct {
	Enabled   bool
	AllowedIP netip.Addr
}

// KillSwitch manages the firewall rules that block traffic outside the
// tunnel.
type KillSwitch struct {
	mu        sync.Mutex
	backend   netcfg.Backend
	prefix    string
	iface     string
	lanRanges []netip.Prefix
	lanSet    *netipx.IPSet
	enabled   bool
	allowedIP netip.Addr
	log       logger.Sink
}

// New creates a new kill switch manager.
func New(backend netcfg.Backend, cfg Config, log logger.Sink) (*KillSwitch, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if len(cfg.LANRanges) == 0 {
		cfg.LANRanges = DefaultLANRanges
	}
	if log == nil {
		log = logger.Default()
	}

	var b netipx.IPSetBuilder
	for _, p := range cfg.LANRanges {
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid LAN range %v", p)
		}
		b.AddPrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build LAN set: %w", err)
	}

	// Overlapping ranges collapse so each address is listed once.
	return &KillSwitch{
		backend:   backend,
		prefix:    cfg.Prefix,
		iface:     cfg.Interface,
		lanRanges: set.Prefixes(),
		lanSet:    set,
		log:       logger.WithPrefix(log, "KillSwitch"),
	}, nil
}

// RuleName returns the full firewall rule name for a suffix.
func (k *KillSwitch) RuleName(suffix string) string {
	return k.prefix + "_" + suffix
}

// RuleNames returns every rule name in install order.
func (k *KillSwitch) RuleNames() []string {
	names := make([]string, len(ruleOrder))
	for i, s := range ruleOrder {
		names[i] = k.RuleName(s)
	}
	return names
}

func (k *KillSwitch) rules(server netip.Addr) []netcfg.Rule {
	return []netcfg.Rule{
		{Name: k.RuleName(RuleBlock), Action: netcfg.ActionBlock, ExceptInterface: k.iface},
		{Name: k.RuleName(RuleAllowVPN), Action: netcfg.ActionAllow, Remote: []netip.Prefix{netcfg.HostPrefix(server)}},
		{Name: k.RuleName(RuleLAN), Action: netcfg.ActionAllow, Remote: k.lanRanges},
		{Name: k.RuleName(RuleDNS), Action: netcfg.ActionAllow, Protocol: "udp", RemotePort: 53},
	}
}

// Enable installs the rule set allowing server. Every rule is attempted;
// failures are logged and returned but leave the remaining rules in place.
func (k *KillSwitch) Enable(server netip.Addr) []error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.log.Infof("Enabling firewall kill switch (allowing %s)", server)
	if k.lanSet.Contains(server) {
		k.log.Warnf("server %s is inside the LAN ranges, traffic to it bypasses the tunnel anyway", server)
	}

	var errs []error
	for _, rule := range k.rules(server) {
		if err := k.backend.AddFirewallRule(rule); err != nil {
			k.log.Warnf("rule %s not installed: %v", rule.Name, err)
			errs = append(errs, err)
		}
	}

	k.enabled = true
	k.allowedIP = server
	if len(errs) > 0 {
		k.log.Warnf("kill switch partially applied (%d of %d rules failed)", len(errs), len(ruleOrder))
	}
	return errs
}

// Disable deletes every rule by name, whether or not Enable installed it.
func (k *KillSwitch) Disable() []error {
	k.mu.Lock()
	defer k.mu.Unlock()

	steps := make([]teardown.Step, 0, len(ruleOrder))
	for _, name := range k.RuleNames() {
		name := name
		steps = append(steps, teardown.Step{
			Name: "delete firewall rule " + name,
			Do:   func() error { return k.backend.DeleteFirewallRule(name) },
		})
	}
	errs := teardown.Run(k.log, steps...)

	k.enabled = false
	k.allowedIP = netip.Addr{}
	return errs
}

// Status returns the current kill switch state.
func (k *KillSwitch) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Status{Enabled: k.enabled, AllowedIP: k.allowedIP}
}

// IsEnabled returns whether the kill switch is enabled.
func (k *KillSwitch) IsEnabled() bool {
	return k.Status().Enabled
}

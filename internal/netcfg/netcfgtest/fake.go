// Package netcfgtest provides an in-memory netcfg.Backend for tests.
package netcfgtest

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/user/tunnel-client/internal/netcfg"
)

// ErrNotReady is returned by InterfaceConfigurable while the interface is
// still missing.
var ErrNotReady = errors.New("interface not found")

// Fake models the host route table, firewall and interfaces in memory.
type Fake struct {
	mu sync.Mutex

	defaults  []netcfg.DefaultRoute
	routesErr error
	routes    map[string]netip.Addr // dest -> gateway
	rules     map[string]netcfg.Rule
	addresses map[string]netcfg.Address
	dns       map[string][]netip.Addr
	killed    []string
	calls     []string
	failures  map[string]error

	readyAfter int // probes that fail before success; negative never succeeds
	probes     int
}

// New returns an empty Fake whose interfaces are immediately configurable.
func New() *Fake {
	return &Fake{
		routes:    make(map[string]netip.Addr),
		rules:     make(map[string]netcfg.Rule),
		addresses: make(map[string]netcfg.Address),
		dns:       make(map[string][]netip.Addr),
		failures:  make(map[string]error),
	}
}

// SetDefaultRoutes sets what DefaultRoutes reports.
func (f *Fake) SetDefaultRoutes(routes ...netcfg.DefaultRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults = routes
}

// SetDefaultRoutesError makes DefaultRoutes fail.
func (f *Fake) SetDefaultRoutesError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routesErr = err
}

// ReadyAfter makes the first n readiness probes fail. Negative n means the
// interface never appears.
func (f *Fake) ReadyAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyAfter = n
	f.probes = 0
}

// FailOn makes the operation identified by key return err. Keys are the
// method name, optionally followed by ":" and the rule name, interface
// name or route destination, e.g. "AddFirewallRule:KS_Lan".
func (f *Fake) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = err
}

// SeedRoute installs a route directly, as if left over from an earlier run.
func (f *Fake) SeedRoute(dest netip.Prefix, gw netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[dest.String()] = gw
}

// SeedRule installs a firewall rule directly.
func (f *Fake) SeedRule(rule netcfg.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.Name] = rule
}

func (f *Fake) record(op, arg string) error {
	f.calls = append(f.calls, strings.TrimSuffix(op+":"+arg, ":"))
	if err, ok := f.failures[op+":"+arg]; ok {
		return err
	}
	if err, ok := f.failures[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) DefaultRoutes() ([]netcfg.DefaultRoute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DefaultRoutes", ""); err != nil {
		return nil, err
	}
	if f.routesErr != nil {
		return nil, f.routesErr
	}
	return append([]netcfg.DefaultRoute(nil), f.defaults...), nil
}

func (f *Fake) AddRoute(dest netip.Prefix, gw netip.Addr, metric int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddRoute", dest.String()); err != nil {
		return err
	}
	if _, ok := f.routes[dest.String()]; ok {
		return fmt.Errorf("route %s already exists", dest)
	}
	f.routes[dest.String()] = gw
	return nil
}

func (f *Fake) DeleteRoute(dest netip.Prefix, gw netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRoute", dest.String()); err != nil {
		return err
	}
	if cur, ok := f.routes[dest.String()]; ok && (!gw.IsValid() || cur == gw) {
		delete(f.routes, dest.String())
	}
	return nil
}

func (f *Fake) AddFirewallRule(rule netcfg.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddFirewallRule", rule.Name); err != nil {
		return err
	}
	f.rules[rule.Name] = rule
	return nil
}

func (f *Fake) DeleteFirewallRule(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteFirewallRule", name); err != nil {
		return err
	}
	delete(f.rules, name)
	return nil
}

func (f *Fake) InterfaceConfigurable(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("InterfaceConfigurable", name); err != nil {
		return err
	}
	f.probes++
	if f.readyAfter < 0 || f.probes <= f.readyAfter {
		return ErrNotReady
	}
	return nil
}

func (f *Fake) SetInterfaceAddress(name string, addr netcfg.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetInterfaceAddress", name); err != nil {
		return err
	}
	f.addresses[name] = addr
	return nil
}

func (f *Fake) SetDNSServers(name string, servers []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetDNSServers", name); err != nil {
		return err
	}
	f.dns[name] = append([]netip.Addr(nil), servers...)
	return nil
}

func (f *Fake) KillByName(image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("KillByName", image); err != nil {
		return err
	}
	f.killed = append(f.killed, image)
	return nil
}

// HasRoute reports whether dest is installed, via gw when gw is valid.
func (f *Fake) HasRoute(dest netip.Prefix, gw netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.routes[dest.String()]
	return ok && (!gw.IsValid() || cur == gw)
}

// RouteCount returns the number of installed routes.
func (f *Fake) RouteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

// RuleNames returns the installed firewall rule names, sorted.
func (f *Fake) RuleNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.rules))
	for n := range f.rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Rule returns the installed rule with name.
func (f *Fake) Rule(name string) (netcfg.Rule, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[name]
	return r, ok
}

// Address returns the address applied to an interface.
func (f *Fake) Address(name string) (netcfg.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.addresses[name]
	return a, ok
}

// DNS returns the servers applied to an interface.
func (f *Fake) DNS(name string) []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.dns[name]...)
}

// Killed returns every image name passed to KillByName.
func (f *Fake) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

// Calls returns the operations performed, as "Op:arg".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Probes returns how many readiness probes were made.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

var _ netcfg.Backend = (*Fake)(nil)

// Package dns applies resolver settings to the tunnel interface.
package dns

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
)

// DefaultFallback is used when no DNS servers are requested.
var DefaultFallback = []netip.Addr{
	netip.MustParseAddr("1.1.1.1"),
	netip.MustParseAddr("1.0.0.1"),
}

// Manager manages DNS configuration for the tunnel interface.
type Manager struct {
	mu       sync.Mutex
	backend  netcfg.Backend
	fallback []netip.Addr
	applied  map[string][]netip.Addr
	log      logger.Sink
}

// NewManager creates a DNS manager. An empty fallback uses DefaultFallback.
func NewManager(backend netcfg.Backend, fallback []netip.Addr, log logger.Sink) *Manager {
	if len(fallback) == 0 {
		fallback = DefaultFallback
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		backend:  backend,
		fallback: fallback,
		applied:  make(map[string][]netip.Addr),
		log:      logger.WithPrefix(log, "Tun"),
	}
}

// ParseServers parses DNS server addresses, skipping blanks.
func ParseServers(raw []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid DNS server %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Configure sets the resolvers of iface, falling back to the default pair
// when servers is empty.
func (m *Manager) Configure(iface string, servers []netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(servers) == 0 {
		servers = m.fallback
	}
	m.log.Infof("Setting DNS for %s: %s", iface, join(servers))
	if err := m.backend.SetDNSServers(iface, servers); err != nil {
		return fmt.Errorf("failed to set DNS: %w", err)
	}
	m.applied[iface] = append([]netip.Addr(nil), servers...)
	return nil
}

// Applied returns the servers last set on iface.
func (m *Manager) Applied(iface string) []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.Addr(nil), m.applied[iface]...)
}

// Forget drops the record for iface once the interface is gone.
func (m *Manager) Forget(iface string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.applied, iface)
}

func join(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

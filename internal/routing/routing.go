// Package routing keeps the proxy server reachable outside the tunnel and
// finds the physical gateway to send it through.
package routing

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/teardown"
)

// Route represents a routing table entry installed by the Manager.
type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Metric      int
	Source      string // "bypass"
}

// Manager installs and removes the server bypass route.
type Manager struct {
	mu            sync.Mutex
	routes        map[string]*Route // key: destination string
	backend       netcfg.Backend
	metric        int
	staleGateways []netip.Addr
	log           logger.Sink
}

// NewManager creates a routing manager. metric is used for bypass routes;
// staleGateways are tunnel next hops whose default routes may survive a
// crashed session.
func NewManager(backend netcfg.Backend, metric int, staleGateways []netip.Addr, log logger.Sink) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		routes:        make(map[string]*Route),
		backend:       backend,
		metric:        metric,
		staleGateways: staleGateways,
		log:           logger.WithPrefix(log, "Route"),
	}
}

// AddBypassRoute routes server/32 via gateway so the proxy connection
// never enters the tunnel.
func (m *Manager) AddBypassRoute(server, gateway netip.Addr) error {
	if !server.Is4() || !gateway.Is4() {
		return fmt.Errorf("bypass route needs IPv4 addresses, got %s via %s", server, gateway)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dest := netcfg.HostPrefix(server)
	m.log.Infof("Adding bypass route: %s -> %s (metric %d)", server, gateway, m.metric)
	if err := m.backend.AddRoute(dest, gateway, m.metric); err != nil {
		return fmt.Errorf("failed to add bypass route: %w", err)
	}

	m.routes[dest.String()] = &Route{
		Destination: dest,
		Gateway:     gateway,
		Metric:      m.metric,
		Source:      "bypass",
	}
	return nil
}

// RemoveBypassRoute deletes the route to server. The record is kept when
// the host command fails so a later call can retry.
func (m *Manager) RemoveBypassRoute(server netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dest := netcfg.HostPrefix(server)
	m.log.Infof("Cleaning up bypass route for %s", server)
	if err := m.backend.DeleteRoute(dest, netip.Addr{}); err != nil {
		return fmt.Errorf("failed to remove bypass route: %w", err)
	}
	delete(m.routes, dest.String())
	return nil
}

// CleanupStale removes leftovers of an earlier session: any route to server
// (when valid) and default routes through known tunnel gateways. Failures
// are logged and returned, never fatal.
func (m *Manager) CleanupStale(server netip.Addr) []error {
	var steps []teardown.Step
	if server.IsValid() {
		dest := netcfg.HostPrefix(server)
		steps = append(steps, teardown.Step{
			Name: "delete route " + dest.String(),
			Do:   func() error { return m.backend.DeleteRoute(dest, netip.Addr{}) },
		})
	}
	steps = append(steps, m.staleDefaultSteps()...)
	return teardown.Run(m.log, steps...)
}

// CleanupStaleDefaults removes default routes through known tunnel gateways.
func (m *Manager) CleanupStaleDefaults() []error {
	return teardown.Run(m.log, m.staleDefaultSteps()...)
}

func (m *Manager) staleDefaultSteps() []teardown.Step {
	steps := make([]teardown.Step, 0, len(m.staleGateways))
	for _, gw := range m.staleGateways {
		gw := gw
		steps = append(steps, teardown.Step{
			Name: "delete default route via " + gw.String(),
			Do:   func() error { return m.backend.DeleteRoute(netcfg.DefaultPrefix, gw) },
		})
	}
	return steps
}

// AppliedRoutes returns the routes this manager currently believes are
// installed, ordered by destination.
func (m *Manager) AppliedRoutes() []Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, *r)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Destination.Addr().Less(routes[j].Destination.Addr())
	})
	return routes
}

// Package tun manages the virtual interface created by the tunnel helper:
// waiting for it to appear and giving it a static address.
package tun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
)

// ErrInterfaceTimeout is returned when the interface does not become
// configurable in time.
var ErrInterfaceTimeout = errors.New("interface did not appear in time")

// DefaultPollInterval is the fixed delay between readiness probes.
const DefaultPollInterval = 200 * time.Millisecond

// Poller probes the host until an interface accepts configuration.
type Poller struct {
	Backend  netcfg.Backend
	Interval time.Duration
}

// WaitUntilConfigurable probes name at a fixed interval until the probe
// succeeds, timeout elapses or ctx is cancelled.
func (p *Poller) WaitUntilConfigurable(ctx context.Context, name string, timeout time.Duration) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := p.Backend.InterfaceConfigurable(name)
		if err == nil {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return fmt.Errorf("%w: %s not configurable after %s", ErrInterfaceTimeout, name, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Adapter represents the tunnel interface.
type Adapter struct {
	mu         sync.Mutex
	name       string
	backend    netcfg.Backend
	addr       netcfg.Address
	configured bool
	log        logger.Sink
}

// New creates an adapter handle for the named interface.
func New(name string, backend netcfg.Backend, log logger.Sink) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		name:    name,
		backend: backend,
		log:     logger.WithPrefix(log, "Tun"),
	}
}

// Name returns the interface name.
func (a *Adapter) Name() string {
	return a.name
}

// Configure applies a static address, netmask and gateway (metric 1).
func (a *Adapter) Configure(addr netcfg.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := addr.Prefix(); err != nil {
		return err
	}
	a.log.Infof("Configuring IP for %s: %s/%s gw %s", a.name, addr.IP, addr.Mask, addr.Gateway)
	if err := a.backend.SetInterfaceAddress(a.name, addr); err != nil {
		return fmt.Errorf("failed to configure IP: %w", err)
	}
	a.addr = addr
	a.configured = true
	return nil
}

// Address returns the applied address and whether Configure succeeded.
func (a *Adapter) Address() (netcfg.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr, a.configured
}

// Reset forgets the applied address. The interface itself disappears with
// the helper process.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addr = netcfg.Address{}
	a.configured = false
}

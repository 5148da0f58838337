package core

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/user/tunnel-client/internal/dns"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/teardown"
)

// TunnelRequest describes a tunnel session to start.
type TunnelRequest struct {
	ServerIP   string
	ProxyPort  int
	KillSwitch bool
	DNSServers []string
}

func (r TunnelRequest) parse() (netip.Addr, []netip.Addr, error) {
	server, err := netip.ParseAddr(r.ServerIP)
	if err != nil || !server.Is4() {
		return netip.Addr{}, nil, fmt.Errorf("invalid server IP %q: expected an IPv4 address", r.ServerIP)
	}
	if r.ProxyPort < 1 || r.ProxyPort > 65535 {
		return netip.Addr{}, nil, fmt.Errorf("invalid proxy port %d", r.ProxyPort)
	}
	servers, err := dns.ParseServers(r.DNSServers)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	return server, servers, nil
}

// helperArgs builds the tunnel helper command line.
func (c *Controller) helperArgs(port int) []string {
	return []string{
		"-device", "tun://" + c.cfg.Interface.Name,
		"-proxy", "socks5://127.0.0.1:" + strconv.Itoa(port),
		"-loglevel", c.cfg.Helper.LogLevel,
	}
}

// StartTunnel brings up a tunnel session. Failures before the helper is
// spawned undo what was applied. Failures after that leave the session in
// StateFailed and StopTunnel must be called before the next start.
func (c *Controller) StartTunnel(ctx context.Context, req TunnelRequest) (string, error) {
	server, dnsServers, err := req.parse()
	if err != nil {
		return "", err
	}

	gateway, err := c.resolver.Resolve()
	if err != nil {
		c.log.Errorf("Failed to detect gateway: %v", err)
		return "", err
	}
	c.log.Infof("Physical gateway detected: %s", gateway)

	// The claim happens under opMu so a StopTunnel in flight cannot reset
	// a session that has already been claimed.
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.claim(); err != nil {
		return "", err
	}

	c.routes.CleanupStale(server)

	if err := c.routes.AddBypassRoute(server, gateway); err != nil {
		c.log.Errorf("%v", err)
		c.update(func(s *session) {
			s.state = StateIdle
			s.lastError = err
		})
		return "", err
	}
	c.update(func(s *session) {
		s.serverIP = server
		s.gateway = gateway
		s.proxyPort = req.ProxyPort
	})

	if req.KillSwitch {
		c.killSwitch.Enable(server)
		c.update(func(s *session) { s.killSwitch = true })
	}

	c.log.Infof("Starting helper: %s", c.helperPath)
	if err := c.helper.Start(c.helperPath, c.helperArgs(req.ProxyPort), nil); err != nil {
		return "", c.rollbackSetup(server, req.KillSwitch, err)
	}

	name := c.cfg.Interface.Name
	c.log.Infof("Waiting for interface %s...", name)
	if err := c.poller.WaitUntilConfigurable(ctx, name, c.cfg.Interface.ReadinessTimeout()); err != nil {
		return "", c.fail(err)
	}
	c.log.Infof("Interface %s found", name)

	if err := sleepCtx(ctx, c.cfg.Interface.SettleDelay()); err != nil {
		return "", c.fail(err)
	}

	ip, mask, gw, err := c.cfg.Interface.Addrs()
	if err != nil {
		return "", c.fail(err)
	}
	if err := c.adapter.Configure(netcfg.Address{IP: ip, Mask: mask, Gateway: gw}); err != nil {
		return "", c.fail(err)
	}

	if len(dnsServers) == 0 {
		c.log.Infof("No DNS servers requested, using fallback")
	}
	if err := c.dns.Configure(name, dnsServers); err != nil {
		return "", c.fail(err)
	}

	c.update(func(s *session) {
		s.state = StateActive
		s.startedAt = time.Now()
		s.lastError = nil
	})
	msg := fmt.Sprintf("Tunnel started on %s (server %s via %s)", name, server, gateway)
	c.log.Infof("%s", msg)
	return msg, nil
}

// claim moves the session from idle to starting, or reports why it cannot.
func (c *Controller) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.sess.state {
	case StateIdle:
		c.sess.state = StateStarting
		c.sess.lastError = nil
		return nil
	case StateFailed:
		return fmt.Errorf("%w: previous start failed (%v), call StopTunnel first", ErrAlreadyRunning, c.sess.lastError)
	default:
		return ErrAlreadyRunning
	}
}

// rollbackSetup undoes the bypass route and kill switch after the helper
// failed to spawn. If the route cannot be removed the session stays failed
// with serverIP set, so StopTunnel can retry.
func (c *Controller) rollbackSetup(server netip.Addr, killSwitch bool, cause error) error {
	routeErr := c.routes.RemoveBypassRoute(server)
	if routeErr != nil {
		c.log.Warnf("remove bypass route: %v", routeErr)
	}
	if killSwitch {
		teardown.Run(c.log, teardown.Step{Name: "disable kill switch", Do: c.disableKillSwitch})
	}

	if routeErr != nil {
		return c.fail(fmt.Errorf("%w; rollback incomplete: %w", cause, routeErr))
	}
	c.update(func(s *session) {
		*s = session{state: StateIdle, lastError: cause}
	})
	return cause
}

// fail records a failure that left host state behind for StopTunnel.
func (c *Controller) fail(err error) error {
	c.log.Errorf("%v", err)
	c.update(func(s *session) {
		s.state = StateFailed
		s.lastError = err
	})
	return fmt.Errorf("%w (call StopTunnel to clean up)", err)
}

// StopTunnel tears the session down. It always succeeds; individual
// cleanup failures are logged.
func (c *Controller) StopTunnel() string {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	server := c.sess.serverIP
	c.mu.Unlock()

	c.log.Infof("Stopping tunnel...")
	steps := []teardown.Step{{
		Name: "stop helper",
		Do:   c.helper.Stop,
	}}
	if server.IsValid() {
		steps = append(steps, teardown.Step{
			Name: "remove bypass route",
			Do:   func() error { return c.routes.RemoveBypassRoute(server) },
		})
	}
	steps = append(steps, teardown.Step{
		Name: "disable kill switch",
		Do:   c.disableKillSwitch,
	})
	teardown.Run(c.log, steps...)

	c.adapter.Reset()
	c.dns.Forget(c.cfg.Interface.Name)
	c.update(func(s *session) {
		*s = session{state: StateIdle}
	})
	c.log.Infof("Tunnel stopped")
	return "Tunnel stopped"
}

// disableKillSwitch removes every rule. Individual failures are already
// logged by the kill switch.
func (c *Controller) disableKillSwitch() error {
	if errs := c.killSwitch.Disable(); len(errs) > 0 {
		return fmt.Errorf("%d firewall rules not removed", len(errs))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

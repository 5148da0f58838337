package core

import (
	"net/netip"
	"time"

	"github.com/user/tunnel-client/internal/killswitch"
	"github.com/user/tunnel-client/internal/routing"
)

// Status is a snapshot of the controller.
type Status struct {
	State         State
	ServerIP      netip.Addr
	Gateway       netip.Addr
	ProxyPort     int
	KillSwitch    killswitch.Status
	BypassRoutes  []routing.Route
	HelperRunning bool
	EngineRunning bool
	StartedAt     time.Time
	Error         string
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.sess.state,
		ServerIP:  c.sess.serverIP,
		Gateway:   c.sess.gateway,
		ProxyPort: c.sess.proxyPort,
		StartedAt: c.sess.startedAt,
	}
	if c.sess.lastError != nil {
		st.Error = c.sess.lastError.Error()
	}
	c.mu.Unlock()

	st.KillSwitch = c.killSwitch.Status()
	st.BypassRoutes = c.routes.AppliedRoutes()
	st.HelperRunning = c.helper.IsRunning()
	st.EngineRunning = c.engine.IsRunning()
	return st
}

// State returns the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.state
}

// Package core orchestrates tunnel sessions: the bypass route, the kill
// switch, the tunnel helper and proxy engine processes, and the tunnel
// interface settings.
package core

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/user/tunnel-client/internal/config"
	"github.com/user/tunnel-client/internal/dns"
	"github.com/user/tunnel-client/internal/killswitch"
	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/process"
	"github.com/user/tunnel-client/internal/routing"
	"github.com/user/tunnel-client/internal/tun"
)

// ErrAlreadyRunning is returned when a tunnel session is already active or
// is waiting for StopTunnel after a failed start.
var ErrAlreadyRunning = errors.New("tunnel is already running")

// State represents the tunnel session state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	// StateFailed means start failed after the helper was spawned. Host
	// changes are left in place until StopTunnel is called.
	StateFailed State = "failed"
)

// GatewayResolver finds the physical default gateway.
type GatewayResolver interface {
	Resolve() (netip.Addr, error)
}

// StatusListener is a callback invoked when the session status changes.
type StatusListener func(status Status)

// session is the state of the current tunnel session. serverIP is set
// exactly while a bypass route is installed.
type session struct {
	state      State
	serverIP   netip.Addr
	gateway    netip.Addr
	killSwitch bool
	proxyPort  int
	startedAt  time.Time
	lastError  error
}

// Controller owns the tunnel session and both supervised processes.
type Controller struct {
	cfg        *config.Config
	backend    netcfg.Backend
	resolver   GatewayResolver
	routes     *routing.Manager
	killSwitch *killswitch.KillSwitch
	adapter    *tun.Adapter
	poller     *tun.Poller
	dns        *dns.Manager
	helper     *process.Supervisor
	engine     *process.Supervisor
	log        logger.Sink

	helperPath string
	enginePath string
	assetsDir  string

	// opMu serialises StartTunnel and StopTunnel host mutations. mu guards
	// the session fields and is held only for short reads and writes.
	opMu sync.Mutex
	mu   sync.Mutex
	sess session

	listenerMu sync.RWMutex
	listener   StatusListener
}

// Option customises a Controller.
type Option func(*Controller)

// WithGatewayResolver replaces the route-table based resolver.
func WithGatewayResolver(r GatewayResolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// WithLogger sends controller and child process output to log.
func WithLogger(log logger.Sink) Option {
	return func(c *Controller) { c.log = log }
}

// NewController wires the session controller from configuration.
func NewController(cfg *config.Config, backend netcfg.Backend, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Controller{
		cfg:     cfg,
		backend: backend,
		log:     logger.Default(),
		sess:    session{state: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = &routing.Resolver{
			Backend: backend,
			Exclude: routing.NamePatternFilter(cfg.Routing.ExcludeInterfaces...),
		}
	}

	stale, err := cfg.Routing.Gateways()
	if err != nil {
		return nil, err
	}
	lan, err := cfg.KillSwitch.Prefixes()
	if err != nil {
		return nil, err
	}
	fallback, err := cfg.DNS.FallbackServers()
	if err != nil {
		return nil, err
	}

	c.routes = routing.NewManager(backend, cfg.Routing.BypassMetric, stale, c.log)
	c.killSwitch, err = killswitch.New(backend, killswitch.Config{
		Prefix:    cfg.KillSwitch.RulePrefix,
		LANRanges: lan,
		Interface: cfg.Interface.Name,
	}, c.log)
	if err != nil {
		return nil, err
	}
	c.adapter = tun.New(cfg.Interface.Name, backend, c.log)
	c.poller = &tun.Poller{Backend: backend, Interval: cfg.Interface.PollInterval()}
	c.dns = dns.NewManager(backend, fallback, c.log)

	c.helperPath = config.ResolveBinary(cfg.Helper.Binary, "tun2socks")
	c.enginePath = config.ResolveBinary(cfg.Engine.Binary, "xray")
	c.assetsDir = config.ResolveAssetsDir(cfg.Engine.AssetsDir, c.enginePath)

	c.helper = process.New(process.Options{
		Name:      "Tun2Socks",
		ImageName: cfg.Helper.ProcessName,
		Killer:    backend,
		Log:       c.log,
	})
	c.engine = process.New(process.Options{
		Name:         "Xray",
		ImageName:    cfg.Engine.ProcessName,
		Killer:       backend,
		NoiseFilters: cfg.Engine.NoiseFilters,
		Log:          c.log,
	})
	c.log = logger.WithPrefix(c.log, "Tun")
	return c, nil
}

// SetStatusListener sets a callback that will be called on every status change.
func (c *Controller) SetStatusListener(listener StatusListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = listener
}

// broadcastStatus sends status update to listener.
func (c *Controller) broadcastStatus() {
	c.listenerMu.RLock()
	listener := c.listener
	c.listenerMu.RUnlock()
	if listener != nil {
		listener(c.Status())
	}
}

func (c *Controller) update(fn func(s *session)) {
	c.mu.Lock()
	fn(&c.sess)
	c.mu.Unlock()
	c.broadcastStatus()
}

package core

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/tunnel-client/internal/config"
	"github.com/user/tunnel-client/internal/dns"
	"github.com/user/tunnel-client/internal/logger/logtest"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/netcfg/netcfgtest"
	"github.com/user/tunnel-client/internal/process"
	"github.com/user/tunnel-client/internal/routing"
	"github.com/user/tunnel-client/internal/tun"
)

var (
	serverIP = netip.MustParseAddr("203.0.113.9")
	physGW   = netip.MustParseAddr("192.168.1.1")
)

var ruleNames = []string{"V-Nexus_KS_AllowVPN", "V-Nexus_KS_Block", "V-Nexus_KS_DNS", "V-Nexus_KS_Lan"}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell scripts as child processes")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	c    *Controller
	fake *netcfgtest.Fake
	rec  *logtest.Recorder
	cfg  *config.Config
}

func newHarness(t *testing.T, helperBinary string) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Helper.Binary = helperBinary
	cfg.Helper.ProcessName = filepath.Base(helperBinary)
	cfg.Interface.PollIntervalMs = 10
	cfg.Interface.ReadinessTimeoutMs = 200
	cfg.Interface.SettleDelayMs = 0

	fake := netcfgtest.New()
	fake.SetDefaultRoutes(
		netcfg.DefaultRoute{Gateway: netip.MustParseAddr("10.0.0.1"), Interface: "tun0", Metric: 0},
		netcfg.DefaultRoute{Gateway: physGW, Interface: "Wi-Fi", Metric: 25},
	)
	rec := &logtest.Recorder{}
	c, err := NewController(cfg, fake, WithLogger(rec))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return &harness{c: c, fake: fake, rec: rec, cfg: cfg}
}

func sleeperHelper(t *testing.T) string {
	return writeScript(t, "tun2socks", `echo "args: $@"
exec sleep 30`)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartStopScenario(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))

	msg, err := h.c.StartTunnel(context.Background(), TunnelRequest{
		ServerIP:   "203.0.113.9",
		ProxyPort:  10808,
		KillSwitch: true,
		DNSServers: []string{"9.9.9.9"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "203.0.113.9") {
		t.Fatalf("unexpected message %q", msg)
	}

	if !h.fake.HasRoute(netcfg.HostPrefix(serverIP), physGW) {
		t.Fatal("bypass route missing")
	}
	st := h.c.Status()
	if st.State != StateActive || st.ServerIP != serverIP || st.Gateway != physGW {
		t.Fatalf("status = %+v", st)
	}
	if len(st.BypassRoutes) != 1 || st.BypassRoutes[0].Metric != 5 {
		t.Fatalf("bypass routes = %+v", st.BypassRoutes)
	}
	if !st.KillSwitch.Enabled || st.KillSwitch.AllowedIP != serverIP {
		t.Fatalf("kill switch = %+v", st.KillSwitch)
	}
	if got := h.fake.RuleNames(); !reflect.DeepEqual(got, ruleNames) {
		t.Fatalf("rules = %v", got)
	}
	if !st.HelperRunning {
		t.Fatal("helper not running")
	}
	waitFor(t, func() bool {
		_, ok := h.rec.Find("-device tun://tun0 -proxy socks5://127.0.0.1:10808 -loglevel info")
		return ok
	})
	addr, ok := h.fake.Address("tun0")
	if !ok || addr.IP.String() != "10.0.0.2" || addr.Mask.String() != "255.255.255.0" || addr.Gateway.String() != "10.0.0.1" {
		t.Fatalf("interface address = %+v", addr)
	}
	if got := h.fake.DNS("tun0"); len(got) != 1 || got[0].String() != "9.9.9.9" {
		t.Fatalf("dns = %v", got)
	}

	for i := 0; i < 2; i++ {
		if got := h.c.StopTunnel(); got != "Tunnel stopped" {
			t.Fatalf("stop %d returned %q", i, got)
		}
	}
	if h.fake.HasRoute(netcfg.HostPrefix(serverIP), netip.Addr{}) {
		t.Fatal("bypass route left behind")
	}
	if got := h.fake.RuleNames(); len(got) != 0 {
		t.Fatalf("rules left behind: %v", got)
	}
	st = h.c.Status()
	if st.State != StateIdle || st.HelperRunning || st.ServerIP.IsValid() || len(st.BypassRoutes) != 0 {
		t.Fatalf("status after stop = %+v", st)
	}
}

func TestStopWhenIdleOnlyRunsNoOps(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")

	if got := h.c.StopTunnel(); got != "Tunnel stopped" {
		t.Fatalf("stop returned %q", got)
	}
	for _, call := range h.fake.Calls() {
		if !strings.HasPrefix(call, "KillByName:") && !strings.HasPrefix(call, "DeleteFirewallRule:") {
			t.Fatalf("unexpected host mutation %q", call)
		}
	}
	if h.fake.RouteCount() != 0 {
		t.Fatal("routes changed")
	}
}

func TestKillSwitchPartialFailureIsCleanedUp(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))
	h.fake.FailOn("AddFirewallRule:V-Nexus_KS_Lan", errors.New("access is denied"))

	if _, err := h.c.StartTunnel(context.Background(), TunnelRequest{
		ServerIP: "203.0.113.9", ProxyPort: 10808, KillSwitch: true,
	}); err != nil {
		t.Fatalf("kill switch failure must not fail start: %v", err)
	}
	if got := h.fake.RuleNames(); len(got) != 3 {
		t.Fatalf("rules = %v", got)
	}
	if _, ok := h.rec.Find("V-Nexus_KS_Lan not installed"); !ok {
		t.Fatal("rule failure not logged")
	}

	h.c.StopTunnel()
	if got := h.fake.RuleNames(); len(got) != 0 {
		t.Fatalf("rules left behind: %v", got)
	}
}

func TestDNSFallback(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))

	if _, err := h.c.StartTunnel(context.Background(), TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808}); err != nil {
		t.Fatal(err)
	}
	if got := h.fake.DNS("tun0"); !reflect.DeepEqual(got, dns.DefaultFallback) {
		t.Fatalf("dns = %v", got)
	}
	if len(h.fake.RuleNames()) != 0 {
		t.Fatal("kill switch rules installed without request")
	}
}

func TestGatewayFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")
	h.fake.SetDefaultRoutes()

	_, err := h.c.StartTunnel(context.Background(), TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808, KillSwitch: true})
	if !errors.Is(err, routing.ErrNoGatewayFound) {
		t.Fatalf("expected ErrNoGatewayFound, got %v", err)
	}
	if got := h.fake.Calls(); !reflect.DeepEqual(got, []string{"DefaultRoutes"}) {
		t.Fatalf("calls = %v", got)
	}
	if h.c.State() != StateIdle {
		t.Fatalf("state = %s", h.c.State())
	}
}

func TestBypassRouteFailureAborts(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")
	h.fake.FailOn("AddRoute", errors.New("The requested operation requires elevation."))

	_, err := h.c.StartTunnel(context.Background(), TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808, KillSwitch: true})
	if err == nil || !strings.Contains(err.Error(), "requires elevation") {
		t.Fatalf("expected bypass route error with command output, got %v", err)
	}
	if h.c.State() != StateIdle || h.c.Status().HelperRunning {
		t.Fatal("session should be idle with no helper")
	}
	if len(h.fake.RuleNames()) != 0 {
		t.Fatal("kill switch applied after bypass failure")
	}
}

func TestSpawnFailureRollsBackSetup(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "missing-helper"))

	_, err := h.c.StartTunnel(context.Background(), TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808, KillSwitch: true})
	if !errors.Is(err, process.ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if h.fake.HasRoute(netcfg.HostPrefix(serverIP), netip.Addr{}) {
		t.Fatal("bypass route not rolled back")
	}
	if len(h.fake.RuleNames()) != 0 {
		t.Fatal("kill switch not rolled back")
	}
	st := h.c.Status()
	if st.State != StateIdle || st.ServerIP.IsValid() {
		t.Fatalf("status = %+v", st)
	}
}

func TestFailedRollbackKeepsServerForStop(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "missing-helper"))
	deleteKey := "DeleteRoute:" + netcfg.HostPrefix(serverIP).String()
	h.fake.FailOn(deleteKey, errors.New("access denied"))
	req := TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808}

	_, err := h.c.StartTunnel(context.Background(), req)
	if !errors.Is(err, process.ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	st := h.c.Status()
	if st.State != StateFailed || st.ServerIP != serverIP {
		t.Fatalf("status = %+v", st)
	}
	if !h.fake.HasRoute(netcfg.HostPrefix(serverIP), physGW) {
		t.Fatal("route expected to survive the failed rollback")
	}
	if _, err := h.c.StartTunnel(context.Background(), req); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning before stop, got %v", err)
	}

	h.fake.FailOn(deleteKey, nil)
	h.c.StopTunnel()
	if h.fake.HasRoute(netcfg.HostPrefix(serverIP), netip.Addr{}) {
		t.Fatal("stop did not retry the route removal")
	}
	if h.c.State() != StateIdle {
		t.Fatalf("state after stop = %s", h.c.State())
	}
}

func TestInterfaceTimeoutRequiresStop(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))
	h.fake.ReadyAfter(-1)
	req := TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808}

	_, err := h.c.StartTunnel(context.Background(), req)
	if !errors.Is(err, tun.ErrInterfaceTimeout) {
		t.Fatalf("expected ErrInterfaceTimeout, got %v", err)
	}
	st := h.c.Status()
	if st.State != StateFailed || !st.HelperRunning || st.ServerIP != serverIP {
		t.Fatalf("status after timeout = %+v", st)
	}
	if !h.fake.HasRoute(netcfg.HostPrefix(serverIP), physGW) {
		t.Fatal("bypass route should remain until stop")
	}

	if _, err := h.c.StartTunnel(context.Background(), req); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning before stop, got %v", err)
	}

	h.c.StopTunnel()
	if h.fake.HasRoute(netcfg.HostPrefix(serverIP), netip.Addr{}) {
		t.Fatal("bypass route left behind")
	}

	h.fake.ReadyAfter(0)
	if _, err := h.c.StartTunnel(context.Background(), req); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestInterfaceConfigFailureRequiresStop(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))
	h.fake.FailOn("SetDNSServers", errors.New("No MSFT_NetAdapter objects found"))

	_, err := h.c.StartTunnel(context.Background(), TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808})
	if err == nil || !strings.Contains(err.Error(), "StopTunnel") {
		t.Fatalf("expected error mentioning StopTunnel, got %v", err)
	}
	if h.c.State() != StateFailed {
		t.Fatalf("state = %s", h.c.State())
	}
	h.c.StopTunnel()
	if h.c.State() != StateIdle {
		t.Fatalf("state after stop = %s", h.c.State())
	}
}

func TestConcurrentStartsOneWins(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, sleeperHelper(t))
	req := TunnelRequest{ServerIP: "203.0.113.9", ProxyPort: 10808}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.c.StartTunnel(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")
	cases := []TunnelRequest{
		{ServerIP: "vpn.example.com", ProxyPort: 10808},
		{ServerIP: "2001:db8::1", ProxyPort: 10808},
		{ServerIP: "203.0.113.9", ProxyPort: 0},
		{ServerIP: "203.0.113.9", ProxyPort: 10808, DNSServers: []string{"dns.google"}},
	}
	for _, req := range cases {
		if _, err := h.c.StartTunnel(context.Background(), req); err == nil {
			t.Fatalf("expected error for %+v", req)
		}
	}
	if len(h.fake.Calls()) != 0 {
		t.Fatalf("invalid request touched the host: %v", h.fake.Calls())
	}
}

func TestProxyEngineSupersede(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, "/nonexistent/tun2socks")
	h.c.enginePath = writeScript(t, "xray", `echo "assets=$XRAY_LOCATION_ASSET"
exec sleep 30`)

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	body := `{"inbounds":[{"tag":"socks-in","port":10808,"protocol":"socks"}]}`
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := h.c.StartProxyEngine(cfgPath); err != nil {
		t.Fatal(err)
	}
	first := h.c.engine.PID()
	if _, err := h.c.StartProxyEngine(cfgPath); err != nil {
		t.Fatal(err)
	}
	second := h.c.engine.PID()
	if first == second || !h.c.IsProxyEngineRunning() {
		t.Fatalf("expected a replacement process, pids %d and %d", first, second)
	}
	if _, ok := h.rec.Find("Stopping previous instance (pid"); !ok {
		t.Fatal("supersede not logged")
	}
	if _, ok := h.rec.Find("socks-in inbound on port 10808"); !ok {
		t.Fatal("port diagnostic not logged")
	}

	if got := h.c.StopProxyEngine(); got != "Proxy engine stopped" {
		t.Fatalf("stop returned %q", got)
	}
	if h.c.IsProxyEngineRunning() {
		t.Fatal("engine still running")
	}
}

func TestStartProxyEngineMissingConfig(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")
	if _, err := h.c.StartProxyEngine(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error")
	}
	if h.c.IsProxyEngineRunning() {
		t.Fatal("engine should not be running")
	}
}

func TestEmergencyCleanupTwice(t *testing.T) {
	cfg := config.DefaultConfig()
	fake := netcfgtest.New()
	for _, name := range ruleNames {
		fake.SeedRule(netcfg.Rule{Name: name})
	}
	fake.SeedRoute(netcfg.DefaultPrefix, netip.MustParseAddr("10.4.2.1"))

	if errs := EmergencyCleanup(cfg, fake, &logtest.Recorder{}); len(errs) != 0 {
		t.Fatalf("first cleanup errors: %v", errs)
	}
	if len(fake.RuleNames()) != 0 || fake.RouteCount() != 0 {
		t.Fatalf("host not cleaned: rules=%v routes=%d", fake.RuleNames(), fake.RouteCount())
	}
	if got := fake.Killed(); len(got) != 1 || got[0] != cfg.Helper.ProcessName {
		t.Fatalf("killed = %v", got)
	}

	if errs := EmergencyCleanup(cfg, fake, &logtest.Recorder{}); len(errs) != 0 {
		t.Fatalf("second cleanup errors: %v", errs)
	}
	if len(fake.RuleNames()) != 0 || fake.RouteCount() != 0 {
		t.Fatal("second cleanup changed state")
	}
}

func TestEmergencyCleanupContinuesPastFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	fake := netcfgtest.New()
	fake.SeedRule(netcfg.Rule{Name: "V-Nexus_KS_Block"})
	fake.FailOn("KillByName", errors.New("access denied"))

	errs := EmergencyCleanup(cfg, fake, &logtest.Recorder{})
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if len(fake.RuleNames()) != 0 {
		t.Fatal("rules not removed after kill failure")
	}
}

func TestSocksInboundPort(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	os.WriteFile(good, []byte(`{"inbounds":[{"tag":"http-in","port":10809},{"tag":"socks-in","port":2080}]}`), 0o600)
	if port, err := SocksInboundPort(good); err != nil || port != 2080 {
		t.Fatalf("port = %d, err = %v", port, err)
	}

	missing := filepath.Join(dir, "missing.json")
	os.WriteFile(missing, []byte(`{"inbounds":[]}`), 0o600)
	if _, err := SocksInboundPort(missing); err == nil {
		t.Fatal("expected error when socks-in is absent")
	}
}

func TestStatusListener(t *testing.T) {
	h := newHarness(t, "/nonexistent/tun2socks")
	var mu sync.Mutex
	var states []State
	h.c.SetStatusListener(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	h.c.StopTunnel()
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != StateIdle {
		t.Fatalf("states = %v", states)
	}
}

// blockingKill holds the first KillByName for image until release is
// closed, keeping the caller inside its stop sequence.
type blockingKill struct {
	*netcfgtest.Fake
	image   string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingKill) KillByName(image string) error {
	if image == b.image {
		first := false
		b.once.Do(func() { first = true })
		if first {
			close(b.entered)
			<-b.release
		}
	}
	return b.Fake.KillByName(image)
}

func TestStopDuringStartsKeepsSingleSession(t *testing.T) {
	requireUnix(t)
	helper := sleeperHelper(t)
	cfg := config.DefaultConfig()
	cfg.Helper.Binary = helper
	cfg.Helper.ProcessName = filepath.Base(helper)
	cfg.Interface.PollIntervalMs = 10
	cfg.Interface.ReadinessTimeoutMs = 500
	cfg.Interface.SettleDelayMs = 0

	fake := netcfgtest.New()
	fake.SetDefaultRoutes(netcfg.DefaultRoute{Gateway: physGW, Interface: "Wi-Fi", Metric: 25})
	backend := &blockingKill{
		Fake:    fake,
		image:   cfg.Helper.ProcessName,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := NewController(cfg, backend, WithLogger(&logtest.Recorder{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Shutdown() })

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.StopTunnel()
	}()
	<-backend.entered

	// The first start arrives while the stop is in progress, the second
	// once the stop is done and the first is still waiting for tun0.
	fake.ReadyAfter(5)
	req := TunnelRequest{ServerIP: serverIP.String(), ProxyPort: 10808}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.StartTunnel(context.Background(), req)
		}()
	}

	start(0)
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	<-stopped
	start(1)
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %s, want active", c.State())
	}
	if !fake.HasRoute(netcfg.HostPrefix(serverIP), physGW) {
		t.Fatal("bypass route missing")
	}
	if !c.Status().HelperRunning {
		t.Fatal("helper not running")
	}
}

package killswitch

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/user/tunnel-client/internal/logger/logtest"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/netcfg/netcfgtest"
)

var server = netip.MustParseAddr("203.0.113.9")

func newKillSwitch(t *testing.T, fake *netcfgtest.Fake) *KillSwitch {
	t.Helper()
	ks, err := New(fake, Config{}, &logtest.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestEnableInstallsRulesInOrder(t *testing.T) {
	fake := netcfgtest.New()
	ks := newKillSwitch(t, fake)

	if errs := ks.Enable(server); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}

	want := []string{
		"AddFirewallRule:V-Nexus_KS_Block",
		"AddFirewallRule:V-Nexus_KS_AllowVPN",
		"AddFirewallRule:V-Nexus_KS_Lan",
		"AddFirewallRule:V-Nexus_KS_DNS",
	}
	if got := fake.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	allow, _ := fake.Rule("V-Nexus_KS_AllowVPN")
	if len(allow.Remote) != 1 || allow.Remote[0].Addr() != server {
		t.Fatalf("AllowVPN remote = %v", allow.Remote)
	}
	lan, _ := fake.Rule("V-Nexus_KS_Lan")
	wantLAN := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("127.0.0.1/32"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	if !reflect.DeepEqual(lan.Remote, wantLAN) {
		t.Fatalf("Lan remote = %v", lan.Remote)
	}
	dns, _ := fake.Rule("V-Nexus_KS_DNS")
	if dns.Protocol != "udp" || dns.RemotePort != 53 || dns.Action != netcfg.ActionAllow {
		t.Fatalf("DNS rule = %+v", dns)
	}

	st := ks.Status()
	if !st.Enabled || st.AllowedIP != server {
		t.Fatalf("status = %+v", st)
	}
}

func TestEnablePartialFailureIsNotFatal(t *testing.T) {
	fake := netcfgtest.New()
	fake.FailOn("AddFirewallRule:V-Nexus_KS_Lan", errors.New("access denied"))
	ks := newKillSwitch(t, fake)

	errs := ks.Enable(server)
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	want := []string{"V-Nexus_KS_AllowVPN", "V-Nexus_KS_Block", "V-Nexus_KS_DNS"}
	if got := fake.RuleNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rules = %v, want %v", got, want)
	}

	// Disable removes everything, including the rule that never existed.
	ks.Disable()
	if got := fake.RuleNames(); len(got) != 0 {
		t.Fatalf("rules left after disable: %v", got)
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	fake := netcfgtest.New()
	ks := newKillSwitch(t, fake)
	fake.SeedRule(netcfg.Rule{Name: "V-Nexus_KS_Block", Action: netcfg.ActionBlock})

	if errs := ks.Disable(); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if errs := ks.Disable(); len(errs) != 0 {
		t.Fatalf("unexpected errors on second disable %v", errs)
	}
	if len(fake.RuleNames()) != 0 {
		t.Fatal("rules left behind")
	}
	if ks.IsEnabled() {
		t.Fatal("kill switch still enabled")
	}
}

func TestDisableContinuesPastFailures(t *testing.T) {
	fake := netcfgtest.New()
	ks := newKillSwitch(t, fake)
	ks.Enable(server)
	fake.FailOn("DeleteFirewallRule:V-Nexus_KS_AllowVPN", errors.New("rpc unavailable"))

	errs := ks.Disable()
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if got := fake.RuleNames(); !reflect.DeepEqual(got, []string{"V-Nexus_KS_AllowVPN"}) {
		t.Fatalf("rules = %v", got)
	}
}

func TestLANRangesCoalesced(t *testing.T) {
	fake := netcfgtest.New()
	ks, err := New(fake, Config{LANRanges: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("192.168.1.0/24"),
	}}, &logtest.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	ks.Enable(server)

	lan, _ := fake.Rule("V-Nexus_KS_Lan")
	want := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.168.1.0/24")}
	if !reflect.DeepEqual(lan.Remote, want) {
		t.Fatalf("Lan remote = %v, want %v", lan.Remote, want)
	}
}

func TestBlockRuleExemptsTunnelInterface(t *testing.T) {
	fake := netcfgtest.New()
	ks, err := New(fake, Config{Interface: "tun0"}, &logtest.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	ks.Enable(server)

	block, _ := fake.Rule("V-Nexus_KS_Block")
	if block.ExceptInterface != "tun0" {
		t.Fatalf("block rule = %+v", block)
	}
}

func TestServerInsideLANIsReported(t *testing.T) {
	rec := &logtest.Recorder{}
	ks, err := New(netcfgtest.New(), Config{}, rec)
	if err != nil {
		t.Fatal(err)
	}
	ks.Enable(netip.MustParseAddr("192.168.1.50"))
	if _, ok := rec.Find("inside the LAN ranges"); !ok {
		t.Fatal("expected warning for a server inside the LAN ranges")
	}

	rec = &logtest.Recorder{}
	ks, _ = New(netcfgtest.New(), Config{}, rec)
	ks.Enable(server)
	if _, ok := rec.Find("inside the LAN ranges"); ok {
		t.Fatal("unexpected LAN warning for a public server")
	}
}

func TestCustomPrefix(t *testing.T) {
	ks, err := New(netcfgtest.New(), Config{Prefix: "Tunnel_KS"}, &logtest.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Tunnel_KS_Block", "Tunnel_KS_AllowVPN", "Tunnel_KS_Lan", "Tunnel_KS_DNS"}
	if got := ks.RuleNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v", got)
	}
}

package routing

import (
	"context"
	"net/netip"
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugin/plugintest"
	"github.com/psaab/netcfgd/pkg/plugins/wanlink"
)

type fakeUplink struct {
	plugin.Base
	dev      string
	gw       string
	addr     string
	ready    bool
	priority int
	table    int
}

func (f *fakeUplink) Configure(config.Node) error                 { return nil }
func (f *fakeUplink) Apply(context.Context, plugin.Handle) error { return nil }
func (f *fakeUplink) Flush(context.Context) error                 { return nil }
func (f *fakeUplink) Device() string                              { return f.dev }
func (f *fakeUplink) Ready() bool                                 { return f.ready }
func (f *fakeUplink) Priority() int                               { return f.priority }
func (f *fakeUplink) Table() int                                  { return f.table }

func (f *fakeUplink) Gateway() netip.Addr {
	a, _ := netip.ParseAddr(f.gw)
	return a
}

func (f *fakeUplink) Address() netip.Prefix {
	p, _ := netip.ParsePrefix(f.addr)
	return p
}

func wanID(name string) plugin.ID { return plugin.ID{Category: wanlink.Category, Name: name} }

type fixture struct {
	nl   *plugintest.Netlink
	h    *plugintest.Handle
	r    *Routing
	wan0 *fakeUplink
	wan1 *fakeUplink
}

func newFixture(t *testing.T, node config.Node) *fixture {
	t.Helper()
	f := &fixture{nl: plugintest.NewNetlink()}
	f.nl.AddLink("eth0", 1500)
	f.nl.AddLink("eth1", 1500)
	f.nl.AddLink("lan0", 1500)
	f.wan0 = &fakeUplink{dev: "eth0", gw: "198.51.100.1", addr: "198.51.100.10/24", ready: true, priority: 10, table: 100}
	f.wan1 = &fakeUplink{dev: "eth1", gw: "203.0.113.1", addr: "203.0.113.10/24", ready: true, priority: 20, table: 101}

	id := plugin.ID{Category: Category, Name: "main"}
	f.h = plugintest.NewHandle(id, map[plugin.ID]plugin.Plugin{
		wanID("wan0"): f.wan0,
		wanID("wan1"): f.wan1,
	})
	f.r = New(id, f.nl)
	if err := f.r.Configure(node); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return f
}

func (f *fixture) reapply(t *testing.T) {
	t.Helper()
	if err := f.r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.r.Apply(context.Background(), f.h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func mainDefault(nl *plugintest.Netlink) *netlink.Route {
	for _, r := range nl.Routes() {
		if r.Table == unix.RT_TABLE_MAIN && r.Dst == nil {
			return &r
		}
	}
	return nil
}

func TestFailoverFollowsReadiness(t *testing.T) {
	f := newFixture(t, config.Node{})
	f.reapply(t)

	if subs := f.h.Subscribed(); len(subs) != 2 {
		t.Fatalf("subscribed = %v", subs)
	}
	r := mainDefault(f.nl)
	if r == nil || r.Gw.String() != "198.51.100.1" || r.Priority != defaultMetric {
		t.Fatalf("default = %+v", r)
	}

	f.wan0.ready = false
	f.reapply(t)
	if r := mainDefault(f.nl); r == nil || r.Gw.String() != "203.0.113.1" {
		t.Fatalf("failover default = %+v", r)
	}
	st, _ := f.r.State(context.Background())
	if st.(Status).ActiveWAN != "wan1" {
		t.Errorf("active = %q", st.(Status).ActiveWAN)
	}

	f.wan1.ready = false
	f.reapply(t)
	if r := mainDefault(f.nl); r != nil {
		t.Errorf("default route with no ready wan: %+v", r)
	}
}

func TestPriorityTieBreaksByName(t *testing.T) {
	f := newFixture(t, config.Node{})
	f.wan1.priority = f.wan0.priority
	f.reapply(t)
	st, _ := f.r.State(context.Background())
	if st.(Status).ActiveWAN != "wan0" {
		t.Errorf("active = %q", st.(Status).ActiveWAN)
	}
}

func TestPolicyTablesAndRules(t *testing.T) {
	f := newFixture(t, config.Node{})
	f.wan1.ready = false
	f.reapply(t)

	// Per-WAN tables are installed regardless of readiness.
	tables := map[int]bool{}
	for _, r := range f.nl.Routes() {
		tables[r.Table] = true
	}
	if !tables[100] || !tables[101] {
		t.Errorf("tables = %v", tables)
	}
	rules := f.nl.Rules()
	if len(rules) != 2 || rules[0].Priority != wanRulePriority || rules[0].Src.String() != "198.51.100.10/32" {
		t.Fatalf("rules = %+v", rules)
	}

	if err := f.r.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.nl.Routes()) != 0 || len(f.nl.Rules()) != 0 {
		t.Errorf("left behind routes=%v rules=%v", f.nl.Routes(), f.nl.Rules())
	}
}

func TestRestrictedWANs(t *testing.T) {
	f := newFixture(t, config.Node{"wans": []any{"wan1"}})
	f.reapply(t)
	if subs := f.h.Subscribed(); len(subs) != 1 || subs[0] != wanID("wan1") {
		t.Errorf("subscribed = %v", subs)
	}
	if r := mainDefault(f.nl); r == nil || r.Gw.String() != "203.0.113.1" {
		t.Errorf("default = %+v", r)
	}

	bad := newFixture(t, config.Node{"wans": []any{"wan9"}})
	if err := bad.r.Apply(context.Background(), bad.h); err == nil {
		t.Error("unknown wan accepted")
	}
}

func TestStaticRoutes(t *testing.T) {
	f := newFixture(t, config.Node{"routes": []any{
		map[string]any{"destination": "10.20.0.0/16", "gateway": "192.168.1.2"},
		map[string]any{"destination": "10.30.0.5/16", "device": "lan0", "table": 50},
	}})
	f.reapply(t)

	entries, err := f.r.Routes()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]RouteEntry{}
	for _, e := range entries {
		got[e.Destination] = e
	}
	if e := got["10.20.0.0/16"]; e.NextHop != "192.168.1.2" || e.Protocol != "static" {
		t.Errorf("gateway route = %+v", e)
	}
	if e := got["10.30.0.0/16"]; e.Interface != "lan0" || e.NextHop != "direct" || e.Table != 50 {
		t.Errorf("device route = %+v", e)
	}
}

func TestConfigureRejects(t *testing.T) {
	tests := []config.Node{
		{"routes": []any{map[string]any{"destination": "nope", "gateway": "10.0.0.1"}}},
		{"routes": []any{map[string]any{"destination": "10.0.0.0/8"}}},
		{"metric": -1},
	}
	for _, n := range tests {
		if err := New(plugin.ID{Category: Category, Name: "main"}, nil).Configure(n); err == nil {
			t.Errorf("Configure(%v) accepted", n)
		}
	}
}

func TestLinkDownReapplies(t *testing.T) {
	f := newFixture(t, config.Node{})
	f.reapply(t)
	f.r.OnEvent(context.Background(), f.h, plugin.Event{Type: plugin.EventLinkDown, Payload: map[string]any{"iface": "lan0"}})
	if m, _, _ := f.h.Counts(); m != 0 {
		t.Fatal("unrouted link triggered reapply")
	}
	f.r.OnEvent(context.Background(), f.h, plugin.Event{Type: plugin.EventLinkDown, Payload: map[string]any{"iface": "eth0"}})
	if m, _, s := f.h.Counts(); m != 1 || s != 1 {
		t.Errorf("marked=%d scheduled=%d", m, s)
	}
}

func TestRtProtoName(t *testing.T) {
	tests := map[netlink.RouteProtocol]string{
		unix.RTPROT_KERNEL: "connected",
		unix.RTPROT_STATIC: "static",
		unix.RTPROT_DHCP:   "dhcp",
		42:                 "42",
	}
	for p, want := range tests {
		if got := rtProtoName(p); got != want {
			t.Errorf("rtProtoName(%d) = %q, want %q", p, got, want)
		}
	}
}

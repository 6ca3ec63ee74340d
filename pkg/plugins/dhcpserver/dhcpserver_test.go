package dhcpserver

import (
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugin/plugintest"
	"github.com/psaab/netcfgd/pkg/plugins/iface"
)

type fakeRunner struct {
	mu       sync.Mutex
	restarts int
	stops    int
	synced   chan struct{}
}

func newFakeRunner() *fakeRunner { return &fakeRunner{synced: make(chan struct{}, 8)} }

func (r *fakeRunner) Restart(context.Context, string) error {
	r.mu.Lock()
	r.restarts++
	r.mu.Unlock()
	r.synced <- struct{}{}
	return nil
}

func (r *fakeRunner) Stop(context.Context, string) error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.synced <- struct{}{}
	return nil
}

func (r *fakeRunner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts, r.stops
}

type lanIface struct {
	plugin.Base
	dev      string
	prefixes []netip.Prefix
}

func (l *lanIface) Configure(config.Node) error                 { return nil }
func (l *lanIface) Apply(context.Context, plugin.Handle) error { return nil }
func (l *lanIface) Flush(context.Context) error                 { return nil }
func (l *lanIface) Device() string                              { return l.dev }
func (l *lanIface) Prefixes() []netip.Prefix                    { return l.prefixes }

func newService(t *testing.T, clock clockz.Clock) (*Service, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	r := newFakeRunner()
	svc := NewService(r, clock)
	svc.ConfigPath = filepath.Join(dir, "kea", "kea-dhcp4.conf")
	svc.LeasePath = filepath.Join(dir, "kea-leases4.csv")
	return svc, r
}

func readKea(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		Dhcp4 map[string]any
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	return cfg.Dhcp4
}

func scopeNode() config.Node {
	return config.Node{"range_start": "192.168.1.100", "range_end": "192.168.1.200", "dns": []any{"192.168.1.1"}}
}

func lanHandle(id plugin.ID, l *lanIface) *plugintest.Handle {
	return plugintest.NewHandle(id, map[plugin.ID]plugin.Plugin{
		{Category: iface.Category, Name: "lan0"}: l,
	})
}

func TestApplyWritesScope(t *testing.T) {
	svc, _ := newService(t, clockz.NewFakeClock())
	id := plugin.ID{Category: Category, Name: "lan0"}
	s := New(id, svc)
	if err := s.Configure(scopeNode()); err != nil {
		t.Fatal(err)
	}
	lan := &lanIface{dev: "br-lan", prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/24")}}
	h := lanHandle(id, lan)
	if err := s.Apply(context.Background(), h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if subs := h.Subscribed(); len(subs) != 1 || subs[0].Category != iface.Category {
		t.Errorf("subscribed = %v", subs)
	}

	kea := readKea(t, svc.ConfigPath)
	subnets := kea["subnet4"].([]any)
	if len(subnets) != 1 {
		t.Fatalf("subnets = %v", subnets)
	}
	sub := subnets[0].(map[string]any)
	if sub["subnet"] != "192.168.1.0/24" || sub["interface"] != "br-lan" {
		t.Errorf("subnet = %v", sub)
	}
	opts := sub["option-data"].([]any)
	if router := opts[0].(map[string]any); router["name"] != "routers" || router["data"] != "192.168.1.1" {
		t.Errorf("router option = %v", router)
	}
	ifaces := kea["interfaces-config"].(map[string]any)["interfaces"].([]any)
	if len(ifaces) != 1 || ifaces[0] != "br-lan" {
		t.Errorf("interfaces = %v", ifaces)
	}
}

func TestApplyFollowsInterfaceAddress(t *testing.T) {
	svc, _ := newService(t, clockz.NewFakeClock())
	id := plugin.ID{Category: Category, Name: "lan0"}
	s := New(id, svc)
	if err := s.Configure(scopeNode()); err != nil {
		t.Fatal(err)
	}
	lan := &lanIface{dev: "br-lan", prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}}
	if err := s.Apply(context.Background(), lanHandle(id, lan)); !plugin.IsFatal(err) {
		t.Fatalf("range off-subnet: err = %v, want fatal", err)
	}

	lan.prefixes = []netip.Prefix{netip.MustParsePrefix("192.168.1.150/24")}
	if err := s.Apply(context.Background(), lanHandle(id, lan)); !plugin.IsFatal(err) {
		t.Fatalf("interface address inside range: err = %v, want fatal", err)
	}

	lan.prefixes = []netip.Prefix{netip.MustParsePrefix("192.168.1.1/25")}
	if err := s.Apply(context.Background(), lanHandle(id, lan)); !plugin.IsFatal(err) {
		t.Fatalf("range end outside subnet: err = %v, want fatal", err)
	}
}

func TestMissingInterface(t *testing.T) {
	svc, _ := newService(t, clockz.NewFakeClock())
	id := plugin.ID{Category: Category, Name: "lan0"}
	s := New(id, svc)
	if err := s.Configure(scopeNode()); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(context.Background(), plugintest.NewHandle(id, nil)); err == nil {
		t.Error("scope without interface applied")
	}
}

func TestRestartIsDebounced(t *testing.T) {
	clock := clockz.NewFakeClock()
	svc, runner := newService(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	lan := &lanIface{dev: "br-lan", prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/24")}}
	id := plugin.ID{Category: Category, Name: "lan0"}
	s := New(id, svc)
	if err := s.Configure(scopeNode()); err != nil {
		t.Fatal(err)
	}
	// Flush and apply in one pass, as a reconfiguration does.
	for i := 0; i < 3; i++ {
		if err := s.Flush(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Apply(ctx, lanHandle(id, lan)); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(restartDelay)
	clock.BlockUntilReady()
	select {
	case <-runner.synced:
	case <-time.After(time.Second):
		t.Fatal("no restart")
	}
	if r, st := runner.counts(); r != 1 || st != 0 {
		t.Errorf("restarts=%d stops=%d", r, st)
	}
	if !svc.Running() {
		t.Error("service not running after restart")
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(svc.ConfigPath); !os.IsNotExist(err) {
		t.Errorf("config left after last scope: %v", err)
	}
	clock.Advance(restartDelay)
	clock.BlockUntilReady()
	select {
	case <-runner.synced:
	case <-time.After(time.Second):
		t.Fatal("no stop")
	}
	if _, st := runner.counts(); st != 1 {
		t.Errorf("stops = %d", st)
	}
}

func TestOneScopePerInterface(t *testing.T) {
	svc, _ := newService(t, clockz.NewFakeClock())
	if err := svc.Set("a", Scope{Interface: "br-lan", Subnet: "192.168.1.0/24"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Set("b", Scope{Interface: "br-lan", Subnet: "192.168.1.0/24"}); err == nil {
		t.Error("second scope on the same interface accepted")
	}
	if err := svc.Set("a", Scope{Interface: "br-lan", Subnet: "192.168.2.0/24"}); err != nil {
		t.Errorf("replacing own scope: %v", err)
	}
}

func TestStateFiltersLeasesBySubnet(t *testing.T) {
	svc, _ := newService(t, clockz.NewFakeClock())
	csv := `address,hwaddr,client_id,valid_lifetime,expire,subnet_id,fqdn_fwd,fqdn_rev,hostname,state,user_context,pool_id
192.168.1.100,aa:bb:cc:dd:ee:01,,86400,1707868800,1,0,0,client1,0,,0
192.168.2.100,aa:bb:cc:dd:ee:02,,86400,1707955200,2,0,0,client2,0,,0
`
	if err := os.WriteFile(svc.LeasePath, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}
	id := plugin.ID{Category: Category, Name: "lan0"}
	s := New(id, svc)
	if err := s.Configure(scopeNode()); err != nil {
		t.Fatal(err)
	}
	lan := &lanIface{dev: "br-lan", prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/24")}}
	if err := s.Apply(context.Background(), lanHandle(id, lan)); err != nil {
		t.Fatal(err)
	}
	st, err := s.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := st.(Status)
	if got.SubnetID != 1 || len(got.Leases) != 1 || got.Leases[0].Hostname != "client1" {
		t.Errorf("state = %+v", got)
	}
}

func TestConfigureRejects(t *testing.T) {
	tests := []config.Node{
		{"range_start": "192.168.1.200", "range_end": "192.168.1.100"},
		{"range_start": "192.168.1.100"},
		{"range_start": "fe80::1", "range_end": "fe80::2"},
		{"range_start": "192.168.1.100", "range_end": "192.168.1.200", "lease_time": 10},
	}
	for _, n := range tests {
		if err := New(plugin.ID{Category: Category, Name: "lan0"}, nil).Configure(n); err == nil {
			t.Errorf("Configure(%v) accepted", n)
		}
	}
}

func TestParseLeaseCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kea-leases4.csv")
	csv := `address,hwaddr,client_id,valid_lifetime,expire,subnet_id,fqdn_fwd,fqdn_rev,hostname,state,user_context,pool_id
10.0.1.100,aa:bb:cc:dd:ee:01,,86400,1707868800,1,0,0,client1,0,,0
10.0.1.101,aa:bb:cc:dd:ee:02,,86400,1707955200,1,0,0,client2,0,,0
`
	if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}
	leases, err := parseLeaseCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}
	l := leases[0]
	if l.Address != "10.0.1.100" || l.HWAddress != "aa:bb:cc:dd:ee:01" || l.Hostname != "client1" ||
		l.ValidLife != "86400" || l.SubnetID != "1" {
		t.Errorf("lease = %+v", l)
	}
}

func TestParseLeaseCSVMissingOrEmpty(t *testing.T) {
	leases, err := parseLeaseCSV("/nonexistent/path")
	if err != nil || leases != nil {
		t.Errorf("missing file: %v %v", leases, err)
	}
	path := filepath.Join(t.TempDir(), "kea-leases4.csv")
	if err := os.WriteFile(path, []byte("address,hwaddr\n"), 0644); err != nil {
		t.Fatal(err)
	}
	leases, err = parseLeaseCSV(path)
	if err != nil || len(leases) != 0 {
		t.Errorf("empty file: %v %v", leases, err)
	}
}

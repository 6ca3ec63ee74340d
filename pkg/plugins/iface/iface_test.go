package iface

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugin/plugintest"
)

func configure(t *testing.T, p *Interface, n config.Node) {
	t.Helper()
	if err := p.Configure(n); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func TestConfigureValidation(t *testing.T) {
	tests := []struct {
		name string
		node config.Node
		ok   bool
	}{
		{"empty", config.Node{}, true},
		{"full", config.Node{"mtu": 1500, "addresses": []any{"10.0.0.1/24", "2001:db8::1/64"}}, true},
		{"mtu too small", config.Node{"mtu": 20}, false},
		{"bad address", config.Node{"addresses": []any{"10.0.0.1"}}, false},
		{"vlan without id", config.Node{"vlan": map[string]any{"parent": "eth0"}}, false},
		{"vlan id range", config.Node{"vlan": map[string]any{"parent": "eth0", "id": 5000}}, false},
		{"vlan on itself", config.Node{"vlan": map[string]any{"parent": "lan0", "id": 10}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(plugin.ID{Category: Category, Name: "lan0"}, nil).Configure(tt.node)
			if (err == nil) != tt.ok {
				t.Errorf("Configure = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestApplyAndFlush(t *testing.T) {
	nl := plugintest.NewNetlink()
	eth0 := nl.AddLink("eth0", 1500)
	nl.AddrReplace(eth0, &netlink.Addr{IPNet: prefixToIPNet(netip.MustParsePrefix("192.0.2.99/24"))})

	id := plugin.ID{Category: Category, Name: "eth0"}
	p := New(id, nl)
	configure(t, p, config.Node{"mtu": 9000, "addresses": []any{"10.0.0.1/24"}})
	h := plugintest.NewHandle(id, nil)

	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	link, _ := nl.LinkByName("eth0")
	if link.Attrs().MTU != 9000 {
		t.Errorf("mtu = %d", link.Attrs().MTU)
	}
	if got := nl.Addrs("eth0"); !slices.Contains(got, "10.0.0.1/24") {
		t.Errorf("addrs = %v", got)
	}
	if got := p.Prefixes(); len(got) != 1 || got[0] != netip.MustParsePrefix("10.0.0.1/24") {
		t.Errorf("Prefixes = %v", got)
	}

	st, err := p.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if s := st.(Status); s.OperState != "up" || s.MTU != 9000 || len(s.Addresses) != 2 {
		t.Errorf("state = %+v", s)
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The foreign address survives.
	if got := nl.Addrs("eth0"); len(got) != 1 || got[0] != "192.0.2.99/24" {
		t.Errorf("after flush addrs = %v", got)
	}
}

func TestApplyMissingLinkIsFatal(t *testing.T) {
	id := plugin.ID{Category: Category, Name: "eth9"}
	p := New(id, plugintest.NewNetlink())
	configure(t, p, config.Node{})
	err := p.Apply(context.Background(), plugintest.NewHandle(id, nil))
	if !plugin.IsFatal(err) {
		t.Errorf("err = %v, want fatal", err)
	}
}

func TestAddressChangeRemovesOldAddress(t *testing.T) {
	nl := plugintest.NewNetlink()
	nl.AddLink("eth0", 1500)
	id := plugin.ID{Category: Category, Name: "eth0"}
	p := New(id, nl)
	h := plugintest.NewHandle(id, nil)

	configure(t, p, config.Node{"addresses": []any{"10.0.0.1/24"}})
	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	configure(t, p, config.Node{"addresses": []any{"10.0.1.1/24"}})
	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if got := nl.Addrs("eth0"); len(got) != 1 || got[0] != "10.0.1.1/24" {
		t.Errorf("addrs = %v", got)
	}
}

func TestVLANSubscribesToParent(t *testing.T) {
	nl := plugintest.NewNetlink()
	nl.AddLink("eth0", 1500)
	parentID := plugin.ID{Category: Category, Name: "eth0"}
	parent := New(parentID, nl)
	configure(t, parent, config.Node{})

	id := plugin.ID{Category: Category, Name: "guest"}
	p := New(id, nl)
	configure(t, p, config.Node{"device": "eth0.20", "vlan": map[string]any{"parent": "eth0", "id": 20}})

	// Unknown parent is reported, not guessed.
	if err := p.Apply(context.Background(), plugintest.NewHandle(id, nil)); !errors.Is(err, plugin.ErrUnknownInstance) {
		t.Fatalf("err = %v, want unknown instance", err)
	}

	h := plugintest.NewHandle(id, map[plugin.ID]plugin.Plugin{parentID: parent})
	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if subs := h.Subscribed(); len(subs) != 1 || subs[0] != parentID {
		t.Errorf("subscribed = %v", subs)
	}
	if _, err := nl.LinkByName("eth0.20"); err != nil {
		t.Fatalf("vlan not created: %v", err)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := nl.LinkByName("eth0.20"); err == nil {
		t.Error("vlan survived flush")
	}
}

func TestLinkUpEventReapplies(t *testing.T) {
	id := plugin.ID{Category: Category, Name: "eth0"}
	p := New(id, plugintest.NewNetlink())
	configure(t, p, config.Node{})
	h := plugintest.NewHandle(id, nil)

	p.OnEvent(context.Background(), h, plugin.Event{Type: plugin.EventLinkUp, Payload: map[string]any{"iface": "eth1"}})
	p.OnEvent(context.Background(), h, plugin.Event{Type: plugin.EventLinkDown, Payload: map[string]any{"iface": "eth0"}})
	if m, _, s := h.Counts(); m != 0 || s != 0 {
		t.Fatalf("unrelated events acted on: marked=%d scheduled=%d", m, s)
	}
	p.OnEvent(context.Background(), h, plugin.Event{Type: plugin.EventLinkUp, Payload: map[string]any{"iface": "eth0"}})
	if m, _, s := h.Counts(); m != 1 || s != 1 {
		t.Errorf("marked=%d scheduled=%d", m, s)
	}
}

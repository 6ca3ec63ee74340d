// Package wanlink implements the "wan" plugin: an uplink with an optional
// DHCP client and a health monitor whose readiness drives failover.
package wanlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/dhcp"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugins/iface"
	"github.com/psaab/netcfgd/pkg/wan"
)

// Category is the tree key for WAN instances.
const Category = "wan"

// InitSeq runs WANs after interfaces and before routing and services.
const InitSeq = 20

// Config is one WAN instance.
type Config struct {
	// Device defaults to the instance name.
	Device string `yaml:"device" validate:"omitempty,max=15"`
	// Interface names the interface instance carrying the link. Defaults
	// to an interface instance of the same name, if there is one.
	Interface   string        `yaml:"interface"`
	DHCP        *dhcp.Options `yaml:"dhcp"`
	Gateway     string        `yaml:"gateway" validate:"omitempty,ipv4"`
	Nameservers []string      `yaml:"nameservers" validate:"dive,ip"`
	// Priority orders WANs for failover; lower wins.
	Priority int `yaml:"priority" validate:"min=0,max=1000"`
	// Table is the policy routing table for traffic sourced from this WAN.
	Table  int        `yaml:"table" validate:"omitempty,min=1,max=252"`
	Health wan.Config `yaml:"health"`
}

// DHCPClient is the part of the DHCP manager a WAN drives.
type DHCPClient interface {
	SetOptions(ifaceName string, opts *dhcp.Options)
	Start(ifaceName string)
	Stop(ifaceName string)
	Renew(ifaceName string) error
	LeaseFor(ifaceName string) *dhcp.Lease
}

// Deps are the daemon services a WAN instance uses.
type Deps struct {
	DHCP    DHCPClient
	Group   *wan.Group
	Prober  wan.Prober
	Stale   wan.StaleChecker
	Publish func(plugin.Event) bool
	// MonitorOptions are appended to every monitor's options.
	MonitorOptions []wan.Option
}

// Registration returns the manifest entry for WANs.
func Registration(d Deps) plugin.Registration {
	return plugin.Registration{
		Category:  Category,
		InitSeq:   InitSeq,
		Interface: true,
		New:       func(id plugin.ID) plugin.Plugin { return New(id, d) },
	}
}

// WAN is the plugin value for one instance.
type WAN struct {
	id   plugin.ID
	deps Deps

	// cmu guards the committed configuration. Configure runs on the
	// reconcile pass while OnEvent and State run on other goroutines.
	cmu         sync.RWMutex
	cfg         Config
	gateway     netip.Addr
	nameservers []netip.Addr

	mu          sync.Mutex
	mon         *wan.Monitor
	monDevice   string
	dhcpStarted bool
}

// New returns an unconfigured WAN instance.
func New(id plugin.ID, d Deps) *WAN {
	return &WAN{id: id, deps: d}
}

// config returns a copy of the committed configuration.
func (w *WAN) config() Config {
	w.cmu.RLock()
	defer w.cmu.RUnlock()
	return w.cfg
}

func (w *WAN) deviceOf(cfg Config) string {
	if cfg.Device != "" {
		return cfg.Device
	}
	return w.id.Name
}

// Device returns the kernel link name.
func (w *WAN) Device() string { return w.deviceOf(w.config()) }

// Configure implements plugin.Plugin.
func (w *WAN) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	var gw netip.Addr
	if cfg.Gateway != "" {
		a, err := netip.ParseAddr(cfg.Gateway)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		gw = a
	}
	var ns []netip.Addr
	for _, s := range cfg.Nameservers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("nameserver %q: %w", s, err)
		}
		ns = append(ns, a)
	}
	if cfg.DHCP == nil && !gw.IsValid() {
		return fmt.Errorf("either dhcp or a static gateway is required")
	}
	w.cmu.Lock()
	w.cfg = cfg
	w.gateway = gw
	w.nameservers = ns
	w.cmu.Unlock()
	return nil
}

// Apply implements plugin.Plugin. It subscribes to the carrying interface,
// starts the DHCP client and (re)starts the health monitor with a pending
// test armed, so the first verdict after any change reaches dependents.
func (w *WAN) Apply(ctx context.Context, h plugin.Handle) error {
	cfg := w.config()
	if err := w.subscribeInterface(h, cfg); err != nil {
		return err
	}
	dev := w.deviceOf(cfg)

	if cfg.DHCP != nil && w.deps.DHCP != nil {
		w.deps.DHCP.SetOptions(dev, cfg.DHCP)
		w.deps.DHCP.Start(dev)
		w.mu.Lock()
		w.dhcpStarted = true
		w.mu.Unlock()
	}

	mcfg := w.monitorConfig(cfg)
	opts := w.monitorOptions(cfg)
	w.mu.Lock()
	if w.mon == nil || w.monDevice != dev {
		w.mon = wan.NewMonitor(mcfg, opts...)
		w.monDevice = dev
	} else {
		w.mon.SetConfig(mcfg)
	}
	mon := w.mon
	w.mu.Unlock()

	if w.deps.Group != nil {
		w.deps.Group.Add(w.id.Name, mon)
	}
	mon.ArmPendingTest()
	// The monitor outlives the pass that started it; Flush stops it.
	mon.Start(context.WithoutCancel(ctx))
	slog.Info("wan applied", "instance", w.id, "device", dev, "dhcp", cfg.DHCP != nil,
		"gateway", mcfg.Gateway)
	return nil
}

func (w *WAN) subscribeInterface(h plugin.Handle, cfg Config) error {
	name := cfg.Interface
	explicit := name != ""
	if !explicit {
		name = w.id.Name
	}
	ifID := plugin.ID{Category: iface.Category, Name: name}
	if _, ok := h.Lookup(ifID); !ok && !explicit {
		return nil
	}
	if err := h.SubscribeChangeFrom(ifID); err != nil {
		return fmt.Errorf("interface %s: %w", name, err)
	}
	return nil
}

func (w *WAN) monitorConfig(cfg Config) wan.Config {
	mcfg := cfg.Health
	mcfg.Interface = w.deviceOf(cfg)
	if gw := w.Gateway(); gw.IsValid() {
		mcfg.Gateway = gw.String()
	}
	return mcfg
}

func (w *WAN) monitorOptions(cfg Config) []wan.Option {
	var opts []wan.Option
	if w.deps.Prober != nil {
		opts = append(opts, wan.WithProber(w.deps.Prober))
	}
	if w.deps.Stale != nil {
		opts = append(opts, wan.WithStaleChecker(w.deps.Stale))
	}
	if cfg.DHCP != nil && w.deps.DHCP != nil {
		opts = append(opts, wan.WithRenewer(w.deps.DHCP))
	}
	opts = append(opts, wan.WithOnChange(w.stateChanged), wan.WithOnCaptive(w.captivePortal))
	return append(opts, w.deps.MonitorOptions...)
}

// stateChanged runs on the monitor goroutine. It hands the change to the
// event dispatcher, whose delivery calls OnEvent with a live Handle.
func (w *WAN) stateChanged(st wan.Status) {
	w.publish(plugin.Event{
		Type:   plugin.EventWANState,
		Target: w.id,
		Payload: map[string]any{
			"iface":        st.Interface,
			"ready":        st.Ready,
			"pending_test": st.PendingTest,
			"active":       st.Active,
		},
	})
}

func (w *WAN) captivePortal(ifaceName, location string) {
	w.publish(plugin.Event{
		Type:    plugin.EventCaptivePortal,
		Payload: map[string]any{"iface": ifaceName, "wan": w.id.Name, "location": location},
	})
}

func (w *WAN) publish(ev plugin.Event) {
	if w.deps.Publish != nil {
		w.deps.Publish(ev)
	}
}

// Flush implements plugin.Plugin. The monitor value is kept so readiness
// survives a re-apply of the same device.
func (w *WAN) Flush(context.Context) error {
	w.mu.Lock()
	mon := w.mon
	stopDHCP := w.dhcpStarted
	w.dhcpStarted = false
	dev := w.monDevice
	w.mu.Unlock()

	if mon != nil {
		mon.Stop()
		if w.deps.Group != nil {
			w.deps.Group.Remove(w.id.Name)
		}
	}
	if stopDHCP {
		if dev == "" {
			dev = w.Device()
		}
		w.deps.DHCP.Stop(dev)
	}
	return nil
}

// Ready reports the monitor's verdict. A WAN that was never applied is
// not ready.
func (w *WAN) Ready() bool {
	w.mu.Lock()
	mon := w.mon
	w.mu.Unlock()
	return mon != nil && mon.Ready()
}

// Priority returns the failover priority; lower wins.
func (w *WAN) Priority() int { return w.config().Priority }

// Table returns the policy routing table, or 0 for none.
func (w *WAN) Table() int { return w.config().Table }

// Gateway returns the DHCP gateway when a lease is held, else the static one.
func (w *WAN) Gateway() netip.Addr {
	if lease := w.lease(); lease != nil && lease.Gateway.IsValid() {
		return lease.Gateway
	}
	w.cmu.RLock()
	defer w.cmu.RUnlock()
	return w.gateway
}

// Address returns the leased address, if any.
func (w *WAN) Address() netip.Prefix {
	if lease := w.lease(); lease != nil {
		return lease.Address
	}
	return netip.Prefix{}
}

// Nameservers returns the configured servers followed by leased ones.
func (w *WAN) Nameservers() []netip.Addr {
	w.cmu.RLock()
	out := slices.Clone(w.nameservers)
	w.cmu.RUnlock()
	if lease := w.lease(); lease != nil {
		for _, a := range lease.DNS {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

func (w *WAN) lease() *dhcp.Lease {
	cfg := w.config()
	if cfg.DHCP == nil || w.deps.DHCP == nil {
		return nil
	}
	return w.deps.DHCP.LeaseFor(w.deviceOf(cfg))
}

// Status is the state snapshot of a WAN.
type Status struct {
	Device      string        `json:"device"`
	Ready       bool          `json:"ready"`
	PendingTest bool          `json:"pendingTest"`
	Active      bool          `json:"active"`
	Priority    int           `json:"priority"`
	Gateway     string        `json:"gateway,omitempty"`
	Failures    []wan.Failure `json:"failures,omitempty"`
	Health      *wan.Status   `json:"health,omitempty"`
	Lease       *dhcp.Lease   `json:"lease,omitempty"`
}

// State implements plugin.Plugin.
func (w *WAN) State(context.Context) (any, error) {
	cfg := w.config()
	st := Status{Device: w.deviceOf(cfg), Priority: cfg.Priority, Lease: w.lease()}
	if gw := w.Gateway(); gw.IsValid() {
		st.Gateway = gw.String()
	}
	w.mu.Lock()
	mon := w.mon
	w.mu.Unlock()
	if mon != nil {
		hs := mon.Status()
		st.Ready = hs.Ready
		st.PendingTest = hs.PendingTest
		st.Active = hs.Active
		st.Failures = hs.Failures
		st.Health = &hs
	}
	return st, nil
}

// OnEvent implements plugin.Plugin.
//
// A readiness change only touches dependents: the WAN itself is not
// flushed, otherwise every verdict would restart its own monitor.
func (w *WAN) OnEvent(_ context.Context, h plugin.Handle, ev plugin.Event) {
	switch ev.Type {
	case plugin.EventWANState:
		if ev.Target != w.id {
			return
		}
		h.NotifySubscribers()
		h.ScheduleReapply()

	case plugin.EventLeaseChange:
		if cfg := w.config(); ev.String("iface") != w.deviceOf(cfg) || cfg.DHCP == nil {
			return
		}
		w.mu.Lock()
		mon := w.mon
		w.mu.Unlock()
		if mon == nil {
			return
		}
		gw := w.Gateway()
		slog.Info("wan lease changed", "instance", w.id, "gateway", gw, "address", w.Address())
		mon.SetGateway(gw)
		mon.ArmPendingTest()
		h.NotifySubscribers()
		h.ScheduleReapply()

	case plugin.EventLinkUp, plugin.EventLinkDown:
		if ev.String("iface") != w.Device() {
			return
		}
		w.mu.Lock()
		mon := w.mon
		w.mu.Unlock()
		if mon != nil {
			mon.Trigger()
		}
	}
}

// Package routing implements the "routing" plugin: the failover default
// route over ready WANs, per-WAN policy tables and static routes.
package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugins/wanlink"
)

// Category is the tree key for routing instances.
const Category = "routing"

// InitSeq runs routing after WANs.
const InitSeq = 30

const (
	mainTable = unix.RT_TABLE_MAIN

	// defaultMetric is the metric of the failover default route.
	defaultMetric = 100

	// wanRulePriority is the base priority for per-WAN source rules.
	wanRulePriority = 1000
)

// Config is one routing instance.
type Config struct {
	// WANs restricts failover to these wan instances. Empty means all.
	WANs   []string      `yaml:"wans"`
	Metric int           `yaml:"metric" validate:"omitempty,min=1"`
	Routes []StaticRoute `yaml:"routes" validate:"dive"`
}

// StaticRoute is an extra route installed alongside the default.
type StaticRoute struct {
	Destination string `yaml:"destination" validate:"required,cidr"`
	Gateway     string `yaml:"gateway" validate:"required_without=Device,omitempty,ip"`
	Device      string `yaml:"device"`
	Table       int    `yaml:"table" validate:"omitempty,min=1,max=252"`
	Metric      int    `yaml:"metric" validate:"omitempty,min=1"`
}

// Uplink is what routing needs from a WAN instance.
type Uplink interface {
	Device() string
	Gateway() netip.Addr
	Address() netip.Prefix
	Ready() bool
	Priority() int
	Table() int
}

// Handle abstracts the netlink calls the plugin makes.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
}

// Registration returns the manifest entry for routing.
func Registration(nl Handle) plugin.Registration {
	return plugin.Registration{
		Category: Category,
		InitSeq:  InitSeq,
		New:      func(id plugin.ID) plugin.Plugin { return New(id, nl) },
	}
}

// Routing is the plugin value for one instance.
type Routing struct {
	id  plugin.ID
	nl  Handle
	cfg Config

	// Set by Apply, undone by Flush.
	routes []netlink.Route
	rules  []netlink.Rule
	active string
}

// New returns an unconfigured routing instance.
func New(id plugin.ID, nl Handle) *Routing {
	return &Routing{id: id, nl: nl}
}

// Configure implements plugin.Plugin.
func (r *Routing) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	for _, sr := range cfg.Routes {
		if _, err := netip.ParsePrefix(sr.Destination); err != nil {
			return fmt.Errorf("route %q: %w", sr.Destination, err)
		}
	}
	if cfg.Metric == 0 {
		cfg.Metric = defaultMetric
	}
	r.cfg = cfg
	return nil
}

type candidate struct {
	name string
	up   Uplink
}

// Apply implements plugin.Plugin.
func (r *Routing) Apply(_ context.Context, h plugin.Handle) error {
	cands, err := r.uplinks(h)
	if err != nil {
		return err
	}

	var errs []error
	best := selectUplink(cands)
	if best != nil {
		if err := r.installDefault(best.up, mainTable, r.cfg.Metric); err != nil {
			errs = append(errs, err)
		} else {
			r.active = best.name
			slog.Info("default route via wan", "wan", best.name, "gateway", best.up.Gateway(),
				"device", best.up.Device())
		}
	} else {
		r.active = ""
		slog.Warn("no ready wan, no default route", "instance", r.id, "candidates", len(cands))
	}

	prio := wanRulePriority
	for _, c := range cands {
		table := c.up.Table()
		if table == 0 || !c.up.Gateway().IsValid() {
			continue
		}
		if err := r.installDefault(c.up, table, r.cfg.Metric); err != nil {
			errs = append(errs, err)
			continue
		}
		if src := c.up.Address(); src.IsValid() {
			rule := netlink.NewRule()
			rule.Src = prefixToIPNet(netip.PrefixFrom(src.Addr(), src.Addr().BitLen()))
			rule.Table = table
			rule.Priority = prio
			rule.Family = unix.AF_INET
			if err := r.nl.RuleAdd(rule); err != nil {
				errs = append(errs, fmt.Errorf("rule from %s lookup %d: %w", src.Addr(), table, err))
				continue
			}
			r.rules = append(r.rules, *rule)
			prio++
		}
	}

	for _, sr := range r.cfg.Routes {
		if err := r.installStatic(sr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// uplinks subscribes to and collects the WAN instances in scope.
func (r *Routing) uplinks(h plugin.Handle) ([]candidate, error) {
	var ids []plugin.ID
	if len(r.cfg.WANs) > 0 {
		for _, name := range r.cfg.WANs {
			ids = append(ids, plugin.ID{Category: wanlink.Category, Name: name})
		}
	} else {
		ids = h.Instances(wanlink.Category)
	}

	var cands []candidate
	for _, id := range ids {
		if err := h.SubscribeChangeFrom(id); err != nil {
			return nil, fmt.Errorf("wan %s: %w", id.Name, err)
		}
		p, ok := h.Lookup(id)
		if !ok {
			continue
		}
		up, ok := p.(Uplink)
		if !ok {
			return nil, plugin.Fatal("%s is not an uplink", id)
		}
		cands = append(cands, candidate{name: id.Name, up: up})
	}
	return cands, nil
}

// selectUplink picks the ready uplink with a gateway and the lowest
// priority, ties broken by name.
func selectUplink(cands []candidate) *candidate {
	var ready []candidate
	for _, c := range cands {
		if c.up.Ready() && c.up.Gateway().IsValid() {
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	slices.SortFunc(ready, func(a, b candidate) int {
		if c := cmp.Compare(a.up.Priority(), b.up.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	return &ready[0]
}

func (r *Routing) installDefault(up Uplink, table, metric int) error {
	link, err := r.nl.LinkByName(up.Device())
	if err != nil {
		return fmt.Errorf("wan link %s: %w", up.Device(), err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        net.IP(up.Gateway().AsSlice()),
		Table:     table,
		Priority:  metric,
		Protocol:  unix.RTPROT_STATIC,
		Family:    unix.AF_INET,
	}
	if err := r.nl.RouteReplace(route); err != nil {
		return fmt.Errorf("default via %s table %d: %w", up.Gateway(), table, err)
	}
	r.routes = append(r.routes, *route)
	return nil
}

func (r *Routing) installStatic(sr StaticRoute) error {
	dst := netip.MustParsePrefix(sr.Destination).Masked()
	route := &netlink.Route{
		Dst:      prefixToIPNet(dst),
		Table:    cmp.Or(sr.Table, mainTable),
		Priority: sr.Metric,
		Protocol: unix.RTPROT_STATIC,
	}
	if sr.Gateway != "" {
		gw, err := netip.ParseAddr(sr.Gateway)
		if err != nil {
			return fmt.Errorf("route %s gateway: %w", sr.Destination, err)
		}
		route.Gw = net.IP(gw.AsSlice())
	}
	if sr.Device != "" {
		link, err := r.nl.LinkByName(sr.Device)
		if err != nil {
			return fmt.Errorf("route %s device %s: %w", sr.Destination, sr.Device, err)
		}
		route.LinkIndex = link.Attrs().Index
	}
	if err := r.nl.RouteReplace(route); err != nil {
		return fmt.Errorf("route %s: %w", sr.Destination, err)
	}
	r.routes = append(r.routes, *route)
	return nil
}

// Flush implements plugin.Plugin.
func (r *Routing) Flush(context.Context) error {
	for i := range r.routes {
		if err := r.nl.RouteDel(&r.routes[i]); err != nil {
			slog.Debug("route removal failed", "table", r.routes[i].Table, "err", err)
		}
	}
	for i := range r.rules {
		if err := r.nl.RuleDel(&r.rules[i]); err != nil {
			slog.Debug("rule removal failed", "priority", r.rules[i].Priority, "err", err)
		}
	}
	r.routes, r.rules, r.active = nil, nil, ""
	return nil
}

// RouteEntry represents a kernel routing table entry.
type RouteEntry struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Interface   string `json:"interface,omitempty"`
	Protocol    string `json:"protocol"`
	Table       int    `json:"table"`
	Metric      int    `json:"metric"`
}

// Status is the state snapshot of a routing instance.
type Status struct {
	ActiveWAN string       `json:"active_wan,omitempty"`
	Installed []RouteEntry `json:"installed"`
	Rules     int          `json:"rules"`
}

// State implements plugin.Plugin.
func (r *Routing) State(context.Context) (any, error) {
	st := Status{ActiveWAN: r.active, Installed: []RouteEntry{}, Rules: len(r.rules)}
	for _, rt := range r.routes {
		st.Installed = append(st.Installed, r.routeToEntry(rt))
	}
	return st, nil
}

// Routes reads the kernel IPv4 and IPv6 tables.
func (r *Routing) Routes() ([]RouteEntry, error) {
	var entries []RouteEntry
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := r.nl.RouteList(nil, family)
		if err != nil {
			return nil, fmt.Errorf("route list: %w", err)
		}
		for _, rt := range routes {
			entries = append(entries, r.routeToEntry(rt))
		}
	}
	return entries, nil
}

func (r *Routing) routeToEntry(rt netlink.Route) RouteEntry {
	entry := RouteEntry{
		Protocol: rtProtoName(rt.Protocol),
		Table:    rt.Table,
		Metric:   rt.Priority,
	}
	switch {
	case rt.Dst != nil:
		entry.Destination = rt.Dst.String()
	case rt.Family == netlink.FAMILY_V6:
		entry.Destination = "::/0"
	default:
		entry.Destination = "0.0.0.0/0"
	}
	switch {
	case rt.Gw != nil:
		entry.NextHop = rt.Gw.String()
	case rt.Type == unix.RTN_BLACKHOLE:
		entry.NextHop = "discard"
	default:
		entry.NextHop = "direct"
	}
	if rt.LinkIndex > 0 {
		if link, err := r.nl.LinkByIndex(rt.LinkIndex); err == nil {
			entry.Interface = link.Attrs().Name
		} else {
			entry.Interface = strconv.Itoa(rt.LinkIndex)
		}
	}
	return entry
}

func rtProtoName(p netlink.RouteProtocol) string {
	switch int(p) {
	case unix.RTPROT_REDIRECT:
		return "redirect"
	case unix.RTPROT_KERNEL:
		return "connected"
	case unix.RTPROT_BOOT:
		return "boot"
	case unix.RTPROT_STATIC:
		return "static"
	case unix.RTPROT_DHCP:
		return "dhcp"
	case unix.RTPROT_RA:
		return "ra"
	default:
		return strconv.Itoa(int(p))
	}
}

// OnEvent implements plugin.Plugin. Readiness changes reach routing
// through its WAN subscriptions, so only link loss needs handling here.
func (r *Routing) OnEvent(_ context.Context, h plugin.Handle, ev plugin.Event) {
	if ev.Type != plugin.EventLinkDown {
		return
	}
	dev := ev.String("iface")
	for _, rt := range r.routes {
		if rt.LinkIndex == 0 {
			continue
		}
		link, err := r.nl.LinkByIndex(rt.LinkIndex)
		if err != nil || link.Attrs().Name == dev {
			slog.Info("routed link went down, reapplying", "instance", r.id, "iface", dev)
			h.MarkChanged()
			h.ScheduleReapply()
			return
		}
	}
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}

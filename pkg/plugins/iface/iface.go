// Package iface implements the "interface" plugin: link state, MTU, VLAN
// sub-interfaces and static addresses, programmed with netlink.
package iface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/vishvananda/netlink"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
)

// Category is the tree key for interface instances.
const Category = "interface"

// InitSeq places interfaces before everything that runs on top of them.
const InitSeq = 10

// Config is one interface instance.
type Config struct {
	// Device is the kernel link name. Defaults to the instance name.
	Device    string      `yaml:"device" validate:"omitempty,max=15"`
	MTU       int         `yaml:"mtu" validate:"omitempty,min=68,max=9216"`
	Disable   bool        `yaml:"disable"`
	Addresses []string    `yaml:"addresses" validate:"dive,cidr"`
	VLAN      *VLANConfig `yaml:"vlan"`
}

// VLANConfig makes the interface an 802.1Q sub-interface of Parent.
type VLANConfig struct {
	// Parent names another interface instance.
	Parent string `yaml:"parent" validate:"required"`
	ID     int    `yaml:"id" validate:"required,min=1,max=4094"`
}

// Handle abstracts the netlink calls the plugin makes.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetMTU(link netlink.Link, mtu int) error
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

// Registration returns the manifest entry for interfaces.
func Registration(nl Handle) plugin.Registration {
	return plugin.Registration{
		Category:  Category,
		InitSeq:   InitSeq,
		Interface: true,
		New:       func(id plugin.ID) plugin.Plugin { return New(id, nl) },
	}
}

// Interface is the plugin value for one instance.
type Interface struct {
	id  plugin.ID
	nl  Handle
	cfg Config

	prefixes []netip.Prefix

	// Set by Apply, undone by Flush.
	installed   []netip.Prefix
	createdVLAN bool
}

// New returns an unconfigured interface instance.
func New(id plugin.ID, nl Handle) *Interface {
	return &Interface{id: id, nl: nl}
}

// Device returns the kernel link name.
func (p *Interface) Device() string {
	if p.cfg.Device != "" {
		return p.cfg.Device
	}
	return p.id.Name
}

// Configure implements plugin.Plugin.
func (p *Interface) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	var prefixes []netip.Prefix
	for _, a := range cfg.Addresses {
		pfx, err := netip.ParsePrefix(a)
		if err != nil {
			return fmt.Errorf("address %q: %w", a, err)
		}
		prefixes = append(prefixes, pfx)
	}
	if cfg.VLAN != nil && cfg.VLAN.Parent == p.id.Name {
		return fmt.Errorf("vlan parent %q is the interface itself", cfg.VLAN.Parent)
	}
	p.cfg = cfg
	p.prefixes = prefixes
	return nil
}

// Prefixes returns the configured static addresses.
func (p *Interface) Prefixes() []netip.Prefix {
	return slices.Clone(p.prefixes)
}

// Apply implements plugin.Plugin.
func (p *Interface) Apply(ctx context.Context, h plugin.Handle) error {
	dev := p.Device()
	if p.cfg.VLAN != nil {
		parentID := plugin.ID{Category: Category, Name: p.cfg.VLAN.Parent}
		if err := h.SubscribeChangeFrom(parentID); err != nil {
			return fmt.Errorf("vlan parent: %w", err)
		}
		if err := p.ensureVLAN(h, parentID); err != nil {
			return err
		}
	}

	link, err := p.nl.LinkByName(dev)
	if err != nil {
		return plugin.Fatal("link %s not found: %v", dev, err)
	}

	if p.cfg.MTU > 0 && link.Attrs().MTU != p.cfg.MTU {
		if err := p.nl.LinkSetMTU(link, p.cfg.MTU); err != nil {
			return fmt.Errorf("set mtu %d on %s: %w", p.cfg.MTU, dev, err)
		}
	}

	if p.cfg.Disable {
		if err := p.nl.LinkSetDown(link); err != nil {
			return fmt.Errorf("set %s down: %w", dev, err)
		}
	} else if err := p.nl.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", dev, err)
	}

	return p.syncAddresses(link)
}

func (p *Interface) ensureVLAN(h plugin.Handle, parentID plugin.ID) error {
	dev := p.Device()
	if _, err := p.nl.LinkByName(dev); err == nil {
		return nil
	}
	parentDev := parentID.Name
	if pp, ok := h.Lookup(parentID); ok {
		if parent, ok := pp.(*Interface); ok {
			parentDev = parent.Device()
		}
	}
	parent, err := p.nl.LinkByName(parentDev)
	if err != nil {
		return fmt.Errorf("vlan parent %s: %w", parentDev, err)
	}
	vlan := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{Name: dev, ParentIndex: parent.Attrs().Index},
		VlanId:    p.cfg.VLAN.ID,
	}
	if err := p.nl.LinkAdd(vlan); err != nil {
		return fmt.Errorf("create vlan %s: %w", dev, err)
	}
	p.createdVLAN = true
	slog.Info("vlan created", "name", dev, "parent", parentDev, "id", p.cfg.VLAN.ID)
	return nil
}

// syncAddresses installs the configured addresses and removes ones a
// previous Apply installed that are no longer wanted. Addresses added by
// anyone else (DHCP, the kernel) are left alone.
func (p *Interface) syncAddresses(link netlink.Link) error {
	var errs []error
	for _, old := range p.installed {
		if slices.Contains(p.prefixes, old) {
			continue
		}
		if err := p.nl.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(old)}); err != nil {
			slog.Debug("stale address removal failed", "link", link.Attrs().Name, "address", old, "err", err)
		}
	}
	p.installed = nil
	for _, pfx := range p.prefixes {
		if err := p.nl.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(pfx)}); err != nil {
			errs = append(errs, fmt.Errorf("add %s to %s: %w", pfx, link.Attrs().Name, err))
			continue
		}
		p.installed = append(p.installed, pfx)
	}
	return errors.Join(errs...)
}

// Flush implements plugin.Plugin. MTU and link state are left as they are.
func (p *Interface) Flush(context.Context) error {
	link, err := p.nl.LinkByName(p.Device())
	if err != nil {
		p.installed = nil
		p.createdVLAN = false
		return nil
	}
	for _, pfx := range p.installed {
		if err := p.nl.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(pfx)}); err != nil {
			slog.Debug("address removal failed", "link", p.Device(), "address", pfx, "err", err)
		}
	}
	p.installed = nil
	if p.createdVLAN {
		if err := p.nl.LinkDel(link); err != nil {
			return fmt.Errorf("delete vlan %s: %w", p.Device(), err)
		}
		p.createdVLAN = false
	}
	return nil
}

// Status is the state snapshot of an interface.
type Status struct {
	Device    string   `json:"device"`
	OperState string   `json:"oper_state"`
	MTU       int      `json:"mtu"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses"`
}

// State implements plugin.Plugin.
func (p *Interface) State(context.Context) (any, error) {
	link, err := p.nl.LinkByName(p.Device())
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", p.Device(), err)
	}
	attrs := link.Attrs()
	st := Status{
		Device:    attrs.Name,
		OperState: attrs.OperState.String(),
		MTU:       attrs.MTU,
		MAC:       attrs.HardwareAddr.String(),
		Addresses: []string{},
	}
	addrs, err := p.nl.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return st, nil
	}
	for _, a := range addrs {
		if a.IPNet != nil {
			st.Addresses = append(st.Addresses, a.IPNet.String())
		}
	}
	return st, nil
}

// OnEvent re-applies the interface when its link comes back, since a
// re-created device has lost its addresses and MTU.
func (p *Interface) OnEvent(_ context.Context, h plugin.Handle, ev plugin.Event) {
	if ev.Type != plugin.EventLinkUp || ev.String("iface") != p.Device() {
		return
	}
	slog.Info("interface link up, reapplying", "instance", p.id, "device", p.Device())
	h.MarkChanged()
	h.ScheduleReapply()
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}

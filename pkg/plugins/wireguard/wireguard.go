// Package wireguard implements the "wireguard" plugin: a kernel WireGuard
// link with its peers, addresses and routes to the peers' allowed IPs.
package wireguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
)

// Category is the tree key for WireGuard instances.
const Category = "wireguard"

// InitSeq creates tunnels right after physical interfaces.
const InitSeq = 15

const defaultMTU = 1420

// Config is one WireGuard link.
type Config struct {
	Device     string   `yaml:"device" validate:"omitempty,max=15"`
	PrivateKey string   `yaml:"private_key" validate:"required,base64"`
	ListenPort int      `yaml:"listen_port" validate:"omitempty,min=1,max=65535"`
	MTU        int      `yaml:"mtu" validate:"omitempty,min=1280,max=9000"`
	Addresses  []string `yaml:"addresses" validate:"dive,cidr"`
	Peers      []Peer   `yaml:"peers" validate:"dive"`
}

// Peer is one remote WireGuard endpoint.
type Peer struct {
	PublicKey    string   `yaml:"public_key" validate:"required,base64"`
	PresharedKey string   `yaml:"preshared_key" validate:"omitempty,base64"`
	Endpoint     string   `yaml:"endpoint" validate:"omitempty,hostname_port"`
	AllowedIPs   []string `yaml:"allowed_ips" validate:"dive,cidr"`
	// Keepalive is the persistent keepalive interval in seconds.
	Keepalive int `yaml:"keepalive" validate:"omitempty,min=1,max=65535"`
}

// Client is the subset of *wgctrl.Client the plugin uses.
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
}

// Handle abstracts the netlink calls the plugin makes.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetMTU(link netlink.Link, mtu int) error
	LinkSetUp(link netlink.Link) error
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// Registration returns the manifest entry for WireGuard links.
func Registration(nl Handle, wg Client) plugin.Registration {
	return plugin.Registration{
		Category:  Category,
		InitSeq:   InitSeq,
		Interface: true,
		New:       func(id plugin.ID) plugin.Plugin { return New(id, nl, wg) },
	}
}

type peer struct {
	cfg        wgtypes.PeerConfig
	allowedIPs []netip.Prefix
}

// Tunnel is the plugin value for one instance.
type Tunnel struct {
	plugin.Base

	id  plugin.ID
	nl  Handle
	wg  Client
	cfg Config

	key       wgtypes.Key
	addresses []netip.Prefix
	peers     []peer

	// Set by Apply, undone by Flush.
	created   bool
	installed []netip.Prefix
	routes    []netlink.Route
}

// New returns an unconfigured tunnel.
func New(id plugin.ID, nl Handle, wg Client) *Tunnel {
	return &Tunnel{id: id, nl: nl, wg: wg}
}

// Device returns the kernel link name.
func (t *Tunnel) Device() string {
	if t.cfg.Device != "" {
		return t.cfg.Device
	}
	return t.id.Name
}

// Configure implements plugin.Plugin.
func (t *Tunnel) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	key, err := wgtypes.ParseKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("private_key: %w", err)
	}
	addrs, err := parsePrefixes(cfg.Addresses)
	if err != nil {
		return err
	}

	var peers []peer
	seen := make(map[wgtypes.Key]bool)
	for i, pc := range cfg.Peers {
		p, err := parsePeer(pc)
		if err != nil {
			return fmt.Errorf("peer %d: %w", i, err)
		}
		if seen[p.cfg.PublicKey] {
			return fmt.Errorf("peer %d: duplicate public key", i)
		}
		if p.cfg.PublicKey == key.PublicKey() {
			return fmt.Errorf("peer %d: public key is our own", i)
		}
		seen[p.cfg.PublicKey] = true
		peers = append(peers, p)
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	t.cfg, t.key, t.addresses, t.peers = cfg, key, addrs, peers
	return nil
}

func parsePeer(pc Peer) (peer, error) {
	pub, err := wgtypes.ParseKey(pc.PublicKey)
	if err != nil {
		return peer{}, fmt.Errorf("public_key: %w", err)
	}
	allowed, err := parsePrefixes(pc.AllowedIPs)
	if err != nil {
		return peer{}, err
	}
	out := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}
	for _, p := range allowed {
		out.AllowedIPs = append(out.AllowedIPs, *prefixToIPNet(p.Masked()))
	}
	if pc.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(pc.PresharedKey)
		if err != nil {
			return peer{}, fmt.Errorf("preshared_key: %w", err)
		}
		out.PresharedKey = &psk
	}
	if pc.Endpoint != "" {
		ap, err := netip.ParseAddrPort(pc.Endpoint)
		if err != nil {
			return peer{}, fmt.Errorf("endpoint %q: %w", pc.Endpoint, err)
		}
		out.Endpoint = net.UDPAddrFromAddrPort(ap)
	}
	if pc.Keepalive > 0 {
		d := time.Duration(pc.Keepalive) * time.Second
		out.PersistentKeepaliveInterval = &d
	}
	return peer{cfg: out, allowedIPs: allowed}, nil
}

// Prefixes returns the tunnel's own addresses.
func (t *Tunnel) Prefixes() []netip.Prefix {
	return slices.Clone(t.addresses)
}

// Apply implements plugin.Plugin.
func (t *Tunnel) Apply(_ context.Context, _ plugin.Handle) error {
	dev := t.Device()
	link, err := t.ensureLink(dev)
	if err != nil {
		return err
	}
	if link.Attrs().MTU != t.cfg.MTU {
		if err := t.nl.LinkSetMTU(link, t.cfg.MTU); err != nil {
			return fmt.Errorf("set mtu on %s: %w", dev, err)
		}
	}
	if err := t.configureDevice(dev); err != nil {
		return err
	}

	var errs []error
	for _, p := range t.addresses {
		if err := t.nl.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(p)}); err != nil {
			errs = append(errs, fmt.Errorf("address %s: %w", p, err))
			continue
		}
		t.installed = append(t.installed, p)
	}
	if err := t.nl.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", dev, err)
	}
	for _, p := range t.peers {
		for _, pfx := range p.allowedIPs {
			r := netlink.Route{
				LinkIndex: link.Attrs().Index,
				Scope:     netlink.SCOPE_LINK,
				Dst:       prefixToIPNet(pfx.Masked()),
			}
			if err := t.nl.RouteReplace(&r); err != nil {
				errs = append(errs, fmt.Errorf("route %s via %s: %w", pfx, dev, err))
				continue
			}
			t.routes = append(t.routes, r)
		}
	}
	return errors.Join(errs...)
}

func (t *Tunnel) ensureLink(dev string) (netlink.Link, error) {
	if link, err := t.nl.LinkByName(dev); err == nil {
		if link.Type() != "wireguard" {
			return nil, plugin.Fatal("%s exists and is a %s link", dev, link.Type())
		}
		return link, nil
	}
	gl := &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: dev, MTU: t.cfg.MTU}, LinkType: "wireguard"}
	if err := t.nl.LinkAdd(gl); err != nil {
		return nil, fmt.Errorf("create wireguard link %s: %w", dev, err)
	}
	t.created = true
	slog.Info("wireguard link created", "name", dev)
	link, err := t.nl.LinkByName(dev)
	if err != nil {
		return nil, fmt.Errorf("refetch %s: %w", dev, err)
	}
	return link, nil
}

// configureDevice programs the key, port and peers, removing peers that
// are no longer configured.
func (t *Tunnel) configureDevice(dev string) error {
	current, err := t.wg.Device(dev)
	if err != nil {
		return fmt.Errorf("inspect wireguard device %s: %w", dev, err)
	}
	want := make(map[wgtypes.Key]bool, len(t.peers))
	cfgs := make([]wgtypes.PeerConfig, 0, len(t.peers))
	for _, p := range t.peers {
		want[p.cfg.PublicKey] = true
		cfgs = append(cfgs, p.cfg)
	}
	for _, p := range current.Peers {
		if !want[p.PublicKey] {
			cfgs = append(cfgs, wgtypes.PeerConfig{PublicKey: p.PublicKey, Remove: true})
		}
	}
	wgCfg := wgtypes.Config{
		PrivateKey: &t.key,
		Peers:      cfgs,
	}
	if t.cfg.ListenPort > 0 {
		port := t.cfg.ListenPort
		wgCfg.ListenPort = &port
	}
	if err := t.wg.ConfigureDevice(dev, wgCfg); err != nil {
		return fmt.Errorf("configure wireguard device %s: %w", dev, err)
	}
	return nil
}

// Flush implements plugin.Plugin. A link we created is deleted; a link
// that was already there loses what Apply added.
func (t *Tunnel) Flush(context.Context) error {
	defer func() {
		t.created, t.installed, t.routes = false, nil, nil
	}()
	link, err := t.nl.LinkByName(t.Device())
	if err != nil {
		return nil
	}
	if t.created {
		if err := t.nl.LinkDel(link); err != nil {
			return fmt.Errorf("delete %s: %w", t.Device(), err)
		}
		return nil
	}
	for i := range t.routes {
		if err := t.nl.RouteDel(&t.routes[i]); err != nil {
			slog.Debug("route removal failed", "link", t.Device(), "err", err)
		}
	}
	for _, p := range t.installed {
		if err := t.nl.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(p)}); err != nil {
			slog.Debug("address removal failed", "link", t.Device(), "address", p, "err", err)
		}
	}
	if err := t.wg.ConfigureDevice(t.Device(), wgtypes.Config{ReplacePeers: true}); err != nil {
		return fmt.Errorf("clear peers on %s: %w", t.Device(), err)
	}
	return nil
}

// PeerStatus is the runtime view of one peer.
type PeerStatus struct {
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllowedIPs    []string  `json:"allowed_ips"`
	LastHandshake time.Time `json:"last_handshake,omitzero"`
	RxBytes       int64     `json:"rx_bytes"`
	TxBytes       int64     `json:"tx_bytes"`
}

// Status is the state snapshot of a tunnel.
type Status struct {
	Device     string       `json:"device"`
	PublicKey  string       `json:"public_key"`
	ListenPort int          `json:"listen_port"`
	Peers      []PeerStatus `json:"peers"`
}

// State implements plugin.Plugin.
func (t *Tunnel) State(context.Context) (any, error) {
	dev, err := t.wg.Device(t.Device())
	if err != nil {
		return nil, fmt.Errorf("wireguard device %s: %w", t.Device(), err)
	}
	st := Status{
		Device:     dev.Name,
		PublicKey:  dev.PublicKey.String(),
		ListenPort: dev.ListenPort,
		Peers:      []PeerStatus{},
	}
	for _, p := range dev.Peers {
		ps := PeerStatus{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
			AllowedIPs:    []string{},
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		for _, n := range p.AllowedIPs {
			ps.AllowedIPs = append(ps.AllowedIPs, n.String())
		}
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}

func parsePrefixes(ss []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range ss {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("prefix %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}

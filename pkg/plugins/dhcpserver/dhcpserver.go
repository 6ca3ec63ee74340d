// Package dhcpserver implements the "dhcp" plugin: a Kea DHCPv4 scope on a
// LAN interface. Every scope lives in one shared Kea configuration, and
// the server unit is restarted once per burst of scope changes.
package dhcpserver

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugins/iface"
)

// Category is the tree key for DHCP server instances.
const Category = "dhcp"

// InitSeq runs DHCP servers after the links and addresses they bind to.
const InitSeq = 50

// Config is one DHCP scope.
type Config struct {
	// Interface names the interface instance to serve. Defaults to the
	// instance name.
	Interface  string   `yaml:"interface"`
	RangeStart string   `yaml:"range_start" validate:"required,ipv4"`
	RangeEnd   string   `yaml:"range_end" validate:"required,ipv4"`
	Router     string   `yaml:"router" validate:"omitempty,ipv4"`
	DNS        []string `yaml:"dns" validate:"dive,ipv4"`
	Domain     string   `yaml:"domain" validate:"omitempty,fqdn"`
	LeaseTime  int      `yaml:"lease_time" validate:"omitempty,min=60"`
}

// AddressSource is what a scope needs from its interface instance.
type AddressSource interface {
	Device() string
	Prefixes() []netip.Prefix
}

// Registration returns the manifest entry for DHCP servers.
func Registration(svc *Service) plugin.Registration {
	return plugin.Registration{
		Category: Category,
		InitSeq:  InitSeq,
		New:      func(id plugin.ID) plugin.Plugin { return New(id, svc) },
	}
}

// Server is the plugin value for one scope.
type Server struct {
	plugin.Base

	id    plugin.ID
	svc   *Service
	cfg   Config
	start netip.Addr
	end   netip.Addr

	scope *Scope
}

// New returns an unconfigured scope.
func New(id plugin.ID, svc *Service) *Server {
	return &Server{id: id, svc: svc}
}

func (s *Server) ifaceName() string {
	if s.cfg.Interface != "" {
		return s.cfg.Interface
	}
	return s.id.Name
}

// Configure implements plugin.Plugin.
func (s *Server) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	start, err := netip.ParseAddr(cfg.RangeStart)
	if err != nil {
		return fmt.Errorf("range_start: %w", err)
	}
	end, err := netip.ParseAddr(cfg.RangeEnd)
	if err != nil {
		return fmt.Errorf("range_end: %w", err)
	}
	if end.Less(start) {
		return fmt.Errorf("range %s - %s is reversed", start, end)
	}
	s.cfg, s.start, s.end = cfg, start, end
	return nil
}

// Apply implements plugin.Plugin. The scope is rebuilt from the interface's
// current addresses, so it follows any address change on the LAN.
func (s *Server) Apply(_ context.Context, h plugin.Handle) error {
	ifID := plugin.ID{Category: iface.Category, Name: s.ifaceName()}
	if err := h.SubscribeChangeFrom(ifID); err != nil {
		return fmt.Errorf("interface %s: %w", ifID.Name, err)
	}
	p, _ := h.Lookup(ifID)
	src, ok := p.(AddressSource)
	if !ok {
		return plugin.Fatal("%s has no addresses to serve", ifID)
	}

	host, ok := servingPrefix(src.Prefixes(), s.start)
	if !ok {
		return plugin.Fatal("range start %s is not on any address of %s", s.start, ifID)
	}
	if !host.Masked().Contains(s.end) {
		return plugin.Fatal("range end %s is outside %s", s.end, host.Masked())
	}
	if inRange(host.Addr(), s.start, s.end) {
		return plugin.Fatal("range %s - %s contains the interface address %s", s.start, s.end, host.Addr())
	}

	sc := Scope{
		Interface:  src.Device(),
		Subnet:     host.Masked().String(),
		RangeStart: s.start.String(),
		RangeEnd:   s.end.String(),
		Router:     s.cfg.Router,
		DNS:        s.cfg.DNS,
		Domain:     s.cfg.Domain,
		LeaseTime:  s.cfg.LeaseTime,
	}
	if sc.Router == "" {
		sc.Router = host.Addr().String()
	}
	if err := s.svc.Set(s.id.Name, sc); err != nil {
		return err
	}
	s.scope = &sc
	return nil
}

// servingPrefix returns the IPv4 interface address whose subnet holds a.
func servingPrefix(prefixes []netip.Prefix, a netip.Addr) (netip.Prefix, bool) {
	for _, p := range prefixes {
		if p.Addr().Is4() && p.Masked().Contains(a) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

func inRange(a, start, end netip.Addr) bool {
	return !a.Less(start) && !end.Less(a)
}

// Flush implements plugin.Plugin.
func (s *Server) Flush(context.Context) error {
	if s.scope == nil {
		return nil
	}
	s.scope = nil
	return s.svc.Remove(s.id.Name)
}

// Status is the state snapshot of a scope.
type Status struct {
	Interface string  `json:"interface"`
	Subnet    string  `json:"subnet,omitempty"`
	Pool      string  `json:"pool"`
	SubnetID  int     `json:"subnet_id,omitempty"`
	Running   bool    `json:"running"`
	Leases    []Lease `json:"leases"`
}

// State implements plugin.Plugin.
func (s *Server) State(context.Context) (any, error) {
	st := Status{
		Interface: s.ifaceName(),
		Pool:      s.cfg.RangeStart + " - " + s.cfg.RangeEnd,
		Running:   s.svc.Running(),
		Leases:    []Lease{},
	}
	if s.scope == nil {
		return st, nil
	}
	st.Subnet = s.scope.Subnet
	st.SubnetID = s.svc.SubnetID(s.id.Name)
	leases, err := s.svc.Leases()
	if err != nil {
		return st, fmt.Errorf("leases: %w", err)
	}
	id := strconv.Itoa(st.SubnetID)
	for _, l := range leases {
		if l.SubnetID == id {
			st.Leases = append(st.Leases, l)
		}
	}
	return st, nil
}

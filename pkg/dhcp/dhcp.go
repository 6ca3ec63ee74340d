// Package dhcp implements the DHCPv4 client used on WAN links configured
// with "dhcp: true". Leases are installed with netlink and address changes
// are reported, debounced, to the daemon.
package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/vishvananda/netlink"
)

// Lease holds the result of a DHCP negotiation.
type Lease struct {
	Interface string        `json:"interface"`
	Address   netip.Prefix  `json:"address"`
	Gateway   netip.Addr    `json:"gateway,omitzero"`
	DNS       []netip.Addr  `json:"dns,omitempty"`
	Server    netip.Addr    `json:"server,omitzero"`
	LeaseTime time.Duration `json:"lease_time"`
	Obtained  time.Time     `json:"obtained"`
}

// Options holds client behavior options for one interface.
type Options struct {
	LeaseTime              int    `yaml:"lease_time" validate:"omitempty,min=60"`            // requested lease time in seconds (0 = server default)
	RetransmissionAttempt  int    `yaml:"retransmission_attempt" validate:"omitempty,min=1"`  // max attempts (0 = unlimited)
	RetransmissionInterval int    `yaml:"retransmission_interval" validate:"omitempty,min=1"` // base seconds between attempts (0 = 1s)
	Hostname               string `yaml:"hostname" validate:"omitempty,hostname"`
}

// addrHandle abstracts the netlink calls used to install leases.
type addrHandle interface {
	LinkByName(name string) (netlink.Link, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

// exchangeFunc performs one DORA exchange and returns the ACK.
type exchangeFunc func(ctx context.Context, ifaceName string, mods ...dhcpv4.Modifier) (*dhcpv4.DHCPv4, error)

type dhcpClient struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// addressChangeDelay coalesces lease events before the callback runs.
const addressChangeDelay = 2 * time.Second

// Manager manages DHCP clients for multiple interfaces.
type Manager struct {
	mu              sync.Mutex
	clients         map[string]*dhcpClient
	leases          map[string]*Lease
	opts            map[string]*Options
	changed         map[string]struct{}
	onAddressChange func(ifaces []string)
	nl              addrHandle
	exchange        exchangeFunc
	changeTimer     *time.Timer
	changeDelay     time.Duration
}

// New creates a DHCP manager. onAddressChange is called (debounced by 2
// seconds) with the interfaces whose lease changed.
func New(onAddressChange func(ifaces []string)) (*Manager, error) {
	nlh, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return newManager(nlh, exchangeV4, onAddressChange), nil
}

func newManager(nl addrHandle, ex exchangeFunc, onAddressChange func([]string)) *Manager {
	return &Manager{
		clients:         make(map[string]*dhcpClient),
		leases:          make(map[string]*Lease),
		opts:            make(map[string]*Options),
		changed:         make(map[string]struct{}),
		onAddressChange: onAddressChange,
		nl:              nl,
		exchange:        ex,
		changeDelay:     addressChangeDelay,
	}
}

// SetOptions configures client behavior for an interface. Takes effect on
// the next Start or Renew.
func (m *Manager) SetOptions(ifaceName string, opts *Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts[ifaceName] = opts
}

// Running reports whether a client runs on ifaceName.
func (m *Manager) Running(ifaceName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[ifaceName]
	return ok
}

// Start begins a DHCP client for the given interface. A running client is
// left alone.
func (m *Manager) Start(ifaceName string) {
	m.mu.Lock()
	if _, exists := m.clients[ifaceName]; exists {
		m.mu.Unlock()
		return
	}

	// Clients are decoupled from any caller context; only Stop/StopAll
	// release the lease and remove the address.
	cctx, cancel := context.WithCancel(context.Background())
	dc := &dhcpClient{cancel: cancel, done: make(chan struct{})}
	m.clients[ifaceName] = dc
	m.mu.Unlock()

	go func() {
		defer close(dc.done)
		m.runDHCPv4(cctx, ifaceName)
	}()
}

// Stop stops the client on ifaceName and removes its address.
func (m *Manager) Stop(ifaceName string) {
	m.mu.Lock()
	dc, exists := m.clients[ifaceName]
	delete(m.clients, ifaceName)
	m.mu.Unlock()
	if exists {
		dc.cancel()
		<-dc.done
	}
}

// Renew restarts the DHCP client for the specified interface, causing it
// to go through a fresh DISCOVER/REQUEST cycle. Returns an error if no
// DHCP client is running for the interface.
func (m *Manager) Renew(ifaceName string) error {
	m.mu.Lock()
	_, exists := m.clients[ifaceName]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("no DHCP client running on interface %s", ifaceName)
	}
	m.Stop(ifaceName)
	m.Start(ifaceName)
	slog.Info("DHCP client renewed", "interface", ifaceName)
	return nil
}

// StopAll stops all running DHCP clients and releases leases.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Stop(name)
	}

	m.mu.Lock()
	if m.changeTimer != nil {
		m.changeTimer.Stop()
		m.changeTimer = nil
	}
	m.mu.Unlock()
}

// Leases returns a snapshot of all current DHCP leases.
func (m *Manager) Leases() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		lc := *l
		result = append(result, &lc)
	}
	slices.SortFunc(result, func(a, b *Lease) int {
		switch {
		case a.Interface < b.Interface:
			return -1
		case a.Interface > b.Interface:
			return 1
		}
		return 0
	})
	return result
}

// LeaseFor returns the current lease for an interface, or nil.
func (m *Manager) LeaseFor(ifaceName string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[ifaceName]
	if !ok {
		return nil
	}
	lc := *l
	return &lc
}

// runDHCPv4 runs the DHCPv4 DORA cycle with retries and renewal.
func (m *Manager) runDHCPv4(ctx context.Context, ifaceName string) {
	m.mu.Lock()
	opts := m.opts[ifaceName]
	m.mu.Unlock()

	baseBackoff := time.Second
	if opts != nil && opts.RetransmissionInterval > 0 {
		baseBackoff = time.Duration(opts.RetransmissionInterval) * time.Second
	}
	maxAttempts := 0 // unlimited
	if opts != nil && opts.RetransmissionAttempt > 0 {
		maxAttempts = opts.RetransmissionAttempt
	}

	backoff := baseBackoff
	attempt := 0
	var current *Lease
	defer func() {
		if current != nil {
			m.removeAddress(ifaceName, current)
			m.mu.Lock()
			delete(m.leases, ifaceName)
			m.mu.Unlock()
			m.scheduleAddressChange(ifaceName)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		slog.Info("DHCPv4: starting discovery", "interface", ifaceName)

		lease, err := m.doDHCPv4(ctx, ifaceName, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			if maxAttempts > 0 && attempt >= maxAttempts {
				slog.Warn("DHCPv4: max retransmission attempts reached",
					"interface", ifaceName, "attempts", attempt)
				return
			}
			slog.Warn("DHCPv4: discovery failed, retrying",
				"interface", ifaceName, "err", err, "backoff", backoff,
				"attempt", attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 60*time.Second)
			continue
		}

		backoff = baseBackoff
		attempt = 0

		if current != nil && current.Address != lease.Address {
			m.removeAddress(ifaceName, current)
		}
		if err := m.applyAddress(ifaceName, lease); err != nil {
			slog.Warn("DHCPv4: failed to apply address",
				"interface", ifaceName, "err", err)
			select {
			case <-time.After(baseBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		m.mu.Lock()
		m.leases[ifaceName] = lease
		m.mu.Unlock()
		if current == nil || !sameLease(current, lease) {
			m.scheduleAddressChange(ifaceName)
		}
		current = lease

		slog.Info("DHCPv4: lease obtained",
			"interface", ifaceName,
			"address", lease.Address,
			"gateway", lease.Gateway,
			"lease_time", lease.LeaseTime)

		select {
		case <-time.After(renewAfter(lease.LeaseTime)):
			slog.Info("DHCPv4: T1 expired, renewing", "interface", ifaceName)
		case <-ctx.Done():
			return
		}
	}
}

// renewAfter is T1: half the lease, at least 30 seconds.
func renewAfter(leaseTime time.Duration) time.Duration {
	return max(leaseTime/2, 30*time.Second)
}

func sameLease(a, b *Lease) bool {
	return a.Address == b.Address && a.Gateway == b.Gateway && slices.Equal(a.DNS, b.DNS)
}

// doDHCPv4 performs a single DORA exchange.
func (m *Manager) doDHCPv4(ctx context.Context, ifaceName string, opts *Options) (*Lease, error) {
	exCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var mods []dhcpv4.Modifier
	if opts != nil && opts.LeaseTime > 0 {
		mods = append(mods, dhcpv4.WithLeaseTime(uint32(opts.LeaseTime)))
	}
	if opts != nil && opts.Hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(opts.Hostname)))
	}

	ack, err := m.exchange(exCtx, ifaceName, mods...)
	if err != nil {
		return nil, err
	}
	return leaseFromACK(ifaceName, ack, time.Now())
}

func exchangeV4(ctx context.Context, ifaceName string, mods ...dhcpv4.Modifier) (*dhcpv4.DHCPv4, error) {
	client, err := nclient4.New(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("create DHCPv4 client: %w", err)
	}
	defer client.Close()

	lease, err := client.Request(ctx, mods...)
	if err != nil {
		return nil, fmt.Errorf("DHCPv4 request: %w", err)
	}
	return lease.ACK, nil
}

// leaseFromACK extracts lease info from an ACK.
func leaseFromACK(ifaceName string, ack *dhcpv4.DHCPv4, now time.Time) (*Lease, error) {
	yourIP := ack.YourIPAddr
	if yourIP == nil || yourIP.IsUnspecified() {
		return nil, fmt.Errorf("no IP in DHCP ACK")
	}

	mask := ack.SubnetMask()
	if mask == nil {
		mask = net.CIDRMask(24, 32) // fallback
	}
	ones, _ := net.IPMask(mask).Size()

	addr, ok := netip.AddrFromSlice(yourIP.To4())
	if !ok {
		return nil, fmt.Errorf("invalid IP in DHCP ACK: %v", yourIP)
	}

	lease := &Lease{
		Interface: ifaceName,
		Address:   netip.PrefixFrom(addr, ones),
		LeaseTime: ack.IPAddressLeaseTime(3600 * time.Second),
		Obtained:  now,
	}
	if routers := ack.Router(); len(routers) > 0 {
		if gw, ok := netip.AddrFromSlice(routers[0].To4()); ok {
			lease.Gateway = gw
		}
	}
	for _, dns := range ack.DNS() {
		if a, ok := netip.AddrFromSlice(dns.To4()); ok {
			lease.DNS = append(lease.DNS, a)
		}
	}
	if srv, ok := netip.AddrFromSlice(ack.ServerIdentifier().To4()); ok {
		lease.Server = srv
	}
	return lease, nil
}

// applyAddress sets the DHCP-obtained address on the interface. The
// default route is left to the routing plugin.
func (m *Manager) applyAddress(ifaceName string, lease *Lease) error {
	link, err := m.nl.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", ifaceName, err)
	}
	if err := m.nl.AddrReplace(link, &netlink.Addr{IPNet: prefixToIPNet(lease.Address)}); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}
	return nil
}

// removeAddress removes the DHCP address from the interface.
func (m *Manager) removeAddress(ifaceName string, lease *Lease) {
	link, err := m.nl.LinkByName(ifaceName)
	if err != nil {
		return
	}
	if err := m.nl.AddrDel(link, &netlink.Addr{IPNet: prefixToIPNet(lease.Address)}); err != nil {
		slog.Warn("DHCP: failed to remove address",
			"interface", ifaceName, "address", lease.Address, "err", err)
	}
}

// scheduleAddressChange debounces address change notifications.
func (m *Manager) scheduleAddressChange(ifaceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.changed[ifaceName] = struct{}{}
	if m.changeTimer != nil {
		m.changeTimer.Stop()
	}
	m.changeTimer = time.AfterFunc(m.changeDelay, m.flushAddressChange)
}

func (m *Manager) flushAddressChange() {
	m.mu.Lock()
	ifaces := make([]string, 0, len(m.changed))
	for name := range m.changed {
		ifaces = append(ifaces, name)
	}
	clear(m.changed)
	m.changeTimer = nil
	m.mu.Unlock()

	slices.Sort(ifaces)
	if len(ifaces) > 0 && m.onAddressChange != nil {
		m.onAddressChange(ifaces)
	}
}

// prefixToIPNet converts netip.Prefix to *net.IPNet.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	bits := p.Bits()
	if addr.Is4() {
		return &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(bits, 32),
		}
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(bits, 128),
	}
}

package plugintest

import (
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/vishvananda/netlink"
)

// Link is an in-memory netlink.Link.
type Link struct {
	LinkAttrs netlink.LinkAttrs
	Kind      string
}

func (l *Link) Attrs() *netlink.LinkAttrs { return &l.LinkAttrs }
func (l *Link) Type() string {
	if l.Kind == "" {
		return "device"
	}
	return l.Kind
}

// Netlink is an in-memory stand-in for the subset of netlink.Handle the
// plugins use. Links are keyed by name.
type Netlink struct {
	mu     sync.Mutex
	links  map[string]*Link
	addrs  map[string][]string
	routes []netlink.Route
	rules  []netlink.Rule
	next   int
}

// NewNetlink returns an empty namespace.
func NewNetlink() *Netlink {
	return &Netlink{links: make(map[string]*Link), addrs: make(map[string][]string), next: 1}
}

// AddLink creates a device that is operationally down.
func (n *Netlink) AddLink(name string, mtu int) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addLocked(name, mtu, "device")
}

func (n *Netlink) addLocked(name string, mtu int, kind string) *Link {
	l := &Link{
		LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu, Index: n.next, OperState: netlink.OperDown},
		Kind:      kind,
	}
	n.next++
	n.links[name] = l
	return l
}

func (n *Netlink) LinkByName(name string) (netlink.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("link %s: %w", name, net.UnknownNetworkError("not found"))
}

func (n *Netlink) LinkByIndex(index int) (netlink.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.links {
		if l.LinkAttrs.Index == index {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link index %d: %w", index, net.UnknownNetworkError("not found"))
}

func (n *Netlink) LinkAdd(link netlink.Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := link.Attrs().Name
	if _, ok := n.links[name]; ok {
		return fmt.Errorf("link %s exists", name)
	}
	mtu := link.Attrs().MTU
	if mtu == 0 {
		mtu = 1500
	}
	n.addLocked(name, mtu, link.Type())
	return nil
}

func (n *Netlink) LinkDel(link netlink.Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, link.Attrs().Name)
	delete(n.addrs, link.Attrs().Name)
	return nil
}

func (n *Netlink) LinkSetMTU(link netlink.Link, mtu int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[link.Attrs().Name]; ok {
		l.LinkAttrs.MTU = mtu
	}
	return nil
}

func (n *Netlink) LinkSetUp(link netlink.Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[link.Attrs().Name]; ok {
		l.LinkAttrs.OperState = netlink.OperUp
		l.LinkAttrs.Flags |= net.FlagUp
	}
	return nil
}

func (n *Netlink) LinkSetDown(link netlink.Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[link.Attrs().Name]; ok {
		l.LinkAttrs.OperState = netlink.OperDown
		l.LinkAttrs.Flags &^= net.FlagUp
	}
	return nil
}

func (n *Netlink) AddrList(link netlink.Link, _ int) ([]netlink.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []netlink.Addr
	for _, s := range n.addrs[link.Attrs().Name] {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			continue
		}
		ipnet.IP = ip
		out = append(out, netlink.Addr{IPNet: ipnet})
	}
	return out, nil
}

func (n *Netlink) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := link.Attrs().Name
	if !slices.Contains(n.addrs[name], addr.IPNet.String()) {
		n.addrs[name] = append(n.addrs[name], addr.IPNet.String())
	}
	return nil
}

func (n *Netlink) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := link.Attrs().Name
	n.addrs[name] = slices.DeleteFunc(n.addrs[name], func(s string) bool { return s == addr.IPNet.String() })
	return nil
}

// Addrs returns the addresses on a link as CIDR strings.
func (n *Netlink) Addrs(name string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.addrs[name])
}

func (n *Netlink) RouteReplace(route *netlink.Route) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.routes {
		if sameRouteKey(r, *route) {
			n.routes[i] = *route
			return nil
		}
	}
	n.routes = append(n.routes, *route)
	return nil
}

func (n *Netlink) RouteDel(route *netlink.Route) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.routes {
		if sameRouteKey(r, *route) {
			n.routes = slices.Delete(n.routes, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("route not found")
}

// Routes returns the installed routes.
func (n *Netlink) Routes() []netlink.Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.routes)
}

// RouteList returns the routes of one family. Routes without a family
// count as IPv4.
func (n *Netlink) RouteList(_ netlink.Link, family int) ([]netlink.Route, error) {
	var out []netlink.Route
	for _, r := range n.Routes() {
		f := r.Family
		if f == 0 {
			f = netlink.FAMILY_V4
		}
		if family == netlink.FAMILY_ALL || f == family {
			out = append(out, r)
		}
	}
	return out, nil
}

func (n *Netlink) RuleAdd(rule *netlink.Rule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rules = append(n.rules, *rule)
	return nil
}

func (n *Netlink) RuleDel(rule *netlink.Rule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.rules {
		if r.Priority == rule.Priority && r.Table == rule.Table {
			n.rules = slices.Delete(n.rules, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("rule not found")
}

// Rules returns the installed policy rules.
func (n *Netlink) Rules() []netlink.Rule {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.rules)
}

func sameRouteKey(a, b netlink.Route) bool {
	return a.Table == b.Table && a.Priority == b.Priority && dstString(a) == dstString(b)
}

func dstString(r netlink.Route) string {
	if r.Dst == nil {
		return "default"
	}
	return r.Dst.String()
}

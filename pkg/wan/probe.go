package wan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

// FailureType classifies a probe failure.
type FailureType string

const (
	FailureCarrier FailureType = "carrier"
	FailurePing    FailureType = "ping"
	FailureDNS     FailureType = "dns"
)

// Failure is one diagnostic from a probe cycle.
type Failure struct {
	Type   FailureType `json:"type"`
	Target string      `json:"target,omitempty"`
	Domain string      `json:"domain,omitempty"`
}

// HTTPResult is the outcome of the out-of-band HTTP probe.
type HTTPResult struct {
	Status   int       `json:"status,omitempty"`
	Location string    `json:"location,omitempty"`
	Err      string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// OK reports a 2xx answer.
func (h *HTTPResult) OK() bool {
	return h != nil && h.Err == "" && h.Status >= 200 && h.Status < 300
}

// Redirect reports a 3xx answer, which usually means a captive portal.
func (h *HTTPResult) Redirect() bool {
	return h != nil && h.Err == "" && h.Status >= 300 && h.Status < 400
}

// ProbeResult is produced once per cycle. Ping and DNS are nil when the
// stage did not run.
type ProbeResult struct {
	Carrier    bool       `json:"carrier"`
	Ping       *bool      `json:"ping,omitempty"`
	DNS        *bool      `json:"dns,omitempty"`
	Active     bool       `json:"active"`
	Failures   []Failure  `json:"failures,omitempty"`
	ForceState *bool      `json:"force_state,omitempty"`
	Source     netip.Addr `json:"source,omitzero"`
	Started    time.Time  `json:"started"`
}

// Prober performs the individual OS-facing checks.
type Prober interface {
	// Carrier reports whether iface is operationally up with an IPv4
	// address, and returns that address.
	Carrier(iface string) (netip.Addr, bool, error)
	// Ping sends count echo requests from src and returns how many were
	// answered.
	Ping(ctx context.Context, src, target netip.Addr, count int, timeout time.Duration) (int, error)
	// Resolve asks server for domain's A record from src.
	Resolve(ctx context.Context, src netip.Addr, server, domain string, timeout time.Duration) error
	// HTTP fetches url from src without following redirects.
	HTTP(ctx context.Context, src netip.Addr, url string, timeout time.Duration) HTTPResult
}

const maxPingTargets = 3

// Probe runs one short-circuiting cycle: carrier, then ping, then DNS.
// Without carrier the result is inactive and any force is dropped.
func Probe(ctx context.Context, p Prober, cfg Config, now time.Time) ProbeResult {
	cfg = cfg.withDefaults()
	res := ProbeResult{Started: now}

	src, up, err := p.Carrier(cfg.Interface)
	if err != nil || !up {
		res.Failures = append(res.Failures, Failure{Type: FailureCarrier})
		return res
	}
	res.Carrier = true
	res.Source = src
	res.ForceState = cfg.Force

	active := true
	if targets := cfg.PingTargets; len(targets) > 0 {
		if len(targets) > maxPingTargets {
			targets = targets[:maxPingTargets]
		}
		ok, fails := pingAny(ctx, p, src, targets, cfg)
		res.Ping = &ok
		res.Failures = append(res.Failures, fails...)
		active = ok
	}
	if active && len(cfg.Nameservers) > 0 && cfg.Domain != "" {
		ok, fails := resolveAny(ctx, p, src, cfg)
		res.DNS = &ok
		res.Failures = append(res.Failures, fails...)
		active = ok
	}

	res.Active = active
	if res.ForceState != nil {
		res.Active = *res.ForceState
	}
	return res
}

func pingAny(ctx context.Context, p Prober, src netip.Addr, targets []string, cfg Config) (bool, []Failure) {
	ok := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			dst, err := netip.ParseAddr(t)
			if err != nil {
				return nil
			}
			n, err := p.Ping(gctx, src, dst, cfg.PingCount, cfg.PingTimeout)
			if err != nil {
				return nil
			}
			ok[i] = float64(n)/float64(cfg.PingCount) >= cfg.SuccessRate
			return nil
		})
	}
	g.Wait()
	return collect(ok, targets, func(t string) Failure {
		return Failure{Type: FailurePing, Target: t}
	})
}

func resolveAny(ctx context.Context, p Prober, src netip.Addr, cfg Config) (bool, []Failure) {
	ok := make([]bool, len(cfg.Nameservers))
	g, gctx := errgroup.WithContext(ctx)
	for i, ns := range cfg.Nameservers {
		g.Go(func() error {
			ok[i] = p.Resolve(gctx, src, ns, cfg.Domain, cfg.DNSTimeout) == nil
			return nil
		})
	}
	g.Wait()
	return collect(ok, cfg.Nameservers, func(t string) Failure {
		return Failure{Type: FailureDNS, Target: t, Domain: cfg.Domain}
	})
}

func collect(ok []bool, targets []string, fail func(string) Failure) (bool, []Failure) {
	var passed bool
	var fails []Failure
	for i, v := range ok {
		if v {
			passed = true
			continue
		}
		fails = append(fails, fail(targets[i]))
	}
	return passed, fails
}

// nlHandle abstracts netlink.Handle for testing.
type nlHandle interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// icmpConn abstracts an ICMP connection for testing.
type icmpConn interface {
	WriteTo(b []byte, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// SystemProber probes through netlink, unprivileged ICMP sockets, DNS and
// HTTP, with every socket bound to the WAN's own address.
type SystemProber struct {
	nl         nlHandle
	icmpDialer func(src netip.Addr) (icmpConn, error)

	mu  sync.Mutex
	seq uint16
}

// NewSystemProber returns a prober on the host's network namespace.
func NewSystemProber() (*SystemProber, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &SystemProber{nl: h, icmpDialer: defaultICMPDialer}, nil
}

func defaultICMPDialer(src netip.Addr) (icmpConn, error) {
	addr := "0.0.0.0"
	if src.IsValid() {
		addr = src.String()
	}
	c, err := icmp.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Carrier implements Prober.
func (p *SystemProber) Carrier(iface string) (netip.Addr, bool, error) {
	link, err := p.nl.LinkByName(iface)
	if err != nil {
		return netip.Addr{}, false, err
	}
	attrs := link.Attrs()
	up := attrs.OperState == netlink.OperUp ||
		(attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0)
	if !up {
		return netip.Addr{}, false, nil
	}
	addrs, err := p.nl.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, false, err
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4()); ok {
			return ip, true, nil
		}
	}
	return netip.Addr{}, false, nil
}

func (p *SystemProber) nextSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return int(p.seq)
}

// Ping implements Prober. The kernel owns the echo ID on unprivileged
// sockets, so replies are matched on sequence number and source.
func (p *SystemProber) Ping(ctx context.Context, src, target netip.Addr, count int, timeout time.Duration) (int, error) {
	conn, err := p.icmpDialer(src)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	per := timeout / time.Duration(max(count, 1))
	dst := &net.UDPAddr{IP: target.AsSlice()}
	reply := make([]byte, 1500)
	received := 0
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return received, ctx.Err()
		}
		seq := p.nextSeq()
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: 0x6e63, Seq: seq, Data: []byte("netcfgd")},
		}
		b, err := msg.Marshal(nil)
		if err != nil {
			return received, err
		}
		if _, err := conn.WriteTo(b, dst); err != nil {
			continue
		}
		if awaitEcho(conn, reply, target, seq, time.Now().Add(per)) {
			received++
		}
	}
	return received, nil
}

func awaitEcho(conn icmpConn, buf []byte, target netip.Addr, seq int, deadline time.Time) bool {
	conn.SetReadDeadline(deadline)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		if ua, ok := from.(*net.UDPAddr); ok {
			if ip, ok := netip.AddrFromSlice(ua.IP.To4()); ok && ip != target {
				continue
			}
		}
		parsed, err := icmp.ParseMessage(1, buf[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := parsed.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true
		}
	}
}

var errNoAnswer = errors.New("no answer")

// Resolve implements Prober.
func (p *SystemProber) Resolve(ctx context.Context, src netip.Addr, server, domain string, timeout time.Duration) error {
	c := &dns.Client{Net: "udp", Timeout: timeout}
	if src.IsValid() {
		c.Dialer = &net.Dialer{Timeout: timeout, LocalAddr: &net.UDPAddr{IP: src.AsSlice()}}
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := c.ExchangeContext(ctx, m, net.JoinHostPort(server, "53"))
	if err != nil {
		return err
	}
	if r.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("%s: %s", server, dns.RcodeToString[r.Rcode])
	}
	if len(r.Answer) == 0 {
		return fmt.Errorf("%s: %w", server, errNoAnswer)
	}
	return nil
}

// HTTP implements Prober.
func (p *SystemProber) HTTP(ctx context.Context, src netip.Addr, url string, timeout time.Duration) HTTPResult {
	dialer := &net.Dialer{Timeout: timeout}
	if src.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: src.AsSlice()}
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DialContext: dialer.DialContext, DisableKeepAlives: true},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res := HTTPResult{Time: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	resp, err := client.Do(req)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	resp.Body.Close()
	res.Status = resp.StatusCode
	res.Location = resp.Header.Get("Location")
	return res
}

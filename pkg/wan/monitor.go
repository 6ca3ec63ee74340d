package wan

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/psaab/netcfgd/pkg/reconcile"
)

// Config describes what one monitor probes and how often.
type Config struct {
	Interface   string        `yaml:"interface" json:"interface"`
	Gateway     string        `yaml:"gateway" json:"gateway,omitempty" validate:"omitempty,ipv4"`
	PingTargets []string      `yaml:"ping_targets" json:"ping_targets,omitempty" validate:"max=3,dive,ipv4"`
	PingCount   int           `yaml:"ping_count" json:"ping_count,omitempty" validate:"omitempty,min=1,max=64"`
	SuccessRate float64       `yaml:"success_rate" json:"success_rate,omitempty" validate:"omitempty,gt=0,lte=1"`
	Nameservers []string      `yaml:"nameservers" json:"nameservers,omitempty" validate:"dive,ip"`
	Domain      string        `yaml:"domain" json:"domain,omitempty" validate:"omitempty,fqdn"`
	HTTPURL     string        `yaml:"http_url" json:"http_url,omitempty" validate:"omitempty,url"`
	Force       *bool         `yaml:"force" json:"force,omitempty"`
	Interval    time.Duration `yaml:"interval" json:"interval,omitempty"`
	HTTPDelay   time.Duration `yaml:"http_delay" json:"http_delay,omitempty"`
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout,omitempty"`
	DNSTimeout  time.Duration `yaml:"dns_timeout" json:"dns_timeout,omitempty"`
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout,omitempty"`
	Thresholds  Thresholds    `yaml:"thresholds" json:"thresholds"`
}

const (
	DefaultInterval    = 20 * time.Second
	DefaultHTTPDelay   = 5 * time.Second
	DefaultPingCount   = 8
	DefaultSuccessRate = 0.5
	DefaultPingTimeout = 5 * time.Second
	DefaultDNSTimeout  = 3 * time.Second
	DefaultHTTPTimeout = 10 * time.Second

	// staleRetry is how soon a discarded cycle is repeated.
	staleRetry = time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HTTPDelay <= 0 {
		c.HTTPDelay = DefaultHTTPDelay
	}
	if c.PingCount <= 0 {
		c.PingCount = DefaultPingCount
	}
	if c.SuccessRate <= 0 {
		c.SuccessRate = DefaultSuccessRate
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = DefaultDNSTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	c.Thresholds = c.Thresholds.WithDefaults()
	return c
}

// Status is a snapshot of a monitor.
type Status struct {
	Interface    string      `json:"interface"`
	Ready        bool        `json:"ready"`
	PendingTest  bool        `json:"pending_test"`
	Active       bool        `json:"active"`
	Carrier      bool        `json:"carrier"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	Failures     []Failure   `json:"failures,omitempty"`
	HTTP         *HTTPResult `json:"http,omitempty"`
	LastProbe    time.Time   `json:"last_probe,omitzero"`
	Renewals     uint64      `json:"renewals"`
	Discarded    uint64      `json:"discarded"`
}

// StaleChecker tells whether a probe that started at since raced a
// reconciliation pass.
type StaleChecker interface {
	Stale(since time.Time) bool
}

// Renewer renews the DHCP lease on an interface.
type Renewer interface {
	Renew(ifaceName string) error
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clockz.Clock) Option        { return func(m *Monitor) { m.clock = c } }
func WithProber(p Prober) Option             { return func(m *Monitor) { m.prober = p } }
func WithStaleChecker(s StaleChecker) Option { return func(m *Monitor) { m.stale = s } }
func WithRenewer(r Renewer) Option           { return func(m *Monitor) { m.renewer = r } }

// WithOnChange registers fn to run after every cycle that flipped Ready or
// consumed a pending test.
func WithOnChange(fn func(Status)) Option { return func(m *Monitor) { m.onChange = fn } }

// WithOnCaptive registers fn to run when the HTTP probe sees a redirect.
func WithOnCaptive(fn func(iface, location string)) Option {
	return func(m *Monitor) { m.onCaptive = fn }
}

// Monitor runs the probe loop for one WAN link.
type Monitor struct {
	clock     clockz.Clock
	prober    Prober
	stale     StaleChecker
	renewer   Renewer
	group     *Group
	onChange  func(Status)
	onCaptive func(iface, location string)

	kick    chan struct{}
	httpDeb *reconcile.Debouncer

	mu        sync.Mutex
	cfg       Config
	state     ConnState
	backoff   renewBackoff
	last      ProbeResult
	probed    bool
	http      *HTTPResult
	renewals  uint64
	discarded uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a stopped monitor. Without WithProber it has no way
// to probe and every cycle reports no carrier.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		clock: clockz.RealClock,
		cfg:   cfg.withDefaults(),
		kick:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.prober == nil {
		m.prober = noProber{}
	}
	m.httpDeb = reconcile.NewDebouncer(m.clock, m.cfg.HTTPDelay, m.probeHTTP)
	return m
}

// Interface returns the monitored interface name.
func (m *Monitor) Interface() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Interface
}

// Start begins periodic probing. Safe to call multiple times (stops previous).
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	m.runMu.Lock()
	defer m.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(ctx)
	go func() {
		defer m.wg.Done()
		m.httpDeb.Run(ctx)
	}()
}

// Stop halts probing and waits for the goroutines to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

// Trigger requests a cycle now instead of at the next interval.
func (m *Monitor) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ArmPendingTest marks the next cycle's verdict as one dependents must
// hear about, and probes right away.
func (m *Monitor) ArmPendingTest() {
	m.mu.Lock()
	m.state.ArmPendingTest(m.clock.Now())
	m.mu.Unlock()
	m.Trigger()
}

// SetConfig replaces the probe configuration. State is kept.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// SetGateway updates the default gateway, usually from a DHCP lease.
func (m *Monitor) SetGateway(gw netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gw.IsValid() {
		m.cfg.Gateway = gw.String()
	} else {
		m.cfg.Gateway = ""
	}
}

// Ready reports the current verdict.
func (m *Monitor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Ready
}

// Status returns a snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	st := Status{
		Interface:    m.cfg.Interface,
		Ready:        m.state.Ready,
		PendingTest:  m.state.PendingTest,
		Active:       m.last.Active,
		Carrier:      m.last.Carrier,
		SuccessCount: m.state.SuccessCount,
		FailureCount: m.state.FailureCount,
		Failures:     append([]Failure(nil), m.last.Failures...),
		LastProbe:    m.last.Started,
		Renewals:     m.renewals,
		Discarded:    m.discarded,
	}
	if m.http != nil {
		h := *m.http
		st.HTTP = &h
	}
	return st
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	// Run immediately on start.
	// Each cycle gets a fresh timer; fired timers are not re-armed.
	timer := m.clock.NewTimer(m.nextDelay(m.cycle(ctx)))
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.C():
		}
		timer = m.clock.NewTimer(m.nextDelay(m.cycle(ctx)))
	}
}

func (m *Monitor) nextDelay(ran bool) time.Duration {
	if !ran {
		return staleRetry
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Interval
}

// cycle probes once and feeds the state machine. It returns false when the
// result was discarded as stale.
func (m *Monitor) cycle(ctx context.Context) bool {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	started := m.clock.Now()
	res := Probe(ctx, m.prober, cfg, started)
	if m.stale != nil && m.stale.Stale(started) {
		m.mu.Lock()
		m.discarded++
		m.mu.Unlock()
		slog.Debug("wan probe raced a reconciliation pass, discarding", "iface", cfg.Interface)
		return false
	}

	m.mu.Lock()
	prev, hadPrev := m.last, m.probed
	changed, wasPending := m.state.Update(res.Active, res.ForceState, cfg.Thresholds)
	m.last, m.probed = res, true

	renewDue := false
	if res.Active {
		m.backoff.reset()
	} else if res.Carrier {
		renewDue = m.backoff.due(m.state.FailureCount, cfg.Thresholds.DHCPRestartInterval)
	}

	recovered := hadPrev && !prev.Active && res.Active
	needHTTP := cfg.HTTPURL != "" && res.Carrier && (!m.http.OK() || recovered)
	status := m.statusLocked()
	m.mu.Unlock()

	if changed {
		slog.Info("wan readiness changed", "iface", cfg.Interface, "ready", status.Ready,
			"failures", status.FailureCount, "successes", status.SuccessCount)
	}
	if renewDue {
		m.maybeRenew(ctx, cfg, res.Source)
	}
	if needHTTP {
		m.httpDeb.Trigger()
	}
	if m.group != nil {
		m.group.observe(m, status)
	}
	if (changed || wasPending) && m.onChange != nil {
		m.onChange(status)
	}
	return true
}

// maybeRenew renews the lease only when the link is the likely culprit:
// the gateway does not answer or no other WAN is usable.
func (m *Monitor) maybeRenew(ctx context.Context, cfg Config, src netip.Addr) {
	if m.renewer == nil {
		return
	}
	gwUp := m.gatewayReachable(ctx, cfg, src)
	anyActive := m.group != nil && m.group.AnyActive(m)
	if gwUp && anyActive {
		slog.Debug("wan failing but gateway answers and another wan is active, not renewing",
			"iface", cfg.Interface)
		return
	}
	slog.Info("renewing dhcp lease on failing wan", "iface", cfg.Interface,
		"gateway_reachable", gwUp, "any_active", anyActive)
	m.mu.Lock()
	m.renewals++
	m.mu.Unlock()
	if err := m.renewer.Renew(cfg.Interface); err != nil {
		slog.Warn("dhcp renew failed", "iface", cfg.Interface, "err", err)
	}
}

func (m *Monitor) gatewayReachable(ctx context.Context, cfg Config, src netip.Addr) bool {
	gw, err := netip.ParseAddr(cfg.Gateway)
	if err != nil {
		return false
	}
	n, err := m.prober.Ping(ctx, src, gw, 1, cfg.PingTimeout/time.Duration(cfg.PingCount))
	return err == nil && n > 0
}

func (m *Monitor) probeHTTP(ctx context.Context) {
	m.mu.Lock()
	cfg := m.cfg
	src := m.last.Source
	m.mu.Unlock()
	if cfg.HTTPURL == "" {
		return
	}

	res := m.prober.HTTP(ctx, src, cfg.HTTPURL, cfg.HTTPTimeout)
	m.mu.Lock()
	m.http = &res
	m.mu.Unlock()

	if res.Redirect() {
		slog.Warn("wan http probe redirected, captive portal suspected",
			"iface", cfg.Interface, "location", res.Location)
		if m.onCaptive != nil {
			m.onCaptive(cfg.Interface, res.Location)
		}
	}
}

type noProber struct{}

func (noProber) Carrier(string) (netip.Addr, bool, error) { return netip.Addr{}, false, nil }
func (noProber) Ping(context.Context, netip.Addr, netip.Addr, int, time.Duration) (int, error) {
	return 0, nil
}
func (noProber) Resolve(context.Context, netip.Addr, string, string, time.Duration) error {
	return errNoAnswer
}
func (noProber) HTTP(context.Context, netip.Addr, string, time.Duration) HTTPResult {
	return HTTPResult{Err: errNoAnswer.Error()}
}

// Package daemon implements the netcfgd daemon lifecycle: it builds the
// plugin manifest, the engine and the configuration gate, and runs the
// background services until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/psaab/netcfgd/pkg/api"
	"github.com/psaab/netcfgd/pkg/configstore"
	"github.com/psaab/netcfgd/pkg/dhcp"
	"github.com/psaab/netcfgd/pkg/grpcapi"
	"github.com/psaab/netcfgd/pkg/logging"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugins/dhcpserver"
	"github.com/psaab/netcfgd/pkg/plugins/iface"
	"github.com/psaab/netcfgd/pkg/plugins/resolver"
	"github.com/psaab/netcfgd/pkg/plugins/routing"
	"github.com/psaab/netcfgd/pkg/plugins/wanlink"
	"github.com/psaab/netcfgd/pkg/plugins/wireguard"
	"github.com/psaab/netcfgd/pkg/reconcile"
	"github.com/psaab/netcfgd/pkg/wan"
)

const (
	DefaultConfigFile   = "/etc/netcfgd/netcfgd.yaml"
	DefaultStateDir     = "/var/lib/netcfgd"
	DefaultAPIAddr      = "127.0.0.1:8080"
	DefaultGRPCAddr     = "127.0.0.1:50051"
	DefaultReapplyDelay = 4 * time.Second

	historySize     = 50
	eventBufferSize = 1000
	eventQueueSize  = 256
)

// Options configures the daemon.
type Options struct {
	ConfigFile    string
	DefaultConfig string
	StateDir      string
	APIAddr       string // empty disables the HTTP API
	GRPCAddr      string // empty disables the gRPC health service
	APITokens     []string
	// Watch re-applies ConfigFile whenever it is written.
	Watch            bool
	ReapplyDelay     time.Duration
	SelfHealInterval time.Duration // 0 disables
	// EventLog, when set, journals every event buffer record.
	EventLog string
}

// Daemon is the main netcfgd daemon.
type Daemon struct {
	opts Options

	nl       *netlink.Handle
	wg       *wgctrl.Client
	dhcp     *dhcp.Manager
	dhcpSvc  *dhcpserver.Service
	group    *wan.Group
	reg      *plugin.Registry
	engine   *reconcile.Engine
	sched    *reconcile.Scheduler
	disp     *plugin.Dispatcher
	db       *configstore.DB
	store    *configstore.Store
	eventBuf *logging.EventBuffer
	health   *grpcapi.Server
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}
	if opts.ReapplyDelay <= 0 {
		opts.ReapplyDelay = DefaultReapplyDelay
	}
	return &Daemon{opts: opts}
}

// staleFunc adapts a function to wan.StaleChecker.
type staleFunc func(time.Time) bool

func (f staleFunc) Stale(since time.Time) bool { return f(since) }

// build wires every component. Nothing runs yet.
func (d *Daemon) build() error {
	var err error
	if d.nl, err = netlink.NewHandle(); err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}

	// Plugins publish through the dispatcher, which needs the engine's
	// scheduler, which needs the manifest: close over d instead.
	publish := func(ev plugin.Event) bool { return d.disp.Publish(ev) }

	d.dhcp, err = dhcp.New(func(ifaces []string) {
		for _, name := range ifaces {
			publish(plugin.Event{Type: plugin.EventLeaseChange, Payload: map[string]any{"iface": name}})
		}
	})
	if err != nil {
		return err
	}

	var prober wan.Prober
	if sp, err := wan.NewSystemProber(); err != nil {
		slog.Warn("WAN probing unavailable, links report no carrier", "err", err)
	} else {
		prober = sp
	}

	d.group = wan.NewGroup()
	d.dhcpSvc = dhcpserver.NewService(dhcpserver.Systemctl{}, clockz.RealClock)

	regs := []plugin.Registration{
		iface.Registration(d.nl),
		wanlink.Registration(wanlink.Deps{
			DHCP:    d.dhcp,
			Group:   d.group,
			Prober:  prober,
			Stale:   staleFunc(func(since time.Time) bool { return d.engine.Stale(since) }),
			Publish: publish,
		}),
		routing.Registration(d.nl),
		resolver.Registration(),
		dhcpserver.Registration(d.dhcpSvc),
	}
	if d.wg, err = wgctrl.New(); err != nil {
		slog.Warn("wireguard control unavailable, wireguard instances are ignored", "err", err)
	} else {
		regs = append(regs, wireguard.Registration(d.nl, d.wg))
	}
	manifest, err := plugin.NewManifest(regs...)
	if err != nil {
		return err
	}

	d.eventBuf = logging.NewEventBuffer(eventBufferSize)
	d.health = grpcapi.NewServer(d.opts.GRPCAddr, d.group)
	d.reg = plugin.NewRegistry()
	d.engine = reconcile.New(manifest, d.reg,
		reconcile.WithNotifier(reconcile.SignalNotifier{}),
		reconcile.WithTracer(otel.Tracer("github.com/psaab/netcfgd/pkg/reconcile")),
		reconcile.WithObserver(func(r *reconcile.Result) {
			d.eventBuf.Add(logging.PassRecord(r))
			d.health.Sync()
		}),
	)
	d.sched = reconcile.NewScheduler(d.engine, d.opts.ReapplyDelay)
	d.disp = plugin.NewDispatcher(d.reg, d.sched, eventQueueSize)
	d.disp.Observe(func(ev plugin.Event) {
		d.eventBuf.Add(logging.EventRecord(ev))
		if ev.Type == plugin.EventWANState {
			d.health.Sync()
		}
	})

	if err := os.MkdirAll(d.opts.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if d.db, err = configstore.OpenDB(filepath.Join(d.opts.StateDir, "history.db")); err != nil {
		slog.Warn("config history database unavailable", "err", err)
		d.db = nil
	}
	d.store = configstore.New(d.engine, configstore.Options{
		FilePath:    d.opts.ConfigFile,
		DefaultPath: d.opts.DefaultConfig,
		HistorySize: historySize,
		DB:          d.db,
	})
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled or a service
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting netcfgd",
		"config", d.opts.ConfigFile,
		"state_dir", d.opts.StateDir,
		"pid", os.Getpid())

	if err := d.build(); err != nil {
		return err
	}
	defer d.close()

	if err := d.store.Load(); err != nil {
		slog.Warn("failed to load config, starting with the default", "err", err)
	} else {
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}

	g, ctx := errgroup.WithContext(ctx)
	// Events raised while booting are delivered once the dispatcher runs.
	g.Go(func() error { d.disp.Run(ctx); return nil })
	g.Go(func() error { d.sched.Run(ctx); return nil })
	g.Go(func() error { d.dhcpSvc.Run(ctx); return nil })

	if _, err := d.store.Boot(ctx); err != nil {
		slog.Error("boot configuration failed", "err", err)
	}

	g.Go(func() error { return runLinkSensor(ctx, d.disp.Publish) })
	if d.opts.Watch {
		w := configstore.NewWatcher(d.opts.ConfigFile, d.store)
		g.Go(func() error { return w.Run(ctx) })
	}
	if d.opts.SelfHealInterval > 0 {
		g.Go(func() error {
			selfHeal(ctx, clockz.RealClock, d.opts.SelfHealInterval, d.reapplyNow)
			return nil
		})
	}
	if d.opts.EventLog != "" {
		j, err := logging.OpenJournal(logging.JournalConfig{Path: d.opts.EventLog})
		if err != nil {
			slog.Warn("event journal disabled", "err", err)
		} else {
			sub := d.eventBuf.Subscribe(256)
			g.Go(func() error {
				j.Follow(sub, ctx.Done())
				return j.Close()
			})
		}
	}
	if d.opts.APIAddr != "" {
		var auth *api.AuthConfig
		if len(d.opts.APITokens) > 0 {
			auth = &api.AuthConfig{Tokens: d.opts.APITokens}
		}
		srv := api.NewServer(api.Config{
			Addr:      d.opts.APIAddr,
			Auth:      auth,
			Store:     d.store,
			Engine:    d.engine,
			Scheduler: d.sched,
			WAN:       d.group,
			EventBuf:  d.eventBuf,
			Dropped:   d.disp.Dropped,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}
	if d.opts.GRPCAddr != "" {
		g.Go(func() error { return d.health.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("shutdown complete", "passes", d.engine.Stats().Passes)
	return err
}

func (d *Daemon) reapplyNow(ctx context.Context) {
	res, err := d.engine.Reapply(ctx, nil, false)
	if err != nil {
		slog.Error("self-heal reapply failed", "err", err)
		return
	}
	if len(res.Errors) > 0 {
		slog.Warn("self-heal reapply finished with errors", "errors", len(res.Errors))
	}
}

// close releases what build acquired. Applied network state is left in
// place; DHCP clients stop so their leases are not renewed by a dead
// process.
func (d *Daemon) close() {
	if d.group != nil {
		for _, name := range d.group.Names() {
			if m, ok := d.group.Get(name); ok {
				m.Stop()
			}
		}
	}
	if d.dhcp != nil {
		d.dhcp.StopAll()
	}
	if d.db != nil {
		d.db.Close()
	}
	if d.wg != nil {
		d.wg.Close()
	}
	if d.nl != nil {
		d.nl.Close()
	}
}

// selfHeal runs fn every interval until ctx is done.
func selfHeal(ctx context.Context, clock clockz.Clock, interval time.Duration, fn func(context.Context)) {
	t := clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			fn(ctx)
		}
	}
}

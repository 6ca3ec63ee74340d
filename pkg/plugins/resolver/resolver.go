// Package resolver implements the "dns" plugin: it renders resolv.conf
// from static servers and the nameservers learned by WAN links.
package resolver

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/plugins/wanlink"
)

// Category is the tree key for resolver instances.
const Category = "dns"

// InitSeq runs the resolver after routing.
const InitSeq = 40

// DefaultPath is where resolv.conf is written unless configured.
const DefaultPath = "/etc/resolv.conf"

// maxNameservers is the glibc resolver limit.
const maxNameservers = 3

// Config is one resolver instance.
type Config struct {
	Path    string   `yaml:"path"`
	Servers []string `yaml:"servers" validate:"dive,ip"`
	Search  []string `yaml:"search" validate:"max=6,dive,fqdn"`
	// WANs whose leased servers are used. Empty means all.
	WANs    []string `yaml:"wans"`
	NoWAN   bool     `yaml:"no_wan"`
	Options []string `yaml:"options"`
}

// Source is what the resolver needs from a WAN instance.
type Source interface {
	Nameservers() []netip.Addr
	Ready() bool
	Priority() int
}

// Registration returns the manifest entry for resolvers.
func Registration() plugin.Registration {
	return plugin.Registration{
		Category: Category,
		InitSeq:  InitSeq,
		New:      func(id plugin.ID) plugin.Plugin { return New(id) },
	}
}

// Resolver is the plugin value for one instance.
type Resolver struct {
	plugin.Base

	id      plugin.ID
	cfg     Config
	servers []netip.Addr

	// previous holds the file content found before the first write; nil
	// when there was no file.
	previous []byte
	saved    bool
	written  string
}

// New returns an unconfigured resolver instance.
func New(id plugin.ID) *Resolver {
	return &Resolver{id: id}
}

func (r *Resolver) path() string {
	return cmp.Or(r.cfg.Path, DefaultPath)
}

// Configure implements plugin.Plugin.
func (r *Resolver) Configure(n config.Node) error {
	var cfg Config
	if err := config.DecodeValid(n, &cfg); err != nil {
		return err
	}
	var servers []netip.Addr
	for _, s := range cfg.Servers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("server %q: %w", s, err)
		}
		servers = append(servers, a)
	}
	if cfg.Path != "" && !filepath.IsAbs(cfg.Path) {
		return fmt.Errorf("path %q must be absolute", cfg.Path)
	}
	r.cfg = cfg
	r.servers = servers
	return nil
}

// Apply implements plugin.Plugin.
func (r *Resolver) Apply(_ context.Context, h plugin.Handle) error {
	servers := slices.Clone(r.servers)
	if !r.cfg.NoWAN {
		learned, err := r.wanServers(h)
		if err != nil {
			return err
		}
		for _, a := range learned {
			if !slices.Contains(servers, a) {
				servers = append(servers, a)
			}
		}
	}
	if len(servers) > maxNameservers {
		slog.Debug("too many nameservers, truncating", "instance", r.id, "count", len(servers))
		servers = servers[:maxNameservers]
	}

	content := render(servers, r.cfg.Search, r.cfg.Options)
	if err := r.save(); err != nil {
		return err
	}
	if err := writeFileAtomic(r.path(), []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", r.path(), err)
	}
	r.written = content
	slog.Info("resolv.conf written", "path", r.path(), "servers", len(servers))
	return nil
}

// wanServers subscribes to the WANs in scope and returns their servers,
// ready WANs first in priority order.
func (r *Resolver) wanServers(h plugin.Handle) ([]netip.Addr, error) {
	var ids []plugin.ID
	if len(r.cfg.WANs) > 0 {
		for _, name := range r.cfg.WANs {
			ids = append(ids, plugin.ID{Category: wanlink.Category, Name: name})
		}
	} else {
		ids = h.Instances(wanlink.Category)
	}

	type src struct {
		name string
		s    Source
	}
	var srcs []src
	for _, id := range ids {
		if err := h.SubscribeChangeFrom(id); err != nil {
			return nil, fmt.Errorf("wan %s: %w", id.Name, err)
		}
		if p, ok := h.Lookup(id); ok {
			if s, ok := p.(Source); ok {
				srcs = append(srcs, src{id.Name, s})
			}
		}
	}
	slices.SortStableFunc(srcs, func(a, b src) int {
		if a.s.Ready() != b.s.Ready() {
			if a.s.Ready() {
				return -1
			}
			return 1
		}
		return cmp.Or(cmp.Compare(a.s.Priority(), b.s.Priority()), cmp.Compare(a.name, b.name))
	})

	var out []netip.Addr
	for _, s := range srcs {
		for _, a := range s.s.Nameservers() {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// save remembers what was on disk before the first write.
func (r *Resolver) save() error {
	if r.saved {
		return nil
	}
	data, err := os.ReadFile(r.path())
	switch {
	case err == nil:
		r.previous = data
	case os.IsNotExist(err):
		r.previous = nil
	default:
		return fmt.Errorf("read %s: %w", r.path(), err)
	}
	r.saved = true
	return nil
}

func render(servers []netip.Addr, search, options []string) string {
	var b strings.Builder
	b.WriteString("# Generated by netcfgd. Do not edit.\n")
	if len(search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(search, " "))
	}
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if len(options) > 0 {
		fmt.Fprintf(&b, "options %s\n", strings.Join(options, " "))
	}
	return b.String()
}

// Flush implements plugin.Plugin. It puts back what was there before, as
// long as nobody replaced our file in the meantime.
func (r *Resolver) Flush(context.Context) error {
	if !r.saved {
		return nil
	}
	cur, err := os.ReadFile(r.path())
	if err == nil && !bytes.Equal(cur, []byte(r.written)) {
		slog.Warn("resolv.conf changed behind our back, leaving it", "path", r.path())
	} else if r.previous != nil {
		if err := writeFileAtomic(r.path(), r.previous); err != nil {
			return fmt.Errorf("restore %s: %w", r.path(), err)
		}
	} else if err := os.Remove(r.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", r.path(), err)
	}
	r.saved, r.previous, r.written = false, nil, ""
	return nil
}

// Status is the state snapshot of a resolver.
type Status struct {
	Path    string   `json:"path"`
	Servers []string `json:"servers"`
	Search  []string `json:"search,omitempty"`
	Ndots   int      `json:"ndots"`
}

// State implements plugin.Plugin by parsing the file as the system
// resolver would.
func (r *Resolver) State(context.Context) (any, error) {
	cc, err := dns.ClientConfigFromFile(r.path())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.path(), err)
	}
	return Status{Path: r.path(), Servers: cc.Servers, Search: cc.Search, Ndots: cc.Ndots}, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package dhcpserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/psaab/netcfgd/pkg/reconcile"
)

const (
	DefaultConfigPath = "/etc/kea/kea-dhcp4.conf"
	DefaultLeasePath  = "/var/lib/kea/kea-leases4.csv"
	DefaultUnit       = "kea-dhcp4-server"

	// restartDelay coalesces scope changes from one pass into one restart.
	restartDelay = 2 * time.Second

	defaultValidLifetime = 86400
)

// Scope is the DHCPv4 service offered on one LAN link.
type Scope struct {
	Interface  string
	Subnet     string
	RangeStart string
	RangeEnd   string
	Router     string
	DNS        []string
	Domain     string
	LeaseTime  int
}

// Runner starts and stops the server unit.
type Runner interface {
	Restart(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
}

// Systemctl drives units through systemctl.
type Systemctl struct{}

func (Systemctl) Restart(ctx context.Context, unit string) error {
	return exec.CommandContext(ctx, "systemctl", "restart", unit).Run()
}

func (Systemctl) Stop(ctx context.Context, unit string) error {
	return exec.CommandContext(ctx, "systemctl", "stop", unit).Run()
}

// Service owns the Kea DHCPv4 configuration shared by all scopes.
type Service struct {
	ConfigPath string
	LeasePath  string
	Unit       string

	runner Runner
	deb    *reconcile.Debouncer

	mu      sync.Mutex
	scopes  map[string]Scope
	running bool
}

// NewService returns a service with the default paths. Changes restart
// the server restartDelay after the last one; Run must be running for
// that to happen.
func NewService(runner Runner, clock clockz.Clock) *Service {
	s := &Service{
		ConfigPath: DefaultConfigPath,
		LeasePath:  DefaultLeasePath,
		Unit:       DefaultUnit,
		runner:     runner,
		scopes:     make(map[string]Scope),
	}
	s.deb = reconcile.NewDebouncer(clock, restartDelay, s.sync)
	return s
}

// Run drives the debounced restarts until ctx is done.
func (s *Service) Run(ctx context.Context) { s.deb.Run(ctx) }

// Set installs or replaces the scope of one instance and rewrites the
// configuration.
func (s *Service) Set(name string, sc Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for other, o := range s.scopes {
		if other != name && o.Interface == sc.Interface {
			return fmt.Errorf("interface %s already served by %s", sc.Interface, other)
		}
	}
	s.scopes[name] = sc
	return s.writeLocked()
}

// Remove drops the scope of one instance.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[name]; !ok {
		return nil
	}
	delete(s.scopes, name)
	if len(s.scopes) == 0 {
		s.deb.Trigger()
		if err := os.Remove(s.ConfigPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return s.writeLocked()
}

// SubnetID returns the Kea subnet id of an instance's scope, or 0.
func (s *Service) SubnetID(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subnetID(s.scopes, name)
}

// Running reports whether the last sync left the server running.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) writeLocked() error {
	data, err := generateConfig(s.scopes, s.LeasePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.ConfigPath), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.ConfigPath), err)
	}
	if err := os.WriteFile(s.ConfigPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.ConfigPath, err)
	}
	s.deb.Trigger()
	return nil
}

// sync brings the unit in line with the scopes.
func (s *Service) sync(ctx context.Context) {
	s.mu.Lock()
	empty := len(s.scopes) == 0
	running := s.running
	s.mu.Unlock()

	var err error
	switch {
	case empty && running:
		err = s.runner.Stop(ctx, s.Unit)
		if err == nil {
			running = false
		}
	case !empty:
		err = s.runner.Restart(ctx, s.Unit)
		running = err == nil
	}
	if err != nil {
		slog.Warn("dhcp server unit change failed", "unit", s.Unit, "err", err)
	} else {
		slog.Info("dhcp server synced", "unit", s.Unit, "running", running)
	}

	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// names returns the scope names in subnet id order.
func names(scopes map[string]Scope) []string {
	out := make([]string, 0, len(scopes))
	for n := range scopes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func subnetID(scopes map[string]Scope, name string) int {
	if _, ok := scopes[name]; !ok {
		return 0
	}
	return slices.Index(names(scopes), name) + 1
}

type keaPool struct {
	Pool string `json:"pool"`
}

type keaOpt struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type keaSubnet4 struct {
	ID            int       `json:"id"`
	Subnet        string    `json:"subnet"`
	Pools         []keaPool `json:"pools,omitempty"`
	Interface     string    `json:"interface,omitempty"`
	OptionData    []keaOpt  `json:"option-data,omitempty"`
	ValidLifetime int       `json:"valid-lifetime,omitempty"`
}

func generateConfig(scopes map[string]Scope, leasePath string) ([]byte, error) {
	var subnets []keaSubnet4
	var ifaces []string
	for i, name := range names(scopes) {
		sc := scopes[name]
		sub := keaSubnet4{
			ID:            i + 1,
			Subnet:        sc.Subnet,
			Interface:     sc.Interface,
			ValidLifetime: sc.LeaseTime,
		}
		if sc.RangeStart != "" && sc.RangeEnd != "" {
			sub.Pools = append(sub.Pools, keaPool{Pool: fmt.Sprintf("%s - %s", sc.RangeStart, sc.RangeEnd)})
		}
		if sc.Router != "" {
			sub.OptionData = append(sub.OptionData, keaOpt{Name: "routers", Data: sc.Router})
		}
		if len(sc.DNS) > 0 {
			sub.OptionData = append(sub.OptionData, keaOpt{Name: "domain-name-servers", Data: strings.Join(sc.DNS, ", ")})
		}
		if sc.Domain != "" {
			sub.OptionData = append(sub.OptionData, keaOpt{Name: "domain-name", Data: sc.Domain})
		}
		subnets = append(subnets, sub)
		ifaces = append(ifaces, sc.Interface)
	}

	keaCfg := map[string]any{
		"Dhcp4": map[string]any{
			"interfaces-config": map[string]any{
				"interfaces": ifaces,
			},
			"lease-database": map[string]any{
				"type": "memfile",
				"name": leasePath,
			},
			"valid-lifetime": defaultValidLifetime,
			"subnet4":        subnets,
		},
	}
	return json.MarshalIndent(keaCfg, "", "  ")
}

// Lease represents a DHCP lease from Kea's lease database.
type Lease struct {
	Address   string `json:"address"`
	HWAddress string `json:"hwaddr"`
	Hostname  string `json:"hostname,omitempty"`
	ValidLife string `json:"valid_lifetime"`
	Expire    string `json:"expire"`
	SubnetID  string `json:"subnet_id"`
}

// Leases reads the lease file. A missing file has no leases.
func (s *Service) Leases() ([]Lease, error) {
	return parseLeaseCSV(s.LeasePath)
}

func parseLeaseCSV(path string) ([]Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[h] = i
	}
	field := func(rec []string, name string) string {
		if idx, ok := cols[name]; ok && idx < len(rec) {
			return rec[idx]
		}
		return ""
	}

	var leases []Lease
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return leases, fmt.Errorf("lease record: %w", err)
		}
		l := Lease{
			Address:   field(rec, "address"),
			HWAddress: field(rec, "hwaddr"),
			Hostname:  field(rec, "hostname"),
			ValidLife: field(rec, "valid_lifetime"),
			Expire:    field(rec, "expire"),
			SubnetID:  field(rec, "subnet_id"),
		}
		if l.Address != "" {
			leases = append(leases, l)
		}
	}
	return leases, nil
}

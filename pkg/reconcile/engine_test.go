package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

// fakePlugin records lifecycle calls. Its config drives behavior:
// "dep" names an instance to subscribe to, "fail"/"fatal"/"panic" make Apply
// misbehave and "invalid" makes Configure fail.
type fakePlugin struct {
	plugin.Base
	id  plugin.ID
	rec *recorder
	cfg config.Node
}

func (p *fakePlugin) Configure(cfg config.Node) error {
	if cfg["invalid"] == true {
		return errors.New("invalid config")
	}
	p.cfg = cfg
	return nil
}

func (p *fakePlugin) Apply(_ context.Context, h plugin.Handle) error {
	p.rec.add("apply " + p.id.String())
	if p.cfg["panic"] == true {
		panic("apply exploded")
	}
	if p.cfg["fatal"] == true {
		return plugin.Fatal("cannot work with %v", p.cfg)
	}
	if p.cfg["fail"] == true {
		return errors.New("apply failed")
	}
	if on, ok := p.cfg["dep"].(string); ok {
		pub, err := plugin.ParseID(on)
		if err != nil {
			return err
		}
		return h.SubscribeChangeFrom(pub)
	}
	return nil
}

func (p *fakePlugin) Flush(context.Context) error {
	p.rec.add("flush " + p.id.String())
	return nil
}

type notifyCounter struct {
	mu sync.Mutex
	n  map[Channel]int
}

func (c *notifyCounter) Notify(_ context.Context, ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[Channel]int)
	}
	c.n[ch]++
}

func (c *notifyCounter) take() map[Channel]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.n
	c.n = nil
	return out
}

func newTestEngine(t *testing.T) (*Engine, *recorder, *notifyCounter) {
	t.Helper()
	rec := &recorder{}
	newFn := func(id plugin.ID) plugin.Plugin { return &fakePlugin{id: id, rec: rec} }
	m, err := plugin.NewManifest(
		plugin.Registration{Category: "interface", InitSeq: 10, Interface: true, New: newFn},
		plugin.Registration{Category: "dhcp", InitSeq: 20, Path: []string{"services", "dhcp"}, New: newFn},
		plugin.Registration{Category: "dns", InitSeq: 30, Path: []string{"services", "dns"}, New: newFn},
	)
	if err != nil {
		t.Fatal(err)
	}
	n := &notifyCounter{}
	return New(m, plugin.NewRegistry(), WithNotifier(n)), rec, n
}

func mustParse(t *testing.T, s string) config.Tree {
	t.Helper()
	tree, err := config.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tree
}

const baseTree = `
interface:
  eth0: {mtu: 1500}
services:
  dhcp:
    lan: {dep: interface/eth0, range: 192.168.1.100-192.168.1.200}
`

func reapply(t *testing.T, e *Engine, tree config.Tree) *Result {
	t.Helper()
	res, err := e.Reapply(context.Background(), tree, false)
	if err != nil {
		t.Fatalf("Reapply: %v", err)
	}
	return res
}

func TestFirstPassAppliesAscending(t *testing.T) {
	e, rec, n := newTestEngine(t)
	res := reapply(t, e, mustParse(t, baseTree))

	if got, want := rec.take(), []string{"apply interface/eth0", "apply dhcp/lan"}; !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if len(res.Plan.Added) != 2 || len(res.Errors) != 0 {
		t.Errorf("plan = %+v errors = %v", res.Plan, res.Messages())
	}
	if res.Flags != ChangeGeneral|ChangeInterface {
		t.Errorf("flags = %v", res.Flags)
	}
	if got := n.take(); got[ChannelGeneral] != 1 || got[ChannelInterface] != 1 {
		t.Errorf("notifications = %v, want one per channel", got)
	}
	if subs := e.Registry().Subscribers(plugin.ID{Category: "interface", Name: "eth0"}); len(subs) != 1 {
		t.Errorf("eth0 subscribers = %v", subs)
	}
}

func TestSameTreeTwiceIsNoop(t *testing.T) {
	e, rec, n := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()
	n.take()

	res := reapply(t, e, mustParse(t, baseTree))
	if calls := rec.take(); len(calls) != 0 {
		t.Errorf("second pass made calls %v", calls)
	}
	if len(res.Plan.Dirty) != 0 || len(res.Plan.Changed) != 0 {
		t.Errorf("second pass plan = %+v", res.Plan)
	}
	if res.Flags != 0 {
		t.Errorf("second pass flags = %v", res.Flags)
	}
	if got := n.take(); len(got) != 0 {
		t.Errorf("second pass notified %v", got)
	}
}

// Changing only eth0's MTU dirties the DHCP server that subscribes to it,
// flushes it first and applies it last.
func TestPublisherChangeDirtiesSubscriber(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()

	res := reapply(t, e, mustParse(t, `
interface:
  eth0: {mtu: 9000}
services:
  dhcp:
    lan: {dep: interface/eth0, range: 192.168.1.100-192.168.1.200}
`))
	want := []string{
		"flush dhcp/lan",
		"flush interface/eth0",
		"apply interface/eth0",
		"apply dhcp/lan",
	}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if len(res.Plan.Changed) != 1 || res.Plan.Changed[0].Name != "eth0" {
		t.Errorf("changed = %v, want only eth0", res.Plan.Changed)
	}
	if len(res.Plan.Dirty) != 2 {
		t.Errorf("dirty = %v, want eth0 and dhcp/lan", res.Plan.Dirty)
	}
}

func TestCosmeticChangeIgnored(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()

	reapply(t, e, mustParse(t, `
interface:
  eth0: {mtu: 1500, name: "LAN port", extra: {color: blue}}
services:
  dhcp:
    lan: {dep: interface/eth0, range: 192.168.1.100-192.168.1.200}
`))
	if calls := rec.take(); len(calls) != 0 {
		t.Errorf("cosmetic change made calls %v", calls)
	}
}

func TestRemovalFlushesDescending(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()

	res := reapply(t, e, config.Tree{})
	if got, want := rec.take(), []string{"flush dhcp/lan", "flush interface/eth0"}; !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if e.Registry().Len() != 0 {
		t.Errorf("registry still holds %d instances", e.Registry().Len())
	}
	if len(res.Plan.Removed) != 2 {
		t.Errorf("removed = %v", res.Plan.Removed)
	}
}

func TestRemovedPublisherDirtiesSubscriber(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()

	res := reapply(t, e, mustParse(t, `
services:
  dhcp:
    lan: {dep: interface/eth0, range: 192.168.1.100-192.168.1.200}
`))
	// The subscriber is flushed while its publisher still exists.
	want := []string{"flush dhcp/lan", "flush interface/eth0", "apply dhcp/lan"}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	dhcpLan := plugin.ID{Category: "dhcp", Name: "lan"}
	if !slices.Equal(res.Plan.Dirty, []plugin.ID{dhcpLan}) {
		t.Errorf("planned dirty = %v, want [dhcp/lan]", res.Plan.Dirty)
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], plugin.ErrUnknownInstance) {
		t.Errorf("errors = %v, want unknown instance", res.Messages())
	}
}

func TestInstanceErrorsAreLocal(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	res := reapply(t, e, mustParse(t, `
interface:
  eth0: {fail: true}
  eth1: {panic: true}
  eth2: {fatal: true}
  eth3: {mtu: 1500}
`))
	if len(res.Errors) != 3 {
		t.Fatalf("errors = %v, want 3", res.Messages())
	}
	if !res.Errors[2].Fatal || res.Errors[0].Fatal {
		t.Errorf("fatal flags wrong: %+v", res.Errors)
	}
	if got := rec.take(); !slices.Contains(got, "apply interface/eth3") {
		t.Errorf("healthy instance not applied: %v", got)
	}
	if res.Err() == nil {
		t.Error("Err() = nil with instance errors")
	}

	// Failed instances are not retried until something changes.
	reapply(t, e, nil)
	if calls := rec.take(); len(calls) != 0 {
		t.Errorf("nil-tree pass retried %v", calls)
	}
	if e.Stats().FailedPasses != 1 {
		t.Errorf("FailedPasses = %d", e.Stats().FailedPasses)
	}
}

func TestNilTreeAppliesDirtyOnly(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()

	e.Registry().MarkChanged(plugin.ID{Category: "interface", Name: "eth0"})
	reapply(t, e, nil)
	want := []string{
		"flush dhcp/lan",
		"flush interface/eth0",
		"apply interface/eth0",
		"apply dhcp/lan",
	}
	if got := rec.take(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestDryRunLeavesRegistryAlone(t *testing.T) {
	e, rec, n := newTestEngine(t)
	reapply(t, e, mustParse(t, baseTree))
	rec.take()
	n.take()

	res, err := e.Reapply(context.Background(), mustParse(t, `
interface:
  eth0: {mtu: 9000}
  eth1: {invalid: true}
services:
  dhcp:
    lan: {dep: interface/eth0, range: 192.168.1.100-192.168.1.200}
`), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun {
		t.Error("result not marked dry run")
	}
	if calls := rec.take(); len(calls) != 0 {
		t.Errorf("dry run made calls %v", calls)
	}
	if len(n.take()) != 0 {
		t.Error("dry run notified")
	}
	if len(res.Errors) != 1 || res.Errors[0].ID.Name != "eth1" {
		t.Errorf("errors = %v", res.Messages())
	}
	if len(res.Plan.Added) != 1 || len(res.Plan.Changed) != 1 {
		t.Errorf("plan = %+v", res.Plan)
	}
	if !slices.Contains(res.Plan.Dirty, plugin.ID{Category: "dhcp", Name: "lan"}) {
		t.Errorf("dry run dirty set misses subscriber: %v", res.Plan.Dirty)
	}
	if e.Registry().Len() != 2 || e.Registry().Changed(plugin.ID{Category: "interface", Name: "eth0"}) {
		t.Error("dry run mutated the registry")
	}
	if cfg := e.Registry().Config(plugin.ID{Category: "interface", Name: "eth0"}); cfg["mtu"] != 1500 {
		t.Errorf("committed config changed to %v", cfg)
	}
}

func TestMalformedTreeFailsPass(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Reapply(context.Background(), config.Tree{"interface": "eth0"}, false); err == nil {
		t.Fatal("expected error for non-mapping category")
	}
	if e.Stats().Passes != 0 {
		t.Error("malformed tree counted as a pass")
	}
}

func TestStaleProbe(t *testing.T) {
	e, _, _ := newTestEngine(t)
	before := time.Now().Add(-time.Second)
	if e.Stale(before) {
		t.Error("stale before any pass")
	}
	reapply(t, e, mustParse(t, baseTree))
	if !e.Stale(before) {
		t.Error("probe started before a pass not stale")
	}
	if e.Stale(time.Now().Add(time.Second)) {
		t.Error("probe started after the pass is stale")
	}
	if e.LastApplied().IsZero() {
		t.Error("LastApplied not set")
	}
}

func TestObserverSeesPass(t *testing.T) {
	rec := &recorder{}
	newFn := func(id plugin.ID) plugin.Plugin { return &fakePlugin{id: id, rec: rec} }
	m, _ := plugin.NewManifest(plugin.Registration{Category: "interface", New: newFn})
	var got []*Result
	e := New(m, plugin.NewRegistry(), WithObserver(func(r *Result) { got = append(got, r) }))
	reapply(t, e, mustParse(t, "interface:\n  eth0: {}\n"))
	if len(got) != 1 || len(got[0].Applied) != 1 {
		t.Errorf("observer got %+v", got)
	}
}

type spanNameKey struct{}

// spanTracer records every span as "name<parent" using a context value,
// so nesting is visible without an SDK.
type spanTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []string
}

func (t *spanTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	parent, _ := ctx.Value(spanNameKey{}).(string)
	t.mu.Lock()
	t.spans = append(t.spans, name+"<"+parent)
	t.mu.Unlock()
	return context.WithValue(ctx, spanNameKey{}, name), noop.Span{}
}

func TestInstanceSpansNestUnderPass(t *testing.T) {
	rec := &recorder{}
	newFn := func(id plugin.ID) plugin.Plugin { return &fakePlugin{id: id, rec: rec} }
	m, _ := plugin.NewManifest(plugin.Registration{Category: "interface", New: newFn})
	tr := &spanTracer{}
	e := New(m, plugin.NewRegistry(), WithTracer(tr))
	reapply(t, e, mustParse(t, "interface:\n  eth0: {}\n"))

	want := []string{
		"reconcile.pass<",
		"reconcile.configure<reconcile.pass",
		"reconcile.apply<reconcile.pass",
	}
	if !slices.Equal(tr.spans, want) {
		t.Errorf("spans = %v, want %v", tr.spans, want)
	}
}

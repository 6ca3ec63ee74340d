// Package reconcile implements the reapply engine: it diffs a declarative
// tree against live plugin instances, flushes in reverse dependency order
// and applies in forward order, one pass at a time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
)

// ChangeFlags records which notification channels a pass touched.
type ChangeFlags uint8

const (
	ChangeGeneral ChangeFlags = 1 << iota
	ChangeInterface
)

func (f ChangeFlags) String() string {
	var parts []string
	if f&ChangeGeneral != 0 {
		parts = append(parts, "general")
	}
	if f&ChangeInterface != 0 {
		parts = append(parts, "interface")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

func (f ChangeFlags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// InstanceError is one failed operation on one instance. It never aborts
// the pass.
type InstanceError struct {
	ID    plugin.ID
	Op    string
	Err   error
	Fatal bool
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

// Plan is the structural diff computed at the start of a pass.
type Plan struct {
	Added   []plugin.ID `json:"added,omitempty"`
	Removed []plugin.ID `json:"removed,omitempty"`
	Changed []plugin.ID `json:"changed,omitempty"`
	// Dirty lists every instance that will be flushed and applied,
	// including subscribers dirtied by propagation.
	Dirty []plugin.ID `json:"dirty,omitempty"`
}

// Result describes one reconciliation pass.
type Result struct {
	Timestamp time.Time        `json:"timestamp"`
	Duration  time.Duration    `json:"duration"`
	DryRun    bool             `json:"dry_run"`
	Flags     ChangeFlags      `json:"flags"`
	Plan      Plan             `json:"plan"`
	Flushed   []plugin.ID      `json:"flushed,omitempty"`
	Applied   []plugin.ID      `json:"applied,omitempty"`
	Errors    []*InstanceError `json:"-"`
}

// Err joins the instance errors, or returns nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Messages returns one line per instance error, in pass order.
func (r *Result) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// Stats summarizes engine activity for metrics and status.
type Stats struct {
	Passes       uint64
	DryRuns      uint64
	FailedPasses uint64
	InstanceErrs uint64
	InProgress   bool
	LastApplied  time.Time
	LastDuration time.Duration
}

// Engine runs reconciliation passes. Passes, dry runs included, are
// serialized by a single lock held for the whole pass.
type Engine struct {
	mu sync.Mutex

	manifest *plugin.Manifest
	reg      *plugin.Registry
	sched    plugin.Scheduler
	notifier Notifier
	clock    clockz.Clock
	tracer   trace.Tracer

	observers []func(*Result)

	inProgress   atomic.Bool
	lastStart    atomic.Int64
	lastApplied  atomic.Int64
	lastDuration atomic.Int64
	passes       atomic.Uint64
	dryRuns      atomic.Uint64
	failedPasses atomic.Uint64
	instanceErrs atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the channel for "config applied" notifications.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithClock replaces the wall clock, for tests.
func WithClock(c clockz.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithTracer replaces the otel tracer.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithObserver registers fn to receive every pass result.
func WithObserver(fn func(*Result)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// New creates an engine over a manifest and registry.
func New(m *plugin.Manifest, reg *plugin.Registry, opts ...Option) *Engine {
	e := &Engine{
		manifest: m,
		reg:      reg,
		notifier: nopNotifier{},
		clock:    clockz.RealClock,
		tracer:   otel.Tracer("netcfgd/reconcile"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetScheduler sets the scheduler handed to plugins through their Handle.
// It must be called before the first pass.
func (e *Engine) SetScheduler(s plugin.Scheduler) { e.sched = s }

// Registry returns the instance registry.
func (e *Engine) Registry() *plugin.Registry { return e.reg }

// Manifest returns the category manifest.
func (e *Engine) Manifest() *plugin.Manifest { return e.manifest }

// InProgress reports whether a non-dry-run pass is running.
func (e *Engine) InProgress() bool { return e.inProgress.Load() }

// LastApplied returns the end time of the last completed pass.
func (e *Engine) LastApplied() time.Time { return unixTime(e.lastApplied.Load()) }

// Stale reports whether a probe that started at since should be
// discarded: a pass is running, or one started after the probe did.
func (e *Engine) Stale(since time.Time) bool {
	return e.InProgress() || unixTime(e.lastStart.Load()).After(since)
}

// Stats returns counters for metrics.
func (e *Engine) Stats() Stats {
	return Stats{
		Passes:       e.passes.Load(),
		DryRuns:      e.dryRuns.Load(),
		FailedPasses: e.failedPasses.Load(),
		InstanceErrs: e.instanceErrs.Load(),
		InProgress:   e.InProgress(),
		LastApplied:  e.LastApplied(),
		LastDuration: time.Duration(e.lastDuration.Load()),
	}
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reapply runs one reconciliation pass. A nil tree re-applies the current
// state: only instances already dirty are flushed and applied. A dry run
// computes the plan and checks every candidate configuration on throw-away
// plugin values without touching the registry.
//
// Instance failures are collected in the result. The returned error is
// non-nil only when the tree itself cannot be read.
func (e *Engine) Reapply(ctx context.Context, tree config.Tree, dryRun bool) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	desired, err := e.desired(tree)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return e.dryRun(ctx, desired), nil
	}

	start := e.clock.Now()
	e.inProgress.Store(true)
	e.lastStart.Store(start.UnixNano())
	defer e.inProgress.Store(false)

	ctx, span := e.tracer.Start(ctx, "reconcile.pass",
		trace.WithAttributes(attribute.Bool("full_tree", tree != nil)))
	defer span.End()

	res := &Result{Timestamp: start}
	p := &pass{engine: e, res: res}

	if desired != nil {
		p.stage(desired)
	}
	res.Plan.Dirty = p.plannedDirty()
	// Removal and the flush of surviving dirty instances share one
	// descending walk, so a subscriber is always flushed before the
	// publisher it depends on goes away.
	for _, r := range e.manifest.Descending() {
		p.remove(ctx, r)
		p.flushDirty(ctx, r)
	}
	for _, r := range e.manifest.Ascending() {
		if desired != nil {
			p.configure(ctx, r, desired[r.Category])
		}
		p.applyDirty(ctx, r)
	}

	end := e.clock.Now()
	res.Duration = end.Sub(start)
	e.lastApplied.Store(end.UnixNano())
	e.lastDuration.Store(int64(res.Duration))
	e.passes.Add(1)
	if len(res.Errors) > 0 {
		e.failedPasses.Add(1)
		e.instanceErrs.Add(uint64(len(res.Errors)))
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, fmt.Sprintf("%d instance errors", len(res.Errors)))
	}
	span.SetAttributes(
		attribute.String("flags", res.Flags.String()),
		attribute.Int("applied", len(res.Applied)),
		attribute.Int("flushed", len(res.Flushed)),
	)

	e.notify(ctx, res.Flags)

	slog.Info("reconciliation pass complete",
		"duration", res.Duration,
		"added", len(res.Plan.Added),
		"removed", len(res.Plan.Removed),
		"changed", len(res.Plan.Changed),
		"applied", len(res.Applied),
		"errors", len(res.Errors),
		"flags", res.Flags)

	for _, fn := range e.observers {
		fn(res)
	}
	return res, nil
}

// desired reads every registered category out of tree. Unregistered
// top-level keys are ignored.
func (e *Engine) desired(tree config.Tree) (map[string]map[string]config.Node, error) {
	if tree == nil {
		return nil, nil
	}
	out := make(map[string]map[string]config.Node)
	for _, r := range e.manifest.Ascending() {
		insts, err := tree.Category(r.TreePath())
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", r.Category, err)
		}
		out[r.Category] = insts
	}
	return out, nil
}

func (e *Engine) dirtyAll() []plugin.ID {
	var out []plugin.ID
	for _, r := range e.manifest.Ascending() {
		out = append(out, e.reg.Dirty(r.Category)...)
	}
	return out
}

// notify emits each touched channel once per pass.
func (e *Engine) notify(ctx context.Context, flags ChangeFlags) {
	if flags&ChangeGeneral != 0 {
		e.notifier.Notify(ctx, ChannelGeneral)
	}
	if flags&ChangeInterface != 0 {
		e.notifier.Notify(ctx, ChannelInterface)
	}
}

// dryRun builds the plan a real pass would follow and runs Configure on
// fresh plugin values. The registry is only read.
func (e *Engine) dryRun(ctx context.Context, desired map[string]map[string]config.Node) *Result {
	e.dryRuns.Add(1)
	res := &Result{Timestamp: e.clock.Now(), DryRun: true}
	p := &pass{engine: e, res: res}

	dirty := make(map[plugin.ID]bool)
	for _, id := range e.dirtyAll() {
		dirty[id] = true
	}
	for _, r := range e.manifest.Descending() {
		if desired == nil {
			break
		}
		insts := desired[r.Category]
		for _, id := range e.reg.IDs(r.Category) {
			if _, ok := insts[id.Name]; !ok {
				res.Plan.Removed = append(res.Plan.Removed, id)
				p.flag(r)
				for _, sub := range e.reg.Dependents(id) {
					dirty[sub] = true
				}
			}
		}
		for _, name := range config.Names(insts) {
			id := plugin.ID{Category: r.Category, Name: name}
			cfg := insts[name]
			if _, ok := e.reg.Plugin(id); !ok {
				res.Plan.Added = append(res.Plan.Added, id)
				dirty[id] = true
			} else if !config.Equal(e.reg.Config(id), cfg) {
				res.Plan.Changed = append(res.Plan.Changed, id)
				dirty[id] = true
				for _, sub := range e.reg.Dependents(id) {
					dirty[sub] = true
				}
			}
			probe := r.New(id)
			if ierr := p.guard(ctx, id, "configure", func(context.Context) error {
				return probe.Configure(config.CloneNode(cfg))
			}); ierr != nil {
				res.Errors = append(res.Errors, ierr)
			}
		}
	}
	for _, r := range e.manifest.Ascending() {
		for _, id := range e.reg.IDs(r.Category) {
			if dirty[id] {
				res.Plan.Dirty = append(res.Plan.Dirty, id)
				p.flag(r)
			}
		}
		if desired == nil {
			continue
		}
		for _, id := range res.Plan.Added {
			if id.Category == r.Category {
				res.Plan.Dirty = append(res.Plan.Dirty, id)
				p.flag(r)
			}
		}
	}
	return res
}

// pass carries the state of one non-dry-run reconciliation.
type pass struct {
	engine  *Engine
	res     *Result
	removed map[string][]plugin.ID
}

func (p *pass) flag(r plugin.Registration) {
	p.res.Flags |= ChangeGeneral
	if r.Interface {
		p.res.Flags |= ChangeInterface
	}
}

// stage diffs every category against the registry, creating new instances
// and staging their configuration. Removal candidates are remembered for
// the flush phase and their subscribers are marked dirty up front.
func (p *pass) stage(desired map[string]map[string]config.Node) {
	e := p.engine
	p.removed = make(map[string][]plugin.ID)
	for _, r := range e.manifest.Descending() {
		insts := desired[r.Category]
		for _, id := range e.reg.IDs(r.Category) {
			if _, ok := insts[id.Name]; !ok {
				p.removed[r.Category] = append(p.removed[r.Category], id)
				p.res.Plan.Removed = append(p.res.Plan.Removed, id)
				e.reg.NotifySubscribers(id)
			}
		}
		for _, name := range config.Names(insts) {
			id := plugin.ID{Category: r.Category, Name: name}
			created := e.reg.Ensure(id, r.InitSeq, r.New)
			changed, err := e.reg.Stage(id, insts[name])
			if err != nil {
				p.res.Errors = append(p.res.Errors, &InstanceError{ID: id, Op: "stage", Err: err})
				continue
			}
			switch {
			case created:
				p.res.Plan.Added = append(p.res.Plan.Added, id)
			case changed:
				p.res.Plan.Changed = append(p.res.Plan.Changed, id)
				slog.Debug("instance config changed", "instance", id)
			}
		}
	}
}

// plannedDirty lists the dirty instances that survive this pass.
func (p *pass) plannedDirty() []plugin.ID {
	gone := make(map[plugin.ID]bool)
	for _, ids := range p.removed {
		for _, id := range ids {
			gone[id] = true
		}
	}
	var out []plugin.ID
	for _, id := range p.engine.dirtyAll() {
		if !gone[id] {
			out = append(out, id)
		}
	}
	return out
}

// remove flushes and discards one category's removed instances, in order.
func (p *pass) remove(ctx context.Context, r plugin.Registration) {
	e := p.engine
	for _, id := range p.removed[r.Category] {
		p.flag(r)
		if e.reg.Configured(id) {
			if pl, ok := e.reg.Plugin(id); ok {
				if ierr := p.guard(ctx, id, "flush", pl.Flush); ierr != nil {
					p.res.Errors = append(p.res.Errors, ierr)
				}
				p.res.Flushed = append(p.res.Flushed, id)
			}
		}
		e.reg.Remove(id)
	}
}

// flushDirty flushes the old state of dirty instances and drops their
// publisher edges; Apply rebuilds them.
func (p *pass) flushDirty(ctx context.Context, r plugin.Registration) {
	e := p.engine
	for _, id := range e.reg.Dirty(r.Category) {
		p.flag(r)
		if e.reg.Configured(id) {
			if pl, ok := e.reg.Plugin(id); ok {
				if ierr := p.guard(ctx, id, "flush", pl.Flush); ierr != nil {
					p.res.Errors = append(p.res.Errors, ierr)
				}
				p.res.Flushed = append(p.res.Flushed, id)
			}
		}
		e.reg.UnsubscribeAll(id)
	}
}

// configure commits staged configuration for one category. An instance
// whose Configure fails is not applied this pass.
func (p *pass) configure(ctx context.Context, r plugin.Registration, insts map[string]config.Node) {
	e := p.engine
	for _, name := range config.Names(insts) {
		id := plugin.ID{Category: r.Category, Name: name}
		cfg, ok := e.reg.Commit(id)
		if !ok {
			continue
		}
		pl, ok := e.reg.Plugin(id)
		if !ok {
			continue
		}
		if ierr := p.guard(ctx, id, "configure", func(context.Context) error {
			return pl.Configure(cfg)
		}); ierr != nil {
			p.res.Errors = append(p.res.Errors, ierr)
			e.reg.ClearChanged(id)
		}
	}
}

// applyDirty applies one category's dirty instances. The dirty flag is
// cleared whether or not Apply succeeds.
func (p *pass) applyDirty(ctx context.Context, r plugin.Registration) {
	e := p.engine
	for _, id := range e.reg.Dirty(r.Category) {
		p.flag(r)
		pl, ok := e.reg.Plugin(id)
		if !ok || !e.reg.Configured(id) {
			e.reg.ClearChanged(id)
			continue
		}
		h := e.reg.Handle(id, e.sched)
		if ierr := p.guard(ctx, id, "apply", func(ctx context.Context) error {
			return pl.Apply(ctx, h)
		}); ierr != nil {
			p.res.Errors = append(p.res.Errors, ierr)
		} else {
			p.res.Applied = append(p.res.Applied, id)
		}
		e.reg.ClearChanged(id)
	}
}

// guard runs one plugin operation behind the per-instance error boundary.
// Panics are recovered and recorded like returned errors.
func (p *pass) guard(ctx context.Context, id plugin.ID, op string, fn func(context.Context) error) (ierr *InstanceError) {
	ctx, span := p.engine.tracer.Start(ctx, "reconcile."+op,
		trace.WithAttributes(attribute.String("instance", id.String())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			ierr = &InstanceError{ID: id, Op: op, Err: fmt.Errorf("panic: %v", r)}
			slog.Error("plugin panicked", "instance", id, "op", op, "panic", r)
		}
		if ierr != nil {
			span.RecordError(ierr.Err)
			span.SetStatus(codes.Error, ierr.Err.Error())
		}
	}()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	ierr = &InstanceError{ID: id, Op: op, Err: err, Fatal: plugin.IsFatal(err)}
	if ierr.Fatal {
		slog.Error("plugin failed fatally", "instance", id, "op", op, "err", err)
	} else {
		slog.Warn("plugin operation failed", "instance", id, "op", op, "err", err)
	}
	return ierr
}

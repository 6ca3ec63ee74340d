package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/psaab/netcfgd/pkg/config"
)

// Instance is the registry's record of one plugin instance.
type Instance struct {
	id      ID
	initSeq int
	plugin  Plugin

	networkConfig config.Node // committed; nil until first commit
	pendingConfig config.Node
	hasPending    bool
	changed       bool
}

// Info is a read-only snapshot of an instance's bookkeeping.
type Info struct {
	ID          ID          `json:"id"`
	InitSeq     int         `json:"init_seq"`
	Changed     bool        `json:"changed"`
	Config      config.Node `json:"config,omitempty"`
	Subscribers []ID        `json:"subscribers,omitempty"`
	Publishers  []ID        `json:"publishers,omitempty"`
}

// Registry owns every live plugin instance and the dependency graph
// between them. Plugin methods are never called with the registry lock
// held.
type Registry struct {
	mu        sync.RWMutex
	instances map[ID]*Instance
	graph     *Graph
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[ID]*Instance),
		graph:     NewGraph(),
	}
}

// Ensure creates the instance on first sight using newFn. It reports
// whether the instance was created.
func (r *Registry) Ensure(id ID, initSeq int, newFn func(ID) Plugin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; ok {
		return false
	}
	r.instances[id] = &Instance{id: id, initSeq: initSeq, plugin: newFn(id)}
	return true
}

// Remove discards an instance. Its subscribers are marked dirty first so
// they re-apply against its absence, then every edge touching it is dropped.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return false
	}
	r.markLocked(id, false)
	r.graph.Remove(id)
	delete(r.instances, id)
	return true
}

// Plugin returns the plugin of a live instance.
func (r *Registry) Plugin(id ID) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.plugin, true
}

// Stage records cfg as the instance's pending configuration. When it
// differs structurally from the committed one the instance and all its
// subscribers are marked dirty, and Stage reports true.
func (r *Registry) Stage(id ID, cfg config.Node) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false, fmt.Errorf("stage %s: %w", id, ErrUnknownInstance)
	}
	if cfg == nil {
		cfg = config.Node{}
	}
	inst.pendingConfig = cfg
	inst.hasPending = true
	if inst.networkConfig != nil && config.Equal(inst.networkConfig, cfg) {
		return false, nil
	}
	r.markLocked(id, true)
	return true, nil
}

// Commit moves the pending configuration into place and returns it. It
// returns false when nothing was staged.
func (r *Registry) Commit(id ID) (config.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok || !inst.hasPending {
		return nil, false
	}
	inst.networkConfig = inst.pendingConfig
	inst.pendingConfig = nil
	inst.hasPending = false
	return config.CloneNode(inst.networkConfig), true
}

// Configured reports whether the instance has a committed configuration.
func (r *Registry) Configured(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return ok && inst.networkConfig != nil
}

// Config returns a copy of the committed configuration.
func (r *Registry) Config(id ID) config.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst, ok := r.instances[id]; ok {
		return config.CloneNode(inst.networkConfig)
	}
	return nil
}

// Changed reports the instance's dirty flag.
func (r *Registry) Changed(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return ok && inst.changed
}

// MarkChanged marks id and every transitive subscriber dirty. It returns
// the instances it marked.
func (r *Registry) MarkChanged(id ID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markLocked(id, true)
}

// NotifySubscribers marks the transitive subscribers of id dirty, leaving
// id itself alone.
func (r *Registry) NotifySubscribers(id ID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markLocked(id, false)
}

func (r *Registry) markLocked(id ID, self bool) []ID {
	reach := r.graph.Reachable(id)
	if !self {
		reach = reach[1:]
	}
	for _, rid := range reach {
		if inst, ok := r.instances[rid]; ok {
			inst.changed = true
		}
	}
	return reach
}

// ClearChanged resets the dirty flag of one instance.
func (r *Registry) ClearChanged(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.changed = false
	}
}

// Subscribe adds the edge publisher -> subscriber. Both must be live.
func (r *Registry) Subscribe(subscriber, publisher ID) error {
	if subscriber == publisher {
		return fmt.Errorf("subscribe %s: %w", subscriber, ErrSelfSubscribe)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[subscriber]; !ok {
		return fmt.Errorf("subscribe %s: %w", subscriber, ErrUnknownInstance)
	}
	if _, ok := r.instances[publisher]; !ok {
		return fmt.Errorf("subscribe %s to %s: %w", subscriber, publisher, ErrUnknownInstance)
	}
	r.graph.Subscribe(subscriber, publisher)
	return nil
}

// UnsubscribeAll drops every publisher edge of id.
func (r *Registry) UnsubscribeAll(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.UnsubscribeAll(id)
}

// Subscribers returns the direct subscribers of id.
func (r *Registry) Subscribers(id ID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Subscribers(id)
}

// Publishers returns the instances id subscribes to.
func (r *Registry) Publishers(id ID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Publishers(id)
}

// Dependents returns every transitive subscriber of id.
func (r *Registry) Dependents(id ID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph.Reachable(id)[1:]
}

// IDs lists the live instances of a category sorted by name. An empty
// category lists every instance.
func (r *Registry) IDs(category string) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ID
	for id := range r.instances {
		if category == "" || id.Category == category {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, compareID)
	return out
}

// Dirty lists the dirty instances of a category sorted by name.
func (r *Registry) Dirty(category string) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ID
	for id, inst := range r.instances {
		if id.Category == category && inst.changed {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, compareID)
	return out
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Info returns a snapshot of one instance.
func (r *Registry) Info(id ID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(inst), true
}

// Snapshot returns every instance sorted by id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, r.infoLocked(inst))
	}
	slices.SortFunc(out, func(a, b Info) int { return compareID(a.ID, b.ID) })
	return out
}

func (r *Registry) infoLocked(inst *Instance) Info {
	return Info{
		ID:          inst.id,
		InitSeq:     inst.initSeq,
		Changed:     inst.changed,
		Config:      config.CloneNode(inst.networkConfig),
		Subscribers: r.graph.Subscribers(inst.id),
		Publishers:  r.graph.Publishers(inst.id),
	}
}

// Handle returns the engine view handed to an instance's Apply and OnEvent.
func (r *Registry) Handle(id ID, sched Scheduler) Handle {
	return &handle{reg: r, id: id, sched: sched}
}

type handle struct {
	reg   *Registry
	id    ID
	sched Scheduler
}

func (h *handle) ID() ID { return h.id }

func (h *handle) SubscribeChangeFrom(publisher ID) error {
	return h.reg.Subscribe(h.id, publisher)
}

func (h *handle) Lookup(id ID) (Plugin, bool) { return h.reg.Plugin(id) }

func (h *handle) Instances(category string) []ID {
	if category == "" {
		return nil
	}
	return h.reg.IDs(category)
}

func (h *handle) MarkChanged() { h.reg.MarkChanged(h.id) }

func (h *handle) NotifySubscribers() { h.reg.NotifySubscribers(h.id) }

func (h *handle) ScheduleReapply() {
	if h.sched != nil {
		h.sched.ScheduleReapply()
	}
}

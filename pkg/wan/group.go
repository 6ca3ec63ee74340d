package wan

import (
	"slices"
	"sync"
)

// Group is the set of WAN monitors on the box. It answers "is another WAN
// usable" for the lease renewal rule and feeds the status endpoints.
type Group struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
	status   map[string]Status
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{
		monitors: make(map[string]*Monitor),
		status:   make(map[string]Status),
	}
}

// Add registers m under name, replacing any previous monitor of that name.
func (g *Group) Add(name string, m *Monitor) {
	m.group = g
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monitors[name] = m
	g.status[name] = m.Status()
}

// Remove drops the monitor registered under name.
func (g *Group) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.monitors, name)
	delete(g.status, name)
}

// Get returns the monitor registered under name.
func (g *Group) Get(name string) (*Monitor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.monitors[name]
	return m, ok
}

// observe records a monitor's latest status.
func (g *Group) observe(mon *Monitor, st Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, m := range g.monitors {
		if m == mon {
			g.status[name] = st
		}
	}
}

// AnyActive reports whether any WAN other than except is ready. except
// may be nil.
func (g *Group) AnyActive(except *Monitor) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for name, st := range g.status {
		if st.Ready && g.monitors[name] != except {
			return true
		}
	}
	return false
}

// Names lists registered monitors in sorted order.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.monitors))
	for n := range g.monitors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Statuses returns the latest status of every monitor, keyed by name.
func (g *Group) Statuses() map[string]Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Status, len(g.status))
	for name, m := range g.monitors {
		out[name] = m.Status()
	}
	return out
}

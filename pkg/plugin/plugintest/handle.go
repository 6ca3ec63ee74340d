// Package plugintest provides a recording plugin.Handle for plugin tests.
package plugintest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/psaab/netcfgd/pkg/plugin"
)

// Handle records what a plugin asks of the engine.
type Handle struct {
	Self plugin.ID

	mu         sync.Mutex
	plugins    map[plugin.ID]plugin.Plugin
	subscribed []plugin.ID
	marked     int
	notified   int
	scheduled  int
}

// NewHandle returns a handle for self. Peers are the instances Lookup and
// SubscribeChangeFrom can see.
func NewHandle(self plugin.ID, peers map[plugin.ID]plugin.Plugin) *Handle {
	if peers == nil {
		peers = make(map[plugin.ID]plugin.Plugin)
	}
	return &Handle{Self: self, plugins: peers}
}

// Add makes p visible under id.
func (h *Handle) Add(id plugin.ID, p plugin.Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins[id] = p
}

func (h *Handle) ID() plugin.ID { return h.Self }

func (h *Handle) SubscribeChangeFrom(pub plugin.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pub == h.Self {
		return plugin.ErrSelfSubscribe
	}
	if _, ok := h.plugins[pub]; !ok {
		return fmt.Errorf("%s: %w", pub, plugin.ErrUnknownInstance)
	}
	if !slices.Contains(h.subscribed, pub) {
		h.subscribed = append(h.subscribed, pub)
	}
	return nil
}

func (h *Handle) Lookup(id plugin.ID) (plugin.Plugin, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[id]
	return p, ok
}

func (h *Handle) Instances(category string) []plugin.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []plugin.ID
	for id := range h.plugins {
		if id.Category == category {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b plugin.ID) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return ids
}

func (h *Handle) MarkChanged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marked++
}

func (h *Handle) NotifySubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified++
}

func (h *Handle) ScheduleReapply() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduled++
}

// Subscribed returns the publishers subscribed to, in call order.
func (h *Handle) Subscribed() []plugin.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.subscribed)
}

// Counts returns how often MarkChanged, NotifySubscribers and
// ScheduleReapply were called.
func (h *Handle) Counts() (marked, notified, scheduled int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.marked, h.notified, h.scheduled
}

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types produced by sensors and probes.
const (
	EventLinkUp        = "link.up"
	EventLinkDown      = "link.down"
	EventAddrChange    = "ip.change"
	EventDNSChange     = "dns.change"
	EventPrefixChange  = "prefix.change"
	EventWANProbe      = "wan.probe"
	EventWANState      = "wan.state"
	EventCaptivePortal = "wan.captive_portal"
	EventLeaseChange   = "dhcp.lease"
)

// Event is an asynchronous notification delivered to plugin instances.
type Event struct {
	Type string `json:"type"`
	// Target restricts delivery to one instance. The zero ID broadcasts.
	Target  ID             `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// String payload helper; missing or mistyped keys yield "".
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Dispatcher queues events and delivers them to instances from its own
// goroutine, so OnEvent never runs inside an Apply or Flush call.
type Dispatcher struct {
	reg   *Registry
	sched Scheduler
	queue chan Event

	mu        sync.Mutex
	observers []func(Event)

	dropped atomic.Uint64
}

// NewDispatcher returns a dispatcher with a queue of size events.
func NewDispatcher(reg *Registry, sched Scheduler, size int) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{reg: reg, sched: sched, queue: make(chan Event, size)}
}

// Observe registers fn to see every delivered event before instances do.
func (d *Dispatcher) Observe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Publish enqueues ev without blocking. A full queue drops the event.
func (d *Dispatcher) Publish(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "type", ev.Type, "target", ev.Target)
		return false
	}
}

// Dropped returns the number of events lost to a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// deliver picks targets under the registry lock, then calls OnEvent
// without it: handlers may take the lock again through their Handle.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.mu.Lock()
	observers := append([]func(Event){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}

	var targets []ID
	if ev.Target.Category != "" {
		targets = []ID{ev.Target}
	} else {
		targets = d.reg.IDs("")
	}
	for _, id := range targets {
		p, ok := d.reg.Plugin(id)
		if !ok {
			continue
		}
		d.call(ctx, id, p, ev)
	}
}

func (d *Dispatcher) call(ctx context.Context, id ID, p Plugin, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "instance", id, "type", ev.Type, "panic", r)
		}
	}()
	p.OnEvent(ctx, d.reg.Handle(id, d.sched), ev)
}

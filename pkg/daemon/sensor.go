package daemon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/netcfgd/pkg/plugin"
)

// linkTracker turns netlink link updates into link.up and link.down
// events. Only transitions are reported.
type linkTracker struct {
	mu sync.Mutex
	up map[string]bool
}

func newLinkTracker() *linkTracker {
	return &linkTracker{up: make(map[string]bool)}
}

// update records the state of a link and returns the event to publish,
// if any. The first sighting of a link only seeds the tracker.
func (t *linkTracker) update(name string, up bool) (plugin.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.up[name]
	t.up[name] = up
	if !seen || prev == up {
		return plugin.Event{}, false
	}
	typ := plugin.EventLinkDown
	if up {
		typ = plugin.EventLinkUp
	}
	return plugin.Event{Type: typ, Payload: map[string]any{"iface": name}}, true
}

func (t *linkTracker) remove(name string) {
	t.mu.Lock()
	delete(t.up, name)
	t.mu.Unlock()
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	return attrs.OperState == netlink.OperUp ||
		(attrs.OperState == netlink.OperUnknown && attrs.RawFlags&unix.IFF_LOWER_UP != 0)
}

// runLinkSensor publishes link and address changes until ctx is done.
// A failed subscription disables that half of the sensor.
func runLinkSensor(ctx context.Context, publish func(plugin.Event) bool) error {
	done := make(chan struct{})
	defer close(done)

	links := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribeWithOptions(links, done, netlink.LinkSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: func(err error) { slog.Warn("link subscription error", "err", err) },
	}); err != nil {
		slog.Warn("link sensor disabled", "err", err)
		links = nil
	}
	addrs := make(chan netlink.AddrUpdate, 64)
	if err := netlink.AddrSubscribeWithOptions(addrs, done, netlink.AddrSubscribeOptions{
		ErrorCallback: func(err error) { slog.Warn("address subscription error", "err", err) },
	}); err != nil {
		slog.Warn("address sensor disabled", "err", err)
		addrs = nil
	}

	names := make(map[int]string)
	tracker := newLinkTracker()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-links:
			if !ok {
				links = nil
				continue
			}
			attrs := u.Link.Attrs()
			if u.Header.Type == unix.RTM_DELLINK {
				tracker.remove(attrs.Name)
				delete(names, attrs.Index)
				continue
			}
			names[attrs.Index] = attrs.Name
			if ev, ok := tracker.update(attrs.Name, linkUp(attrs)); ok {
				slog.Info("link state changed", "iface", attrs.Name, "event", ev.Type)
				publish(ev)
			}
		case u, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			name := names[u.LinkIndex]
			if name == "" {
				continue
			}
			publish(plugin.Event{Type: plugin.EventAddrChange, Payload: map[string]any{
				"iface":   name,
				"address": u.LinkAddress.String(),
				"added":   u.NewAddr,
			}})
		}
	}
}

package plugin

import (
	"context"
	"testing"
	"time"
)

type panicPlugin struct{ nopPlugin }

func (p *panicPlugin) OnEvent(context.Context, Handle, Event) { panic("boom") }

func TestDispatcherDelivery(t *testing.T) {
	reg := NewRegistry()
	a, b, c := id("interface", "eth0"), id("interface", "eth1"), id("dns", "x")
	reg.Ensure(a, 0, newNop)
	reg.Ensure(b, 0, newNop)
	reg.Ensure(c, 0, func(ID) Plugin { return &panicPlugin{} })

	d := NewDispatcher(reg, nil, 4)
	observed := make(chan string, 4)
	d.Observe(func(ev Event) { observed <- ev.Type })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(Event{Type: EventLinkDown, Target: a})
	pa, _ := reg.Plugin(a)
	select {
	case ev := <-pa.(*nopPlugin).events:
		if ev.Type != EventLinkDown || ev.Time.IsZero() {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("targeted event not delivered")
	}

	d.Publish(Event{Type: EventDNSChange, Payload: map[string]any{"server": "1.1.1.1"}})
	pb, _ := reg.Plugin(b)
	select {
	case ev := <-pb.(*nopPlugin).events:
		if ev.String("server") != "1.1.1.1" {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast event not delivered")
	}
	select {
	case ev := <-pa.(*nopPlugin).events:
		if ev.Type != EventDNSChange {
			t.Errorf("eth0 got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast missed eth0")
	}
	if first, second := <-observed, <-observed; first != EventLinkDown || second != EventDNSChange {
		t.Errorf("observer saw %s, %s", first, second)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, 1)
	if !d.Publish(Event{Type: EventLinkUp}) {
		t.Fatal("first publish dropped")
	}
	if d.Publish(Event{Type: EventLinkUp}) {
		t.Error("publish into full queue succeeded")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped = %d", d.Dropped())
	}
}

var _ Plugin = (*nopPlugin)(nil)

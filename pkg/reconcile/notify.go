package reconcile

import (
	"context"

	"github.com/zoobzio/capitan"
)

// Channel names a change notification.
type Channel string

const (
	ChannelGeneral   Channel = "config.applied"
	ChannelInterface Channel = "interface_config.applied"
)

// Notifier receives at most one notification per channel per pass.
type Notifier interface {
	Notify(ctx context.Context, ch Channel)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ch Channel)

func (f NotifierFunc) Notify(ctx context.Context, ch Channel) { f(ctx, ch) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Channel) {}

// Signals emitted by SignalNotifier. They carry no fields.
var (
	ConfigApplied = capitan.NewSignal(
		"netcfgd.config.applied",
		"General configuration change applied",
	)
	InterfaceConfigApplied = capitan.NewSignal(
		"netcfgd.interface_config.applied",
		"Interface configuration change applied",
	)
)

// SignalNotifier publishes notifications as capitan signals.
type SignalNotifier struct{}

func (SignalNotifier) Notify(ctx context.Context, ch Channel) {
	switch ch {
	case ChannelGeneral:
		capitan.Emit(ctx, ConfigApplied)
	case ChannelInterface:
		capitan.Emit(ctx, InterfaceConfigApplied)
	}
}

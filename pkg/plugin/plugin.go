// Package plugin defines the resource plugin contract, the dependency graph
// between plugin instances and the registry that owns them.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/psaab/netcfgd/pkg/config"
)

// ID identifies a plugin instance. It is unique within the process.
type ID struct {
	Category string
	Name     string
}

func (id ID) String() string {
	return id.Category + "/" + id.Name
}

// MarshalText renders the "category/name" form; the zero ID is empty.
func (id ID) MarshalText() ([]byte, error) {
	if id == (ID{}) {
		return nil, nil
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	v, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseID parses the "category/name" form produced by ID.String.
func ParseID(s string) (ID, error) {
	cat, name, ok := strings.Cut(s, "/")
	if !ok || cat == "" || name == "" {
		return ID{}, fmt.Errorf("invalid instance id %q", s)
	}
	return ID{Category: cat, Name: name}, nil
}

// Plugin is a managed unit of declarative network configuration.
//
// Configure must not touch the OS. Apply and Flush must be idempotent; Flush
// must succeed when there is nothing to undo. Apply declares the instances it
// depends on through h.SubscribeChangeFrom before returning.
type Plugin interface {
	Configure(cfg config.Node) error
	Apply(ctx context.Context, h Handle) error
	Flush(ctx context.Context) error
	State(ctx context.Context) (any, error)
	OnEvent(ctx context.Context, h Handle, ev Event)
}

// Handle is an instance's view of the engine while it applies or handles
// an event.
type Handle interface {
	ID() ID
	// SubscribeChangeFrom makes this instance dirty whenever publisher is.
	SubscribeChangeFrom(publisher ID) error
	// Lookup returns another live instance's plugin.
	Lookup(id ID) (Plugin, bool)
	// Instances lists the live instances of a category, sorted by name.
	Instances(category string) []ID
	// MarkChanged marks this instance and its transitive subscribers dirty.
	MarkChanged()
	// NotifySubscribers marks only the transitive subscribers dirty.
	NotifySubscribers()
	// ScheduleReapply requests a debounced reconciliation pass.
	ScheduleReapply()
}

// Scheduler requests a debounced reconciliation pass.
type Scheduler interface {
	ScheduleReapply()
}

// Base gives plugins no-op State and OnEvent implementations.
type Base struct{}

func (Base) State(context.Context) (any, error) { return nil, nil }

func (Base) OnEvent(context.Context, Handle, Event) {}

// FatalError reports that an instance cannot succeed with its current
// configuration. It affects that instance only.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return "fatal: " + e.msg }

// Fatal returns a FatalError. Plugins return it from Apply or Flush.
func Fatal(format string, args ...any) error {
	return &FatalError{msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

var (
	ErrUnknownInstance = errors.New("unknown plugin instance")
	ErrSelfSubscribe   = errors.New("instance cannot subscribe to itself")
)

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SyslogSlogHandler is an slog.Handler that forwards records to a remote
// syslog server in addition to a wrapped base handler.
type SyslogSlogHandler struct {
	base   slog.Handler
	sink   *syslogSink
	attrs  []slog.Attr
	groups []string
}

// syslogSink is shared by a handler and every handler derived from it, so
// SetClient reaches loggers built with With before the call.
type syslogSink struct {
	mu     sync.RWMutex
	client *SyslogClient
}

// NewSyslogSlogHandler wraps base with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, sink: &syslogSink{}}
}

// SetClient replaces the syslog client, closing the old one. A nil client
// stops forwarding.
func (h *SyslogSlogHandler) SetClient(c *SyslogClient) {
	h.sink.mu.Lock()
	old := h.sink.client
	h.sink.client = c
	h.sink.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Close stops forwarding.
func (h *SyslogSlogHandler) Close() { h.SetClient(nil) }

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sink.mu.RLock()
	c := h.sink.client
	h.sink.mu.RUnlock()
	if c == nil {
		return err
	}
	sev := slogLevelToSyslog(r.Level)
	if c.ShouldSend(sev) {
		// Remote delivery is best effort.
		_ = c.Send(sev, formatRecord(r, h.attrs, h.groups))
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scoped := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		scoped = append(scoped, slog.Attr{Key: groupKey(h.groups, a.Key), Value: a.Value})
	}
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		sink:   h.sink,
		attrs:  append(append([]slog.Attr{}, h.attrs...), scoped...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		sink:   h.sink,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

func groupKey(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}

// formatRecord renders a record as "msg k=v k=v".
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%s", groupKey(groups, a.Key), a.Value.String())
		return true
	})
	return b.String()
}

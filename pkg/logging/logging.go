// Package logging sets up the process logger, forwards it to remote syslog
// and keeps a ring of recent passes and events for the API.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

// Configure installs the default logger: text on stderr at level, plus
// syslog forwarding when syslogAddr is set.
func Configure(level, syslogAddr string) (*SyslogSlogHandler, error) {
	return configure(os.Stderr, level, syslogAddr)
}

func configure(w io.Writer, level, syslogAddr string) (*SyslogSlogHandler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	h := NewSyslogSlogHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	if syslogAddr != "" {
		c, err := NewSyslogClient(syslogAddr, FacilityDaemon)
		if err != nil {
			return nil, err
		}
		h.SetClient(c)
	}
	slog.SetDefault(slog.New(h))
	return h, nil
}

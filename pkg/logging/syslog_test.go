package logging

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

// listen returns a UDP socket on loopback and a client dialed to it.
func listen(t *testing.T) (*net.UDPConn, *SyslogClient) {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	c, err := NewSyslogClient(pc.LocalAddr().String(), FacilityDaemon)
	if err != nil {
		t.Fatal(err)
	}
	return pc, c
}

func recv(t *testing.T, pc *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 2048)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no syslog message: %v", err)
	}
	return string(buf[:n])
}

func TestSyslogClientSend(t *testing.T) {
	pc, c := listen(t)
	defer c.Close()
	if err := c.Send(SyslogWarning, "wan0 not ready"); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, pc)
	// daemon(3)*8 + warning(4)
	if !strings.HasPrefix(msg, "<28>") {
		t.Errorf("priority: %q", msg)
	}
	if !strings.Contains(msg, " netcfgd[") || !strings.HasSuffix(msg, ": wan0 not ready") {
		t.Errorf("message: %q", msg)
	}
}

func TestSyslogDefaultPort(t *testing.T) {
	c, err := NewSyslogClient("127.0.0.1", FacilityLocal0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.conn.RemoteAddr().String(); got != "127.0.0.1:514" {
		t.Errorf("remote = %s", got)
	}
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		min, sev int
		want     bool
	}{
		{0, SyslogDebug, true},
		{SyslogWarning, SyslogError, true},
		{SyslogWarning, SyslogWarning, true},
		{SyslogWarning, SyslogInfo, false},
		{SyslogError, SyslogWarning, false},
	}
	for _, tt := range tests {
		c := &SyslogClient{MinSeverity: tt.min}
		if got := c.ShouldSend(tt.sev); got != tt.want {
			t.Errorf("min=%d sev=%d: got %v", tt.min, tt.sev, got)
		}
	}
}

func TestHandlerForwardsWithAttrs(t *testing.T) {
	pc, c := listen(t)
	var out strings.Builder
	h := NewSyslogSlogHandler(slog.NewTextHandler(&out, nil))
	log := slog.New(h).With("category", "wan").WithGroup("probe")

	// The client is installed after the derived logger was built.
	h.SetClient(c)
	defer h.Close()
	log.Warn("ping failed", "target", "1.1.1.1")

	msg := recv(t, pc)
	if !strings.Contains(msg, "ping failed category=wan probe.target=1.1.1.1") {
		t.Errorf("syslog = %q", msg)
	}
	if !strings.Contains(out.String(), "probe.target=1.1.1.1") {
		t.Errorf("base = %q", out.String())
	}
}

func TestHandlerWithoutClient(t *testing.T) {
	var out strings.Builder
	h := NewSyslogSlogHandler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	slog.New(h).Error("boom")
	if !strings.Contains(out.String(), "msg=boom") {
		t.Errorf("base = %q", out.String())
	}
}

func TestSlogLevelToSyslog(t *testing.T) {
	tests := map[slog.Level]int{
		slog.LevelDebug: SyslogDebug,
		slog.LevelInfo:  SyslogInfo,
		slog.LevelWarn:  SyslogWarning,
		slog.LevelError: SyslogError,
	}
	for l, want := range tests {
		if got := slogLevelToSyslog(l); got != want {
			t.Errorf("%v: %d, want %d", l, got, want)
		}
	}
}

func TestConfigure(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var out strings.Builder
	if _, err := configure(&out, "warn", ""); err != nil {
		t.Fatal(err)
	}
	slog.Info("hidden")
	slog.Warn("shown")
	if strings.Contains(out.String(), "hidden") || !strings.Contains(out.String(), "shown") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := configure(&out, "verbose", ""); err == nil {
		t.Error("invalid level accepted")
	}
}

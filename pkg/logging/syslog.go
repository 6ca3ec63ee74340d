package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

const syslogPort = 514

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn     net.Conn
	hostname string
	tag      string
	facility int

	// MinSeverity drops messages less severe than it. 0 sends everything.
	MinSeverity int
}

// NewSyslogClient dials addr ("host" or "host:port", UDP 514 by default).
func NewSyslogClient(addr string, facility int) (*SyslogClient, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(syslogPort))
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "netcfgd"
	}
	return &SyslogClient{conn: conn, hostname: hostname, tag: "netcfgd", facility: facility}, nil
}

// Send writes one message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	_, err := s.conn.Write([]byte(s.format(time.Now(), severity, msg)))
	return err
}

func (s *SyslogClient) format(now time.Time, severity int, msg string) string {
	return fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		s.facility*8+severity, now.Format(time.Stamp), s.hostname, s.tag, os.Getpid(), msg)
}

// ShouldSend reports whether severity passes the client's filter.
// Lower numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// Close closes the connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

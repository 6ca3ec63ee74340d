// Package wan decides whether a WAN link has usable connectivity. Each
// link gets a Monitor that probes carrier, ping and DNS on a schedule and
// feeds the outcome through a hysteretic ready/not-ready state machine.
package wan

import (
	"math"
	"time"
)

// Thresholds tune the state machine.
type Thresholds struct {
	// OnOff consecutive failures take a ready link down.
	OnOff int `yaml:"on_off" json:"on_off" validate:"omitempty,min=1"`
	// OffOn consecutive successes bring a link back up.
	OffOn int `yaml:"off_on" json:"off_on" validate:"omitempty,min=1"`
	// DHCPRestartInterval is the base failure count between lease renewals.
	DHCPRestartInterval int `yaml:"dhcp_restart_interval" json:"dhcp_restart_interval" validate:"omitempty,min=1"`
}

const (
	DefaultOnOffThreshold      = 3
	DefaultOffOnThreshold      = 5
	DefaultDHCPRestartInterval = 5
)

// WithDefaults fills zero fields with the default thresholds.
func (t Thresholds) WithDefaults() Thresholds {
	if t.OnOff <= 0 {
		t.OnOff = DefaultOnOffThreshold
	}
	if t.OffOn <= 0 {
		t.OffOn = DefaultOffOnThreshold
	}
	if t.DHCPRestartInterval <= 0 {
		t.DHCPRestartInterval = DefaultDHCPRestartInterval
	}
	return t
}

// ConnState is the per-link connectivity state.
type ConnState struct {
	Ready                bool      `json:"ready"`
	SuccessCount         int       `json:"success_count"`
	FailureCount         int       `json:"failure_count"`
	PendingTest          bool      `json:"pending_test"`
	PendingTestTimestamp time.Time `json:"pending_test_timestamp,omitzero"`
}

// ArmPendingTest marks the next probe result as the first after a change.
func (s *ConnState) ArmPendingTest(now time.Time) {
	s.PendingTest = true
	s.PendingTestTimestamp = now
}

// Update feeds one probe cycle into the state. force, when non-nil,
// overrides the thresholds in its direction. It reports whether Ready
// flipped and whether a pending test was consumed; either one means
// dependents must be told.
func (s *ConnState) Update(active bool, force *bool, th Thresholds) (changed, wasPending bool) {
	th = th.WithDefaults()
	if active {
		s.SuccessCount = saturatingInc(s.SuccessCount)
		s.FailureCount = 0
	} else {
		s.SuccessCount = 0
		s.FailureCount = saturatingInc(s.FailureCount)
	}

	forceUp := force != nil && *force
	forceDown := force != nil && !*force
	prev := s.Ready
	if s.Ready {
		if (s.FailureCount >= th.OnOff && !forceUp) || forceDown {
			s.Ready = false
		}
	} else {
		if (s.SuccessCount >= th.OffOn && !forceDown) || forceUp {
			s.Ready = true
		}
	}

	wasPending = s.PendingTest
	s.PendingTest = false
	s.PendingTestTimestamp = time.Time{}
	return s.Ready != prev, wasPending
}

func saturatingInc(n int) int {
	if n >= math.MaxInt32 {
		return n
	}
	return n + 1
}

// renewBackoff spaces DHCP renewals over a failure streak: the first at
// interval failures, then after 2x, 4x, 8x... more.
type renewBackoff struct {
	next int
	mult int
}

func (b *renewBackoff) reset() {
	b.next = 0
	b.mult = 0
}

// due reports whether failures has reached the next renewal point and, if
// so, advances it.
func (b *renewBackoff) due(failures, interval int) bool {
	if b.mult == 0 {
		b.mult = 1
		b.next = interval
	}
	if failures < b.next {
		return false
	}
	b.mult *= 2
	b.next = failures + interval*b.mult
	return true
}

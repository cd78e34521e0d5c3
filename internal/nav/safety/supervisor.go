// Package safety implements the supervisor that gates every actuator
// command leaving the navigation core. The supervisor samples the
// firmware watchdog heartbeat and the E-stop line at a fixed high rate;
// a trip latches until an operator explicitly clears it. The design is
// fail-closed: any doubt about the link or the line produces a zero
// command.
package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
)

// Reason identifies why the supervisor tripped.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonWatchdog Reason = "watchdog_fault"
	ReasonEstop    Reason = "estop"
)

// ErrEstopEngaged is returned by Clear while the E-stop line is still
// physically engaged.
var ErrEstopEngaged = errors.New("estop line engaged")

// Event is one persisted trip or clear.
type Event struct {
	Reason      string `json:"reason"`
	Detail      string `json:"detail,omitempty"`
	TSUnixNanos int64  `json:"ts_unix_nanos"`
}

// EventSink receives safety events for persistence. Implementations must
// not block the supervisor; failures are logged, not propagated.
type EventSink interface {
	RecordSafetyEvent(ev Event) error
}

// Config holds the supervisor's tuning parameters.
type Config struct {
	// HeartbeatInterval is the expected period of the firmware watchdog
	// heartbeat.
	HeartbeatInterval time.Duration
	// MissThreshold is the number of consecutive missed heartbeats that
	// trips the watchdog.
	MissThreshold int
}

// ConfigFromTuning builds a supervisor Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		MissThreshold:     cfg.GetWatchdogMissThreshold(),
	}
}

// Snapshot is a read-only view of the supervisor for status reporting.
type Snapshot struct {
	Tripped      bool   `json:"tripped"`
	Reason       Reason `json:"reason,omitempty"`
	EstopLine    bool   `json:"estop_line"`
	Trips        int64  `json:"trips"`
	GatedZero    int64  `json:"gated_zero"`
	LastClearTS  int64  `json:"last_clear_ts,omitempty"`
	HeartbeatAge string `json:"heartbeat_age,omitempty"`
}

// Supervisor monitors the watchdog heartbeat and E-stop line and gates
// actuator commands.
type Supervisor struct {
	mu sync.Mutex

	cfg  Config
	sink EventSink

	lastHeartbeat time.Time
	estopLine     bool

	tripped bool
	reason  Reason

	trips       int64
	gatedZero   int64
	lastClearTS int64
}

// NewSupervisor creates an untripped supervisor. The now argument starts
// the heartbeat grace window; without it a supervisor created before the
// actuator link came up would trip immediately. sink may be nil.
func NewSupervisor(cfg Config, sink EventSink, now time.Time) *Supervisor {
	return &Supervisor{cfg: cfg, sink: sink, lastHeartbeat: now}
}

// Heartbeat records a fresh watchdog heartbeat from the firmware link.
func (s *Supervisor) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

// SetEstop updates the E-stop line state. Engaging trips the supervisor
// immediately; releasing the line never clears the latch on its own.
func (s *Supervisor) SetEstop(engaged bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estopLine = engaged
	if engaged && !s.tripped {
		s.trip(ReasonEstop, "estop line engaged", now)
	}
}

// Sample runs one safety cycle: it checks heartbeat freshness against the
// miss threshold and trips the watchdog when exceeded. Called at the
// safety rate, far above the heartbeat rate, so a trip lands within one
// cycle of the threshold being crossed.
func (s *Supervisor) Sample(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tripped {
		return
	}
	age := now.Sub(s.lastHeartbeat)
	if missed := int(age / s.cfg.HeartbeatInterval); missed >= s.cfg.MissThreshold {
		s.trip(ReasonWatchdog, "heartbeat stale", now)
	}
}

// Gate passes cmd through when the supervisor is healthy, or replaces it
// with a zero command when tripped. The boolean reports whether the
// original command survived.
func (s *Supervisor) Gate(cmd nav.ActuatorCommand, now time.Time) (nav.ActuatorCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tripped {
		return cmd, true
	}
	s.gatedZero++
	return nav.ZeroCommand(cmd.Mode, now), false
}

// Tripped reports whether the supervisor latch is set.
func (s *Supervisor) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

// TripReason returns the latched trip reason, or ReasonNone.
func (s *Supervisor) TripReason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Clear releases the latch after external attention. It refuses while the
// E-stop line is still engaged. Clearing restarts the heartbeat grace
// window so the link has one full threshold to resume.
func (s *Supervisor) Clear(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.estopLine {
		return ErrEstopEngaged
	}
	if !s.tripped {
		return nil
	}
	prev := s.reason
	s.tripped = false
	s.reason = ReasonNone
	s.lastHeartbeat = now
	s.lastClearTS = now.UnixNano()
	opsf("latch cleared (was %s)", prev)
	s.record(Event{Reason: "clear", Detail: string(prev), TSUnixNanos: now.UnixNano()})
	return nil
}

// Snapshot returns a read-only view for status reporting.
func (s *Supervisor) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Tripped:      s.tripped,
		Reason:       s.reason,
		EstopLine:    s.estopLine,
		Trips:        s.trips,
		GatedZero:    s.gatedZero,
		LastClearTS:  s.lastClearTS,
		HeartbeatAge: now.Sub(s.lastHeartbeat).String(),
	}
}

// trip latches the supervisor. Callers hold the lock.
func (s *Supervisor) trip(reason Reason, detail string, now time.Time) {
	s.tripped = true
	s.reason = reason
	s.trips++
	opsf("tripped: %s (%s)", reason, detail)
	s.record(Event{Reason: string(reason), Detail: detail, TSUnixNanos: now.UnixNano()})
}

func (s *Supervisor) record(ev Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.RecordSafetyEvent(ev); err != nil {
		opsf("failed to record safety event: %v", err)
	}
}

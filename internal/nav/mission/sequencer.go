// Package mission advances the waypoint mission state machine. The
// sequencer consumes marker detections from the perception subsystem,
// confirms arrival at the expected waypoint, and hands the next short-
// horizon goal to the planner. The waypoint cursor only moves forward;
// the single exception is an explicit mission reset.
package mission

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
)

// State is a mission state machine value.
type State string

const (
	StateIdle       State = "idle"
	StateEnRoute    State = "en_route"
	StateAtWaypoint State = "at_waypoint"
	StateComplete   State = "mission_complete"
	StateFault      State = "mission_fault"
)

var (
	// ErrNoMission is returned by Start when no waypoints are loaded.
	ErrNoMission = errors.New("no mission loaded")
	// ErrNotIdle is returned when loading or starting outside IDLE.
	ErrNotIdle = errors.New("mission not idle")
)

// Event is one persisted mission state transition.
type Event struct {
	RunID       string `json:"run_id"`
	State       string `json:"state"`
	WaypointIdx int    `json:"waypoint_idx"`
	Detail      string `json:"detail,omitempty"`
	TSUnixNanos int64  `json:"ts_unix_nanos"`
}

// EventSink receives mission transitions for persistence. Implementations
// must not block the sequencer; failures are logged, not propagated.
type EventSink interface {
	RecordMissionEvent(ev Event) error
}

// Config holds the sequencer's tuning parameters.
type Config struct {
	DwellTime          time.Duration // hold at a waypoint before advancing
	ConfirmationWindow time.Duration // max marker detection age
	MinConfidence      float64
}

// ConfigFromTuning builds a sequencer Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		DwellTime:          cfg.GetDwellTime(),
		ConfirmationWindow: cfg.GetMarkerConfirmationWindow(),
		MinConfidence:      cfg.GetMarkerMinConfidence(),
	}
}

// Snapshot is a read-only view of the sequencer for status reporting.
type Snapshot struct {
	RunID          string `json:"run_id,omitempty"`
	State          State  `json:"state"`
	Cursor         int    `json:"cursor"`
	Waypoints      int    `json:"waypoints"`
	MarkersIgnored int64  `json:"markers_ignored"`
	FaultReason    string `json:"fault_reason,omitempty"`
}

// Sequencer is the mission state machine.
type Sequencer struct {
	mu sync.Mutex

	cfg  Config
	sink EventSink

	waypoints []nav.Waypoint
	cursor    int
	state     State
	runID     string

	dwellUntil     time.Time
	markersIgnored int64
	faultReason    string
}

// NewSequencer creates an idle sequencer. sink may be nil.
func NewSequencer(cfg Config, sink EventSink) *Sequencer {
	return &Sequencer{cfg: cfg, sink: sink, state: StateIdle}
}

// LoadMission replaces the waypoint list. Only permitted while idle.
func (s *Sequencer) LoadMission(waypoints []nav.Waypoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}
	s.waypoints = append([]nav.Waypoint(nil), waypoints...)
	s.cursor = 0
	return nil
}

// Start begins the mission: IDLE -> EN_ROUTE toward the first waypoint.
func (s *Sequencer) Start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}
	if len(s.waypoints) == 0 {
		return ErrNoMission
	}
	s.runID = uuid.NewString()
	s.transition(StateEnRoute, now, "mission start")
	return nil
}

// ObserveMarker feeds a marker detection into the sequencer. A detection
// matching the expected waypoint ID, fresh within the confirmation window
// and above the confidence floor, confirms arrival. Anything else is logged
// and ignored, never treated as a fault.
func (s *Sequencer) ObserveMarker(det nav.MarkerDetection, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEnRoute {
		return
	}
	expected := s.waypoints[s.cursor].ID
	age := now.Sub(time.Unix(0, det.TSUnixNanos))

	switch {
	case det.ID != expected:
		s.markersIgnored++
		diagf("ignoring marker %q, expecting %q at waypoint %d", det.ID, expected, s.cursor)
		return
	case det.Confidence < s.cfg.MinConfidence:
		s.markersIgnored++
		diagf("ignoring low-confidence marker %q (%.2f)", det.ID, det.Confidence)
		return
	case age > s.cfg.ConfirmationWindow:
		s.markersIgnored++
		diagf("ignoring stale marker %q (age %v)", det.ID, age)
		return
	}

	s.dwellUntil = now.Add(s.cfg.DwellTime)
	s.transition(StateAtWaypoint, now, "marker "+det.ID+" confirmed")
}

// Tick advances time-driven transitions: dwell completion at a waypoint
// moves the cursor forward, or completes the mission at the final waypoint.
func (s *Sequencer) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAtWaypoint || now.Before(s.dwellUntil) {
		return
	}
	if s.cursor >= len(s.waypoints)-1 {
		s.transition(StateComplete, now, "final waypoint reached")
		return
	}
	s.cursor++
	s.transition(StateEnRoute, now, "cursor advanced")
}

// Fault forces the mission into MISSION_FAULT. Driven by the safety
// supervisor; recovery requires an explicit Reset after external attention.
func (s *Sequencer) Fault(reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFault {
		return
	}
	s.faultReason = reason
	s.transition(StateFault, now, reason)
}

// Reset cancels the current goal and returns to IDLE with the cursor
// rewound. This is the only path that moves the cursor backwards.
func (s *Sequencer) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.faultReason = ""
	s.dwellUntil = time.Time{}
	s.transition(StateIdle, now, "mission reset")
}

// CurrentGoal returns the active waypoint while the mission is running.
// ok is false in IDLE, COMPLETE, and FAULT states.
func (s *Sequencer) CurrentGoal() (nav.Waypoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEnRoute && s.state != StateAtWaypoint {
		return nav.Waypoint{}, false
	}
	return s.waypoints[s.cursor], true
}

// State returns the current mission state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the current waypoint index.
func (s *Sequencer) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Waypoints returns a copy of the loaded route.
func (s *Sequencer) Waypoints() []nav.Waypoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nav.Waypoint, len(s.waypoints))
	copy(out, s.waypoints)
	return out
}

// Snapshot returns a read-only view for status reporting.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RunID:          s.runID,
		State:          s.state,
		Cursor:         s.cursor,
		Waypoints:      len(s.waypoints),
		MarkersIgnored: s.markersIgnored,
		FaultReason:    s.faultReason,
	}
}

// transition records a state change and forwards it to the sink. Callers
// hold the lock.
func (s *Sequencer) transition(to State, now time.Time, detail string) {
	from := s.state
	s.state = to
	diagf("%s -> %s (waypoint %d): %s", from, to, s.cursor, detail)
	if s.sink == nil {
		return
	}
	ev := Event{
		RunID:       s.runID,
		State:       string(to),
		WaypointIdx: s.cursor,
		Detail:      detail,
		TSUnixNanos: now.UnixNano(),
	}
	if err := s.sink.RecordMissionEvent(ev); err != nil {
		opsf("failed to record mission event: %v", err)
	}
}

package drive

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
)

// ErrTransitionRejected is returned by RequestMode when the vehicle is
// moving faster than the near-stationary threshold. The caller slows down
// and retries.
var ErrTransitionRejected = errors.New("mode transition rejected: vehicle not near-stationary")

// ErrTransitionTimeout is returned once an in-flight transition has exceeded
// its deadline without steering confirmation. The arbiter latches a fault;
// only an explicit reset clears it.
var ErrTransitionTimeout = errors.New("mode transition timed out awaiting wheel alignment")

// Config holds the arbiter's tuning parameters.
type Config struct {
	SpeedThresholdMps float64       // near-stationary bound for RequestMode
	Timeout           time.Duration // transition deadline
	SteerTolRad       float64       // per-wheel alignment tolerance
	HalfLengthM       float64
	HalfWidthM        float64
	MaxWheelSpeed     float64
}

// ConfigFromTuning builds an arbiter Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		SpeedThresholdMps: cfg.GetModeSwitchSpeedThreshold(),
		Timeout:           cfg.GetTransitionTimeout(),
		SteerTolRad:       cfg.GetSteerAlignToleranceRad(),
		HalfLengthM:       cfg.GetChassisHalfLengthM(),
		HalfWidthM:        cfg.GetChassisHalfWidthM(),
		MaxWheelSpeed:     cfg.GetMaxWheelSpeedMps(),
	}
}

type transition struct {
	target   Mode
	deadline time.Time
}

// Arbiter selects the active kinematics model and executes mode transitions
// atomically: while a transition is in flight every command it emits is
// zero-velocity (steering alignment only), and the mode does not change
// until all wheels confirm alignment.
//
// Wheel steering feedback arrives via UpdateSteerFeedback. A deployment
// without a steering telemetry line can echo the commanded angles back,
// which degrades the check to open-loop settling.
type Arbiter struct {
	mu sync.Mutex

	cfg  Config
	mode Mode

	trans   *transition
	faulted error

	steer [nav.NWheels]float64 // latest steering feedback
}

// NewArbiter creates an arbiter starting in the given mode.
func NewArbiter(cfg Config, initial Mode) *Arbiter {
	if !initial.Valid() {
		initial = ModeDifferential
	}
	return &Arbiter{cfg: cfg, mode: initial}
}

// CurrentMode returns the active drive mode. During a transition this is
// still the outgoing mode: the new mode becomes current only on completion.
func (a *Arbiter) CurrentMode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// InTransition reports whether a mode switch is in flight.
func (a *Arbiter) InTransition() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trans != nil
}

// Fault returns the latched transition fault, or nil.
func (a *Arbiter) Fault() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.faulted
}

// RequestMode asks for a switch to the given mode. It fails with
// ErrTransitionRejected when the vehicle is above the near-stationary
// threshold. Requesting the current mode is a no-op; an in-flight
// transition to the same target is idempotent.
func (a *Arbiter) RequestMode(mode Mode, pose nav.PoseEstimate, now time.Time) error {
	if !mode.Valid() {
		return errors.New("unknown drive mode: " + string(mode))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.faulted != nil {
		return a.faulted
	}
	if a.trans != nil {
		if a.trans.target == mode {
			return nil
		}
		// In-flight transitions are not cancellable: they complete or
		// time out. A different target must wait.
		return ErrTransitionRejected
	}
	if a.mode == mode {
		return nil
	}
	if pose.Speed() > a.cfg.SpeedThresholdMps || math.Abs(pose.Omega) > a.cfg.SpeedThresholdMps {
		return ErrTransitionRejected
	}

	a.trans = &transition{target: mode, deadline: now.Add(a.cfg.Timeout)}
	diagf("transition %s -> %s started, deadline %v", a.mode, mode, a.cfg.Timeout)
	return nil
}

// UpdateSteerFeedback records the latest wheel steering angles and completes
// an in-flight transition once every wheel is aligned to the synchronised
// zero heading.
func (a *Arbiter) UpdateSteerFeedback(angles [nav.NWheels]float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.steer = angles
	if a.trans == nil {
		return
	}
	for _, angle := range angles {
		if math.Abs(angle) > a.cfg.SteerTolRad {
			return
		}
	}
	diagf("transition -> %s complete, wheels aligned", a.trans.target)
	a.mode = a.trans.target
	a.trans = nil
}

// Command translates the planner's body-frame twist into per-wheel actuator
// targets using the active mode's kinematics.
//
// While a transition is in flight the returned command is always
// zero-velocity with wheels steering to the synchronised heading; once the
// transition deadline passes the arbiter latches ErrTransitionTimeout and
// emits only zero commands until Reset.
func (a *Arbiter) Command(cmd nav.Twist, now time.Time) (nav.ActuatorCommand, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.faulted != nil {
		return nav.ZeroCommand(string(a.mode), now), a.faulted
	}

	if a.trans != nil {
		if now.After(a.trans.deadline) {
			a.faulted = ErrTransitionTimeout
			opsf("transition to %s timed out", a.trans.target)
			a.trans = nil
			return nav.ZeroCommand(string(a.mode), now), a.faulted
		}
		// Alignment command: zero speed, wheels to the synchronised zero
		// heading. No velocity is forwarded mid-transition.
		out := nav.ZeroCommand(string(a.mode), now)
		return out, nil
	}

	k := Kinematics{
		Mode:          a.mode,
		HalfLengthM:   a.cfg.HalfLengthM,
		HalfWidthM:    a.cfg.HalfWidthM,
		MaxWheelSpeed: a.cfg.MaxWheelSpeed,
	}
	return nav.ActuatorCommand{
		Mode:        string(a.mode),
		Wheels:      k.WheelTargets(cmd),
		TSUnixNanos: now.UnixNano(),
	}, nil
}

// Reset clears a latched transition fault and abandons any in-flight
// transition state. Called from mission reset, which implies the vehicle is
// stopped and externally attended.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trans = nil
	a.faulted = nil
}

// Package drive owns the drive mode, the kinematics models for each mode,
// and the arbiter that switches between them. The two models are a tagged
// variant on Mode rather than an interface hierarchy: the arbiter dispatches
// on the explicit tag, and exactly one mode is active at any instant.
package drive

import (
	"math"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
)

// Mode identifies the active drivetrain kinematics.
type Mode string

const (
	// ModeDifferential drives left/right wheel pairs at fixed heading.
	ModeDifferential Mode = "differential"
	// ModeSwerve steers and drives each wheel independently.
	ModeSwerve Mode = "swerve"
)

// Valid reports whether m names a known drive mode.
func (m Mode) Valid() bool {
	return m == ModeDifferential || m == ModeSwerve
}

// Kinematics is the tagged-variant model translating a body-frame twist into
// per-wheel targets. HalfLength and HalfWidth are the wheel offsets from the
// chassis centre; wheels are ordered FR, FL, RL, RR.
type Kinematics struct {
	Mode          Mode
	HalfLengthM   float64
	HalfWidthM    float64
	MaxWheelSpeed float64
}

// KinematicsFromTuning builds a Kinematics model for the given mode.
func KinematicsFromTuning(cfg *config.TuningConfig, mode Mode) Kinematics {
	return Kinematics{
		Mode:          mode,
		HalfLengthM:   cfg.GetChassisHalfLengthM(),
		HalfWidthM:    cfg.GetChassisHalfWidthM(),
		MaxWheelSpeed: cfg.GetMaxWheelSpeedMps(),
	}
}

// wheelPositions returns the (x, y) chassis offsets in wheel order
// FR, FL, RL, RR.
func (k Kinematics) wheelPositions() [nav.NWheels][2]float64 {
	l, w := k.HalfLengthM, k.HalfWidthM
	return [nav.NWheels][2]float64{
		{l, -w},  // FR
		{l, w},   // FL
		{-l, w},  // RL
		{-l, -w}, // RR
	}
}

// WheelTargets computes per-wheel speed and steering targets for the twist,
// dispatching on the mode tag. Wheel speeds are scaled down uniformly when
// any target exceeds MaxWheelSpeed so the commanded motion direction is
// preserved.
func (k Kinematics) WheelTargets(cmd nav.Twist) [nav.NWheels]nav.WheelCommand {
	var wheels [nav.NWheels]nav.WheelCommand
	switch k.Mode {
	case ModeSwerve:
		wheels = k.swerveTargets(cmd)
	default:
		wheels = k.differentialTargets(cmd)
	}
	return k.capWheelSpeeds(wheels)
}

// differentialTargets implements two-track kinematics. Lateral velocity is
// not achievable at fixed wheel heading and is dropped.
func (k Kinematics) differentialTargets(cmd nav.Twist) [nav.NWheels]nav.WheelCommand {
	left := cmd.VX - cmd.Omega*k.HalfWidthM
	right := cmd.VX + cmd.Omega*k.HalfWidthM
	return [nav.NWheels]nav.WheelCommand{
		nav.WheelFR: {SpeedMps: right},
		nav.WheelFL: {SpeedMps: left},
		nav.WheelRL: {SpeedMps: left},
		nav.WheelRR: {SpeedMps: right},
	}
}

// swerveTargets implements full swerve inverse kinematics. Each wheel's
// velocity vector is the body velocity plus the rotational component at its
// chassis offset. Steering is normalised to the module's ±π/2 range; when
// the raw angle falls outside it the wheel steers to the opposite heading
// and drives in reverse (sign multiplier −1).
func (k Kinematics) swerveTargets(cmd nav.Twist) [nav.NWheels]nav.WheelCommand {
	var wheels [nav.NWheels]nav.WheelCommand
	for i, pos := range k.wheelPositions() {
		xi, yi := pos[0], pos[1]
		vxi := cmd.VX - cmd.Omega*yi
		vyi := cmd.VY + cmd.Omega*xi

		thetaRaw := math.Atan2(vyi, vxi)
		theta := thetaRaw
		sign := 1.0
		switch {
		case thetaRaw > math.Pi/2:
			theta = thetaRaw - math.Pi
			sign = -1
		case thetaRaw < -math.Pi/2:
			theta = thetaRaw + math.Pi
			sign = -1
		}

		wheels[i] = nav.WheelCommand{
			SpeedMps: sign * math.Hypot(vxi, vyi),
			AngleRad: theta,
		}
	}
	return wheels
}

func (k Kinematics) capWheelSpeeds(wheels [nav.NWheels]nav.WheelCommand) [nav.NWheels]nav.WheelCommand {
	if k.MaxWheelSpeed <= 0 {
		return wheels
	}
	peak := 0.0
	for _, w := range wheels {
		if s := math.Abs(w.SpeedMps); s > peak {
			peak = s
		}
	}
	if peak <= k.MaxWheelSpeed {
		return wheels
	}
	scale := k.MaxWheelSpeed / peak
	for i := range wheels {
		wheels[i].SpeedMps *= scale
	}
	return wheels
}

// Package nav defines the shared data types exchanged between the
// navigation core's components: pose estimates, body-frame velocity
// commands, wheel actuator targets, and mission/safety signals.
//
// Ownership follows a single-writer discipline: each type documents the
// component that produces it; all other components consume read-only
// snapshots.
package nav

import "time"

// Twist is a body-frame velocity command: forward, lateral, and angular
// velocity. VY is only achievable in swerve mode; differential kinematics
// ignore it.
type Twist struct {
	VX    float64 `json:"vx"`    // m/s, forward
	VY    float64 `json:"vy"`    // m/s, left
	Omega float64 `json:"omega"` // rad/s, counter-clockwise
}

// IsZero reports whether the twist commands no motion.
func (tw Twist) IsZero() bool {
	return tw.VX == 0 && tw.VY == 0 && tw.Omega == 0
}

// PoseEstimate is the fused vehicle state produced each fusion cycle by the
// state estimator. Downstream components receive it by value; the covariance
// is the full 5x5 matrix over [x, y, heading, v, omega], row-major.
type PoseEstimate struct {
	X       float64 `json:"x"`       // m, world frame
	Y       float64 `json:"y"`       // m, world frame
	Heading float64 `json:"heading"` // rad, world frame, (-π, π]
	V       float64 `json:"v"`       // m/s, body forward speed
	Omega   float64 `json:"omega"`   // rad/s

	Cov [25]float64 `json:"-"` // 5x5 row-major covariance

	// StaleSensors lists inputs that have not updated within the stale
	// timeout at the time of this estimate. Non-empty means degraded
	// confidence, not failure.
	StaleSensors []string `json:"stale_sensors,omitempty"`

	TSUnixNanos int64 `json:"ts_unix_nanos"`
}

// Speed returns the planar speed magnitude of the estimate.
func (p PoseEstimate) Speed() float64 {
	if p.V < 0 {
		return -p.V
	}
	return p.V
}

// WheelCommand is a single wheel actuator target.
type WheelCommand struct {
	SpeedMps float64 `json:"speed_mps"`
	AngleRad float64 `json:"angle_rad"` // steering angle, 0 in differential mode
}

// Wheel indices, matching the chassis corner layout of the drivetrain.
const (
	WheelFR = 0
	WheelFL = 1
	WheelRL = 2
	WheelRR = 3
	NWheels = 4
)

// WheelLabels maps wheel index to its chassis corner label.
var WheelLabels = [NWheels]string{"FR", "FL", "RL", "RR"}

// ActuatorCommand is the final per-wheel output handed to the motor-driver
// firmware. Produced by the drive arbiter; the safety supervisor may replace
// it with a zero command at any point before it reaches hardware.
type ActuatorCommand struct {
	Mode        string                `json:"mode"`
	Wheels      [NWheels]WheelCommand `json:"wheels"`
	TSUnixNanos int64                 `json:"ts_unix_nanos"`
}

// IsZero reports whether every wheel target commands zero speed.
func (c ActuatorCommand) IsZero() bool {
	for _, w := range c.Wheels {
		if w.SpeedMps != 0 {
			return false
		}
	}
	return true
}

// ZeroCommand returns a stop-in-place actuator command for the given mode.
func ZeroCommand(mode string, ts time.Time) ActuatorCommand {
	return ActuatorCommand{Mode: mode, TSUnixNanos: ts.UnixNano()}
}

// Waypoint is one stop in a mission: a world-frame position and the visual
// marker ID expected at it.
type Waypoint struct {
	ID         string  `json:"id"` // expected marker ID (QR/AR payload)
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	HeadingRad float64 `json:"heading_rad,omitempty"` // optional arrival heading
}

// MarkerDetection is a visual marker observation supplied by the perception
// subsystem.
type MarkerDetection struct {
	ID          string  `json:"id"`
	Confidence  float64 `json:"confidence"` // [0, 1]
	RangeM      float64 `json:"range_m"`
	BearingRad  float64 `json:"bearing_rad"`
	TSUnixNanos int64   `json:"ts_unix_nanos"`
}

// RangeReturn is a single planar range measurement from the scanning sensor,
// in the body frame.
type RangeReturn struct {
	BearingRad float64 // rad, 0 = forward, CCW positive
	RangeM     float64 // m
}

// RangeScan is one sweep of range returns ingested by the costmap builder.
type RangeScan struct {
	Returns     []RangeReturn
	TSUnixNanos int64
}

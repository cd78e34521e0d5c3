// Package planner computes short-horizon velocity commands using a
// dynamic-window trajectory search. Each planning cycle evaluates a finite
// grid of (v, omega) candidates reachable within the acceleration limits,
// forward-simulates each over a fixed horizon against the costmap, and
// selects the candidate maximising a weighted objective of goal progress,
// obstacle clearance, and smoothness.
//
// Lane boundaries are already part of the costmap as virtual obstacles, so
// a single collision check covers both lane-keeping and obstacle avoidance.
package planner

import (
	"errors"
	"math"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
	"github.com/sunride-robotics/navcore/internal/units"
)

// ErrNoFeasibleTrajectory is returned when every candidate trajectory is
// rejected. The caller must command zero velocity rather than extrapolate.
var ErrNoFeasibleTrajectory = errors.New("no feasible trajectory")

// Config holds the planner's tuning parameters.
type Config struct {
	HorizonSecs float64 // forward-simulation horizon
	DtSecs      float64 // simulation step
	WindowSecs  float64 // acceleration window, one planning period

	MaxSpeedMps   float64
	MaxOmegaRadps float64
	MaxAccelMps2  float64
	MaxOmegaAccel float64 // rad/s²

	VelocitySamples int
	OmegaSamples    int

	WeightProgress   float64
	WeightClearance  float64
	WeightSmoothness float64

	GoalToleranceM float64
	ClearanceCapM  float64 // clearance beyond this scores no higher
}

// ConfigFromTuning builds a planner Config from a loaded TuningConfig.
// windowSecs should be the planning period (1 / planner rate).
func ConfigFromTuning(cfg *config.TuningConfig, windowSecs float64) Config {
	return Config{
		HorizonSecs:      cfg.GetPlannerHorizonSecs(),
		DtSecs:           cfg.GetPlannerDtSecs(),
		WindowSecs:       windowSecs,
		MaxSpeedMps:      cfg.GetMaxSpeedMps(),
		MaxOmegaRadps:    cfg.GetMaxOmegaRadps(),
		MaxAccelMps2:     cfg.GetMaxAccelMps2(),
		MaxOmegaAccel:    cfg.GetMaxOmegaAccel(),
		VelocitySamples:  cfg.GetVelocitySamples(),
		OmegaSamples:     cfg.GetOmegaSamples(),
		WeightProgress:   cfg.GetWeightProgress(),
		WeightClearance:  cfg.GetWeightClearance(),
		WeightSmoothness: cfg.GetWeightSmoothness(),
		GoalToleranceM:   cfg.GetGoalToleranceM(),
		ClearanceCapM:    2.0,
	}
}

// Goal is the short-horizon target handed down by the mission sequencer.
type Goal struct {
	X, Y float64
}

// TrajectoryPoint is one simulated pose along a candidate trajectory.
type TrajectoryPoint struct {
	X, Y, Heading float64
}

// Result carries the selected command and search diagnostics.
type Result struct {
	Cmd        nav.Twist
	Score      float64
	Evaluated  int
	Rejected   int
	AtGoal     bool
	Trajectory []TrajectoryPoint // winning trajectory, for telemetry/plots
}

// Planner is the dynamic-window search. It is stateless between cycles
// except for the previous command, used by the smoothness term.
type Planner struct {
	cfg  Config
	prev nav.Twist
}

// New creates a planner with the given configuration.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Reset clears the previous-command memory. Called on mission reset so the
// first cycle of a new goal is scored from standstill.
func (p *Planner) Reset() {
	p.prev = nav.Twist{}
}

// Plan evaluates the candidate set for one cycle. grid may be nil before the
// first costmap rebuild, in which case the search runs collision-free.
// On ErrNoFeasibleTrajectory the returned command is exactly zero.
func (p *Planner) Plan(pose nav.PoseEstimate, grid *costmap.Grid, goal Goal) (Result, error) {
	if math.Hypot(goal.X-pose.X, goal.Y-pose.Y) <= p.cfg.GoalToleranceM {
		p.prev = nav.Twist{}
		return Result{AtGoal: true}, nil
	}

	window := p.dynamicWindow(pose)

	best := Result{Score: math.Inf(-1)}
	feasible := false
	evaluated, rejected := 0, 0

	for _, v := range window.velocities {
		for _, omega := range window.omegas {
			evaluated++
			traj, minClearance, collided := p.simulate(pose, v, omega, grid)
			// An empty rollout (horizon shorter than one step) carries no
			// evidence the candidate is safe.
			if collided || len(traj) == 0 {
				rejected++
				continue
			}
			score := p.score(pose, traj, v, omega, minClearance, goal)
			if score > best.Score {
				feasible = true
				best = Result{
					Cmd:        nav.Twist{VX: v, Omega: omega},
					Score:      score,
					Trajectory: traj,
				}
			}
		}
	}

	best.Evaluated = evaluated
	best.Rejected = rejected

	if !feasible {
		diagf("all %d candidates rejected, stopping in place", evaluated)
		return Result{Evaluated: evaluated, Rejected: rejected}, ErrNoFeasibleTrajectory
	}

	tracef("selected v=%.2f omega=%.2f score=%.3f (%d/%d rejected)",
		best.Cmd.VX, best.Cmd.Omega, best.Score, rejected, evaluated)
	p.prev = best.Cmd
	return best, nil
}

type window struct {
	velocities []float64
	omegas     []float64
}

// dynamicWindow bounds the candidate set to commands reachable from the
// current velocity within one planning period.
func (p *Planner) dynamicWindow(pose nav.PoseEstimate) window {
	vLo := math.Max(0, pose.V-p.cfg.MaxAccelMps2*p.cfg.WindowSecs)
	vHi := math.Min(p.cfg.MaxSpeedMps, pose.V+p.cfg.MaxAccelMps2*p.cfg.WindowSecs)
	oLo := math.Max(-p.cfg.MaxOmegaRadps, pose.Omega-p.cfg.MaxOmegaAccel*p.cfg.WindowSecs)
	oHi := math.Min(p.cfg.MaxOmegaRadps, pose.Omega+p.cfg.MaxOmegaAccel*p.cfg.WindowSecs)

	return window{
		velocities: linspace(vLo, vHi, p.cfg.VelocitySamples),
		omegas:     linspace(oLo, oHi, p.cfg.OmegaSamples),
	}
}

func linspace(lo, hi float64, n int) []float64 {
	if n < 2 || hi <= lo {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// simulate forward-integrates the unicycle model for (v, omega) over the
// horizon, checking each step against the costmap. Returns the trajectory,
// the minimum clearance along it, and whether it collided.
func (p *Planner) simulate(pose nav.PoseEstimate, v, omega float64, grid *costmap.Grid) ([]TrajectoryPoint, float64, bool) {
	steps := int(p.cfg.HorizonSecs / p.cfg.DtSecs)
	traj := make([]TrajectoryPoint, 0, steps)

	x, y, theta := pose.X, pose.Y, pose.Heading
	minClearance := p.cfg.ClearanceCapM

	for i := 0; i < steps; i++ {
		sin, cos := math.Sincos(theta)
		x += v * cos * p.cfg.DtSecs
		y += v * sin * p.cfg.DtSecs
		theta = units.WrapAngle(theta + omega*p.cfg.DtSecs)
		traj = append(traj, TrajectoryPoint{X: x, Y: y, Heading: theta})

		if grid == nil {
			continue
		}
		if grid.Occupied(x, y) {
			return nil, 0, true
		}
		if c := grid.Clearance(x, y, p.cfg.ClearanceCapM); c < minClearance {
			minClearance = c
		}
	}
	return traj, minClearance, false
}

// score combines normalised progress, clearance, and smoothness terms.
func (p *Planner) score(pose nav.PoseEstimate, traj []TrajectoryPoint, v, omega, minClearance float64, goal Goal) float64 {
	distStart := math.Hypot(goal.X-pose.X, goal.Y-pose.Y)
	end := traj[len(traj)-1]
	distEnd := math.Hypot(goal.X-end.X, goal.Y-end.Y)

	maxAdvance := p.cfg.MaxSpeedMps * p.cfg.HorizonSecs
	progress := (distStart - distEnd) / maxAdvance

	clearance := minClearance / p.cfg.ClearanceCapM

	dv := math.Abs(v-p.prev.VX) / p.cfg.MaxSpeedMps
	dw := math.Abs(omega-p.prev.Omega) / (2 * p.cfg.MaxOmegaRadps)
	smoothness := 1 - math.Min(1, dv+dw)

	return p.cfg.WeightProgress*progress +
		p.cfg.WeightClearance*clearance +
		p.cfg.WeightSmoothness*smoothness
}

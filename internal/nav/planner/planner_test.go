package planner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
)

func testConfig() Config {
	return Config{
		HorizonSecs:      2.0,
		DtSecs:           0.1,
		WindowSecs:       0.1,
		MaxSpeedMps:      2.0,
		MaxOmegaRadps:    1.5,
		MaxAccelMps2:     1.0,
		MaxOmegaAccel:    2.0,
		VelocitySamples:  7,
		OmegaSamples:     11,
		WeightProgress:   1.0,
		WeightClearance:  0.6,
		WeightSmoothness: 0.3,
		GoalToleranceM:   0.5,
		ClearanceCapM:    2.0,
	}
}

func testGrid(t *testing.T, returns ...nav.RangeReturn) *costmap.Grid {
	t.Helper()
	b := costmap.NewBuilder(costmap.Params{
		Resolution:        0.1,
		SizeCells:         200,
		InflationM:        0.3,
		LaneCost:          1.0,
		OccupiedThreshold: 0.9,
		MaxRangeM:         12.0,
		MinReturnRangeM:   0.15,
	})
	return b.Rebuild(nav.PoseEstimate{}, nav.RangeScan{Returns: returns})
}

func TestPlanDrivesTowardGoal(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	res, err := p.Plan(nav.PoseEstimate{}, testGrid(t), Goal{X: 5, Y: 0})
	require.NoError(t, err)

	assert.Greater(t, res.Cmd.VX, 0.0, "must move toward a goal straight ahead")
	assert.InDelta(t, 0.0, res.Cmd.Omega, 0.3)
	assert.NotEmpty(t, res.Trajectory)
}

func TestPlanPrefersTurningTowardOffAxisGoal(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	res, err := p.Plan(nav.PoseEstimate{}, testGrid(t), Goal{X: 0.5, Y: 4})
	require.NoError(t, err)
	assert.Greater(t, res.Cmd.Omega, 0.0, "goal to the left needs positive omega")
}

func TestPlanAvoidsObstacleAhead(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	// Wall of returns 1.5 m straight ahead.
	var returns []nav.RangeReturn
	for b := -0.4; b <= 0.4; b += 0.02 {
		returns = append(returns, nav.RangeReturn{BearingRad: b, RangeM: 1.5 / math.Cos(b)})
	}
	grid := testGrid(t, returns...)

	res, err := p.Plan(nav.PoseEstimate{}, grid, Goal{X: 5, Y: 0})
	require.NoError(t, err)

	// The winning trajectory must not pass through the wall.
	for _, pt := range res.Trajectory {
		assert.False(t, grid.Occupied(pt.X, pt.Y),
			"trajectory point (%.2f, %.2f) intersects an occupied cell", pt.X, pt.Y)
	}
	assert.Greater(t, res.Rejected, 0, "straight-line candidates should be rejected")
}

func TestPlanNoFeasibleTrajectoryStopsInPlace(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	// Thick ring of obstacles tight around the vehicle; moving at speed,
	// every candidate collides (the window at v=1.5 excludes v=0).
	var returns []nav.RangeReturn
	for b := -math.Pi; b < math.Pi; b += 0.02 {
		for _, r := range []float64{0.25, 0.35, 0.45} {
			returns = append(returns, nav.RangeReturn{BearingRad: b, RangeM: r})
		}
	}
	grid := testGrid(t, returns...)

	res, err := p.Plan(nav.PoseEstimate{V: 1.5}, grid, Goal{X: 5, Y: 0})
	require.ErrorIs(t, err, ErrNoFeasibleTrajectory)

	// Commanded velocity must be exactly zero, not an extrapolation.
	assert.Equal(t, nav.Twist{}, res.Cmd)
	assert.Equal(t, res.Evaluated, res.Rejected)
}

func TestPlanHorizonShorterThanStepStopsInPlace(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HorizonSecs = 0.05
	cfg.DtSecs = 0.1
	p := New(cfg)

	// Every rollout is empty; the cycle must fail closed, not crash.
	res, err := p.Plan(nav.PoseEstimate{}, nil, Goal{X: 5})
	require.ErrorIs(t, err, ErrNoFeasibleTrajectory)
	assert.Equal(t, nav.Twist{}, res.Cmd)
	assert.Equal(t, res.Evaluated, res.Rejected)
}

func TestPlanAtGoalCommandsZero(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	res, err := p.Plan(nav.PoseEstimate{X: 4.8, Y: 0}, testGrid(t), Goal{X: 5, Y: 0})
	require.NoError(t, err)
	assert.True(t, res.AtGoal)
	assert.True(t, res.Cmd.IsZero())
}

func TestDynamicWindowRespectsAccelerationLimits(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	// From standstill the fastest reachable speed in one 0.1 s window is
	// 0.1 m/s.
	res, err := p.Plan(nav.PoseEstimate{}, testGrid(t), Goal{X: 5, Y: 0})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Cmd.VX, 0.1+1e-9)
}

func TestPlanWithNilGridRunsCollisionFree(t *testing.T) {
	t.Parallel()
	p := New(testConfig())

	res, err := p.Plan(nav.PoseEstimate{}, nil, Goal{X: 5, Y: 0})
	require.NoError(t, err)
	assert.Greater(t, res.Cmd.VX, 0.0)
}

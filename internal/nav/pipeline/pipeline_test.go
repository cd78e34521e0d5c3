package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
	"github.com/sunride-robotics/navcore/internal/nav/drive"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/planner"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
)

func fptr(v float64) *float64 { return &v }

// fastTuning returns a config with every loop cranked up so tests finish
// in a few hundred milliseconds of wall time.
func fastTuning() *config.TuningConfig {
	return &config.TuningConfig{
		FusionRateHz:  fptr(500),
		PlannerRateHz: fptr(200),
		CostmapRateHz: fptr(200),
		MissionRateHz: fptr(100),
		SafetyRateHz:  fptr(1000),
	}
}

type captureActuator struct {
	mu   sync.Mutex
	cmds []nav.ActuatorCommand
}

func (c *captureActuator) WriteCommand(cmd nav.ActuatorCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	return nil
}

func (c *captureActuator) all() []nav.ActuatorCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]nav.ActuatorCommand(nil), c.cmds...)
}

func newTestPipeline(t *testing.T, act ActuatorSink) (*Pipeline, *mission.Sequencer, *safety.Supervisor) {
	t.Helper()
	tuning := fastTuning()
	seq := mission.NewSequencer(mission.ConfigFromTuning(tuning), nil)
	sup := safety.NewSupervisor(safety.ConfigFromTuning(tuning), nil, time.Now())
	p, err := New(Config{
		Tuning:    tuning,
		Estimator: estimator.New(estimator.ConfigFromTuning(tuning)),
		Costmap:   costmap.NewBuilder(costmap.ParamsFromTuning(tuning)),
		Planner:   planner.New(planner.ConfigFromTuning(tuning, 1.0/tuning.GetPlannerRateHz())),
		Arbiter:   drive.NewArbiter(drive.ConfigFromTuning(tuning), drive.ModeDifferential),
		Mission:   seq,
		Safety:    sup,
		Actuator:  act,
	})
	require.NoError(t, err)
	return p, seq, sup
}

func TestNewRequiresComponents(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Tuning: fastTuning()})
	assert.Error(t, err)
}

func TestPipelineEmitsCommandsWhileMissionActive(t *testing.T) {
	act := &captureActuator{}
	p, seq, sup := newTestPipeline(t, act)

	require.NoError(t, seq.LoadMission([]nav.Waypoint{{ID: "dock-a", X: 5, Y: 0}}))
	require.NoError(t, seq.Start(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// Keep the watchdog fed from a side goroutine, the way the serial
	// link reader does in production.
	go func() {
		for ctx.Err() == nil {
			p.IngestHeartbeat(time.Now())
			sup.Sample(time.Now())
			time.Sleep(2 * time.Millisecond)
		}
	}()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cmds := act.all()
	require.NotEmpty(t, cmds, "planner loop should have written commands")
	for _, cmd := range cmds {
		assert.Equal(t, string(drive.ModeDifferential), cmd.Mode)
	}

	// With an open goal directly ahead and no obstacles, at least one
	// command should be non-zero.
	var moved bool
	for _, cmd := range cmds {
		if !cmd.IsZero() {
			moved = true
			break
		}
	}
	assert.True(t, moved, "expected motion toward the goal")
}

func TestPipelineSafetyTripForcesZero(t *testing.T) {
	act := &captureActuator{}
	p, seq, sup := newTestPipeline(t, act)

	require.NoError(t, seq.LoadMission([]nav.Waypoint{{ID: "dock-a", X: 5, Y: 0}}))
	require.NoError(t, seq.Start(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// No heartbeats at all: the watchdog trips almost immediately.
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.True(t, sup.Tripped())
	assert.Equal(t, safety.ReasonWatchdog, sup.TripReason())
	assert.Equal(t, mission.StateFault, seq.State())

	// Every command that reached the actuator after the trip is zero;
	// the trailing portion of the capture must be all-zero.
	cmds := act.all()
	require.NotEmpty(t, cmds)
	assert.True(t, cmds[len(cmds)-1].IsZero())
}

func TestPipelineIdleEmitsZero(t *testing.T) {
	act := &captureActuator{}
	p, _, sup := newTestPipeline(t, act)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			sup.Heartbeat(time.Now())
			time.Sleep(2 * time.Millisecond)
		}
	}()

	_ = p.Run(ctx)

	// No mission: every emitted command is a stop.
	for _, cmd := range act.all() {
		assert.True(t, cmd.IsZero())
	}
}

func TestPipelineResetMission(t *testing.T) {
	act := &captureActuator{}
	p, seq, _ := newTestPipeline(t, act)

	require.NoError(t, seq.LoadMission([]nav.Waypoint{{ID: "dock-a", X: 5, Y: 0}}))
	require.NoError(t, seq.Start(time.Now()))
	require.Equal(t, mission.StateEnRoute, seq.State())

	p.ResetMission(time.Now())
	assert.Equal(t, mission.StateIdle, seq.State())
	_, active := seq.CurrentGoal()
	assert.False(t, active)
}

func TestPipelineResetEstimatorSnapsToOrigin(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPipeline(t, nil)

	// Simulate a converged filter before the vehicle is repositioned.
	now := time.Now()
	p.IngestScanPose(estimator.ScanPoseSample{X: 3, Y: 4, TS: now})
	p.cfg.Estimator.Fuse(now.Add(time.Millisecond))

	p.ResetEstimator(now)
	pose := p.Pose()
	assert.Zero(t, pose.X)
	assert.Zero(t, pose.Y)
	assert.Zero(t, pose.V)

	// The filter itself restarts from the origin, not just the snapshot.
	fused := p.cfg.Estimator.Fuse(now.Add(2 * time.Millisecond))
	assert.Zero(t, fused.X)
	assert.Zero(t, fused.Y)
}

func TestPipelineStatus(t *testing.T) {
	t.Parallel()

	p, seq, _ := newTestPipeline(t, nil)
	require.NoError(t, seq.LoadMission([]nav.Waypoint{{ID: "dock-a", X: 5, Y: 0}}))

	st := p.Status(time.Now())
	assert.Equal(t, string(drive.ModeDifferential), st.Mode)
	assert.Equal(t, mission.StateIdle, st.Mission.State)
	assert.False(t, st.Safety.Tripped)
}

func TestIsNilInterface(t *testing.T) {
	t.Parallel()

	assert.True(t, isNilInterface(nil))

	var act *captureActuator
	var sink ActuatorSink = act
	assert.True(t, isNilInterface(sink), "typed nil pointer inside interface")

	assert.False(t, isNilInterface(&captureActuator{}))
	assert.False(t, isNilInterface(42))
}

// Package pipeline wires the navigation components into their runtime
// loops. Each component runs on its own goroutine at its own cadence;
// the fused pose and the latest costmap are shared as atomic snapshots
// so no loop ever blocks another. The safety loop in particular never
// waits on the planner: a trip produces a zero command on the spot.
package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/costmap"
	"github.com/sunride-robotics/navcore/internal/nav/drive"
	"github.com/sunride-robotics/navcore/internal/nav/estimator"
	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/planner"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
)

// ActuatorSink receives the final gated wheel commands, typically the
// serial link to the motor-driver firmware.
type ActuatorSink interface {
	WriteCommand(cmd nav.ActuatorCommand) error
}

// PoseSink receives decimated pose estimates for persistence.
type PoseSink interface {
	RecordPose(pose nav.PoseEstimate) error
}

// TelemetryPublisher receives periodic status snapshots for live
// subscribers, typically the websocket hub.
type TelemetryPublisher interface {
	PublishStatus(st Status)
}

// isNilInterface checks if an interface value is nil or holds a nil
// pointer, the usual interface nil pitfall with optional sinks.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Config holds the components and optional sinks for a pipeline.
type Config struct {
	Tuning *config.TuningConfig

	Estimator *estimator.Estimator
	Costmap   *costmap.Builder
	Planner   *planner.Planner
	Arbiter   *drive.Arbiter
	Mission   *mission.Sequencer
	Safety    *safety.Supervisor

	Actuator  ActuatorSink       // optional
	PoseStore PoseSink           // optional
	Telemetry TelemetryPublisher // optional

	// PoseRecordDecimation keeps 1 in N fused poses for the pose store.
	// Zero uses the default of 10.
	PoseRecordDecimation int
}

// Status is one live telemetry snapshot of the whole pipeline.
type Status struct {
	Pose      nav.PoseEstimate    `json:"pose"`
	Mode      string              `json:"mode"`
	InTrans   bool                `json:"in_transition"`
	Mission   mission.Snapshot    `json:"mission"`
	Safety    safety.Snapshot     `json:"safety"`
	Estimator estimator.Stats     `json:"estimator"`
	Planner   PlannerStats        `json:"planner"`
	LastCmd   nav.ActuatorCommand `json:"last_cmd"`
}

// PlannerStats are the pipeline's counters for the planning loop.
type PlannerStats struct {
	Cycles     int64 `json:"cycles"`
	Overruns   int64 `json:"overruns"`
	Infeasible int64 `json:"infeasible"`
}

// Pipeline runs the navigation loops.
type Pipeline struct {
	cfg Config

	fusionPeriod  time.Duration
	costmapPeriod time.Duration
	plannerPeriod time.Duration
	missionPeriod time.Duration
	safetyPeriod  time.Duration

	pose    atomic.Pointer[nav.PoseEstimate]
	grid    atomic.Pointer[costmap.Grid]
	scan    atomic.Pointer[nav.RangeScan]
	lastCmd atomic.Pointer[nav.ActuatorCommand]

	planCycles     atomic.Int64
	planOverruns   atomic.Int64
	planInfeasible atomic.Int64
	writeFailures  atomic.Int64

	wg sync.WaitGroup
}

// New validates the config and builds a pipeline. All six components are
// required; the sinks are optional.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Tuning == nil {
		return nil, errors.New("pipeline: tuning config required")
	}
	if cfg.Estimator == nil || cfg.Costmap == nil || cfg.Planner == nil ||
		cfg.Arbiter == nil || cfg.Mission == nil || cfg.Safety == nil {
		return nil, errors.New("pipeline: all navigation components required")
	}
	if cfg.PoseRecordDecimation <= 0 {
		cfg.PoseRecordDecimation = 10
	}
	p := &Pipeline{
		cfg:           cfg,
		fusionPeriod:  hzToPeriod(cfg.Tuning.GetFusionRateHz()),
		costmapPeriod: hzToPeriod(cfg.Tuning.GetCostmapRateHz()),
		plannerPeriod: hzToPeriod(cfg.Tuning.GetPlannerRateHz()),
		missionPeriod: hzToPeriod(cfg.Tuning.GetMissionRateHz()),
		safetyPeriod:  hzToPeriod(cfg.Tuning.GetSafetyRateHz()),
	}
	start := time.Now()
	initial := cfg.Estimator.Snapshot(start)
	p.pose.Store(&initial)
	return p, nil
}

func hzToPeriod(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// Run starts every loop and blocks until ctx is cancelled and all loops
// have drained. The final act is a zero command to the actuator sink.
func (p *Pipeline) Run(ctx context.Context) error {
	diagf("starting loops: fusion %v, costmap %v, planner %v, mission %v, safety %v",
		p.fusionPeriod, p.costmapPeriod, p.plannerPeriod, p.missionPeriod, p.safetyPeriod)

	p.spawn(ctx, p.fusionPeriod, p.fusionCycle)
	p.spawn(ctx, p.costmapPeriod, p.costmapCycle)
	p.spawn(ctx, p.plannerPeriod, p.plannerCycle)
	p.spawn(ctx, p.missionPeriod, p.missionCycle)
	p.spawn(ctx, p.safetyPeriod, p.safetyCycle)
	p.spawn(ctx, 200*time.Millisecond, p.telemetryCycle)

	<-ctx.Done()
	p.wg.Wait()

	if !isNilInterface(p.cfg.Actuator) {
		p.writeCommand(nav.ZeroCommand(string(p.cfg.Arbiter.CurrentMode()), time.Now()))
	}
	diagf("loops stopped")
	return ctx.Err()
}

func (p *Pipeline) spawn(ctx context.Context, period time.Duration, cycle func(now time.Time)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cycle(now)
			}
		}
	}()
}

// IngestScan hands the latest range scan to the costmap loop.
func (p *Pipeline) IngestScan(scan nav.RangeScan) {
	p.scan.Store(&scan)
}

// IngestScanPose forwards a scan-matcher pose fix to the estimator.
func (p *Pipeline) IngestScanPose(s estimator.ScanPoseSample) {
	p.cfg.Estimator.IngestScanPose(s)
}

// IngestGyro forwards an IMU yaw-rate sample to the estimator.
func (p *Pipeline) IngestGyro(s estimator.GyroSample) {
	p.cfg.Estimator.IngestGyro(s)
}

// IngestEncoder forwards a wheel-encoder sample to the estimator.
func (p *Pipeline) IngestEncoder(s estimator.EncoderSample) {
	p.cfg.Estimator.IngestEncoder(s)
}

// IngestMarker forwards a marker detection to the mission sequencer.
func (p *Pipeline) IngestMarker(det nav.MarkerDetection, now time.Time) {
	p.cfg.Mission.ObserveMarker(det, now)
}

// IngestHeartbeat forwards a firmware watchdog heartbeat to the safety
// supervisor.
func (p *Pipeline) IngestHeartbeat(now time.Time) {
	p.cfg.Safety.Heartbeat(now)
}

// IngestSteerFeedback forwards measured steering angles to the arbiter.
func (p *Pipeline) IngestSteerFeedback(angles [nav.NWheels]float64, now time.Time) {
	p.cfg.Arbiter.UpdateSteerFeedback(angles, now)
}

// SetEstop forwards the E-stop line state to the safety supervisor.
func (p *Pipeline) SetEstop(engaged bool, now time.Time) {
	p.cfg.Safety.SetEstop(engaged, now)
}

// Pose returns the latest fused pose snapshot.
func (p *Pipeline) Pose() nav.PoseEstimate {
	return *p.pose.Load()
}

// ResetMission cancels the current goal and clears downstream state: the
// planner's smoothness reference and any arbiter fault or pending mode
// transition. The estimator is untouched; the vehicle's physical pose does
// not change because the mission did.
func (p *Pipeline) ResetMission(now time.Time) {
	p.cfg.Mission.Reset(now)
	p.cfg.Planner.Reset()
	p.cfg.Arbiter.Reset()
	diagf("mission reset propagated")
}

// ResetEstimator reinitialises the fused state after the vehicle has been
// physically repositioned. The published pose snaps to the origin with
// full uncertainty and reconverges as fresh samples arrive.
func (p *Pipeline) ResetEstimator(now time.Time) {
	p.cfg.Estimator.Reset()
	p.pose.Store(&nav.PoseEstimate{TSUnixNanos: now.UnixNano()})
	opsf("estimator reset, pose reconverging from origin")
}

// Status assembles a live snapshot of every component.
func (p *Pipeline) Status(now time.Time) Status {
	st := Status{
		Pose:      *p.pose.Load(),
		Mode:      string(p.cfg.Arbiter.CurrentMode()),
		InTrans:   p.cfg.Arbiter.InTransition(),
		Mission:   p.cfg.Mission.Snapshot(),
		Safety:    p.cfg.Safety.Snapshot(now),
		Estimator: p.cfg.Estimator.Stats(),
		Planner: PlannerStats{
			Cycles:     p.planCycles.Load(),
			Overruns:   p.planOverruns.Load(),
			Infeasible: p.planInfeasible.Load(),
		},
	}
	if cmd := p.lastCmd.Load(); cmd != nil {
		st.LastCmd = *cmd
	}
	return st
}

func (p *Pipeline) fusionCycle(now time.Time) {
	pose := p.cfg.Estimator.Fuse(now)
	p.pose.Store(&pose)

	if !isNilInterface(p.cfg.PoseStore) {
		n := p.cfg.Estimator.Stats().FusionCycles
		if n%int64(p.cfg.PoseRecordDecimation) == 0 {
			if err := p.cfg.PoseStore.RecordPose(pose); err != nil {
				opsf("pose store write failed: %v", err)
			}
		}
	}
}

func (p *Pipeline) costmapCycle(now time.Time) {
	scan := p.scan.Load()
	if scan == nil {
		return
	}
	grid := p.cfg.Costmap.Rebuild(*p.pose.Load(), *scan)
	p.grid.Store(grid)
}

func (p *Pipeline) plannerCycle(now time.Time) {
	start := time.Now()
	pose := *p.pose.Load()

	goal, active := p.cfg.Mission.CurrentGoal()
	var twist nav.Twist
	if active {
		res, err := p.cfg.Planner.Plan(pose, p.grid.Load(), planner.Goal{X: goal.X, Y: goal.Y})
		if err != nil {
			// No feasible trajectory: hold a zero command and keep
			// replanning; the world may clear.
			p.planInfeasible.Add(1)
			diagf("no feasible trajectory toward %q, holding", goal.ID)
		}
		twist = res.Cmd
	}

	cmd, err := p.cfg.Arbiter.Command(twist, now)
	if err != nil {
		opsf("drive arbiter fault: %v", err)
	}

	if elapsed := time.Since(start); elapsed > p.plannerPeriod {
		// Overrun: the command is stale by a full cycle. Fail closed.
		p.planOverruns.Add(1)
		opsf("planner cycle overran (%v > %v), emitting zero", elapsed, p.plannerPeriod)
		cmd = nav.ZeroCommand(cmd.Mode, now)
	}

	gated, _ := p.cfg.Safety.Gate(cmd, now)
	p.lastCmd.Store(&gated)
	p.planCycles.Add(1)

	if !isNilInterface(p.cfg.Actuator) {
		p.writeCommand(gated)
	}
}

func (p *Pipeline) missionCycle(now time.Time) {
	p.cfg.Mission.Tick(now)
}

func (p *Pipeline) safetyCycle(now time.Time) {
	wasTripped := p.cfg.Safety.Tripped()
	p.cfg.Safety.Sample(now)
	if p.cfg.Safety.Tripped() && !wasTripped {
		// Trip edge: stop the vehicle now rather than waiting out the
		// planner period, and take the mission down with it.
		zero := nav.ZeroCommand(string(p.cfg.Arbiter.CurrentMode()), now)
		p.lastCmd.Store(&zero)
		if !isNilInterface(p.cfg.Actuator) {
			p.writeCommand(zero)
		}
		p.cfg.Mission.Fault(string(p.cfg.Safety.TripReason()), now)
	}
}

func (p *Pipeline) telemetryCycle(now time.Time) {
	if isNilInterface(p.cfg.Telemetry) {
		return
	}
	p.cfg.Telemetry.PublishStatus(p.Status(now))
}

func (p *Pipeline) writeCommand(cmd nav.ActuatorCommand) {
	if err := p.cfg.Actuator.WriteCommand(cmd); err != nil {
		p.writeFailures.Add(1)
		opsf("actuator write failed: %v", err)
	}
}

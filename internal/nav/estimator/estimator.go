// Package estimator fuses scan-matcher, gyro, and wheel-encoder samples into
// a single pose-and-velocity estimate on a fixed fusion cycle.
//
// The filter is an extended Kalman filter over the state vector
// [x, y, heading, v, omega]. Samples arrive at independent rates and are
// buffered until the next fusion cycle; samples older than the last fused
// epoch are dropped. A sensor that stops updating degrades the estimate
// (covariance keeps growing through prediction-only cycles) but never halts
// fusion of the remaining inputs.
package estimator

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/units"
)

// Sensor names used in stale reporting and drop accounting.
const (
	SensorScanPose = "scan_pose"
	SensorGyro     = "gyro"
	SensorEncoder  = "encoder"
)

const stateDim = 5

// maxPendingSamples bounds the per-sensor ingest buffer. When a producer
// outruns the fusion cycle the oldest samples are discarded.
const maxPendingSamples = 256

// clockSkewWarnCycles is how many consecutive fusion cycles may fuse
// nothing while stale-stamped samples keep arriving before the condition
// is flagged. At the 50 Hz default that is one second.
const clockSkewWarnCycles = 50

// ScanPoseSample is an absolute pose fix from the LiDAR scan matcher.
type ScanPoseSample struct {
	X, Y, Heading float64
	TS            time.Time
}

// GyroSample is a yaw-rate measurement from the IMU.
type GyroSample struct {
	OmegaZ float64
	TS     time.Time
}

// EncoderSample carries per-wheel ground speeds derived from the wheel
// encoders. Forward speed is taken as the mean of all wheels.
type EncoderSample struct {
	WheelSpeeds [nav.NWheels]float64
	TS          time.Time
}

func (s EncoderSample) forwardSpeed() float64 {
	var sum float64
	for _, w := range s.WheelSpeeds {
		sum += w
	}
	return sum / nav.NWheels
}

// Config holds the estimator's tuning parameters.
type Config struct {
	StaleTimeout time.Duration

	ProcessNoisePos     float64 // σ² per second, x and y
	ProcessNoiseHeading float64 // σ² per second
	ProcessNoiseVel     float64 // σ² per second
	ProcessNoiseOmega   float64 // σ² per second

	MeasNoiseScanPose float64 // σ², position and heading
	MeasNoiseGyro     float64 // σ²
	MeasNoiseEncoder  float64 // σ²

	MaxPredictDt      float64 // seconds, clamp per predict step
	MaxCovarianceDiag float64
}

// ConfigFromTuning builds an estimator Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		StaleTimeout:        cfg.GetSensorStaleTimeout(),
		ProcessNoisePos:     cfg.GetProcessNoisePos(),
		ProcessNoiseHeading: cfg.GetProcessNoiseHeading(),
		ProcessNoiseVel:     cfg.GetProcessNoiseVel(),
		ProcessNoiseOmega:   cfg.GetProcessNoiseOmega(),
		MeasNoiseScanPose:   cfg.GetMeasNoiseScanPose(),
		MeasNoiseGyro:       cfg.GetMeasNoiseGyro(),
		MeasNoiseEncoder:    cfg.GetMeasNoiseEncoder(),
		MaxPredictDt:        cfg.GetMaxPredictDt(),
		MaxCovarianceDiag:   cfg.GetMaxCovarianceDiag(),
	}
}

// Stats holds ingest/fusion counters for diagnostics.
type Stats struct {
	SamplesFused       int64 `json:"samples_fused"`
	SamplesDroppedOld  int64 `json:"samples_dropped_old"`
	SamplesDroppedFull int64 `json:"samples_dropped_full"`
	UpdatesRejected    int64 `json:"updates_rejected"`
	FusionCycles       int64 `json:"fusion_cycles"`
}

// pendingSample is a type-erased buffered measurement, ordered by timestamp.
type pendingSample struct {
	sensor string
	ts     time.Time
	apply  func(e *Estimator)
}

// Estimator is the fused state filter. A single goroutine calls Fuse on the
// fusion cycle; Ingest* methods may be called concurrently from sensor
// readers.
type Estimator struct {
	mu sync.Mutex

	cfg Config

	x *mat.VecDense // [x, y, heading, v, omega]
	P *mat.Dense    // 5x5 covariance

	pending []pendingSample

	lastFusedEpoch time.Time
	lastSeen       map[string]time.Time

	stats          Stats
	droppedOldMark int64
	skewCycles     int
}

// New creates an estimator with the given configuration. The initial state
// is the origin with a large position/heading uncertainty so the first
// scan-matcher fix dominates.
func New(cfg Config) *Estimator {
	P := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		P.Set(i, i, 10)
	}
	return &Estimator{
		cfg:      cfg,
		x:        mat.NewVecDense(stateDim, nil),
		P:        P,
		lastSeen: make(map[string]time.Time),
	}
}

// IngestScanPose buffers an absolute pose fix for the next fusion cycle.
func (e *Estimator) IngestScanPose(s ScanPoseSample) {
	e.ingest(SensorScanPose, s.TS, func(e *Estimator) { e.updateScanPose(s) })
}

// IngestGyro buffers a yaw-rate sample for the next fusion cycle.
func (e *Estimator) IngestGyro(s GyroSample) {
	e.ingest(SensorGyro, s.TS, func(e *Estimator) { e.updateGyro(s) })
}

// IngestEncoder buffers a wheel-speed sample for the next fusion cycle.
func (e *Estimator) IngestEncoder(s EncoderSample) {
	e.ingest(SensorEncoder, s.TS, func(e *Estimator) { e.updateEncoder(s) })
}

func (e *Estimator) ingest(sensor string, ts time.Time, apply func(*Estimator)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Out-of-order drop policy: anything at or before the last fused epoch
	// is stale history and cannot be folded in retroactively. The epoch
	// advances on the host clock, so sample timestamps must come from a
	// clock synchronised with the host; a lagging gateway clock makes
	// every sample look stale (see the skew check in Fuse).
	if !e.lastFusedEpoch.IsZero() && !ts.After(e.lastFusedEpoch) {
		e.stats.SamplesDroppedOld++
		tracef("dropped old %s sample ts=%v epoch=%v", sensor, ts, e.lastFusedEpoch)
		return
	}
	if len(e.pending) >= maxPendingSamples {
		// Discard the oldest to keep ingestion non-blocking.
		e.pending = e.pending[1:]
		e.stats.SamplesDroppedFull++
	}
	e.pending = append(e.pending, pendingSample{sensor: sensor, ts: ts, apply: apply})
	e.lastSeen[sensor] = ts
}

// Fuse runs one fusion cycle at wall time now: all buffered samples are
// applied in timestamp order (predict to sample time, then update), the
// state is predicted forward to now, and the fused estimate is returned.
// With no buffered samples the cycle is prediction-only and the covariance
// grows.
func (e *Estimator) Fuse(now time.Time) nav.PoseEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Cycles that fuse nothing while samples keep arriving pre-epoch
	// point at a gateway clock lagging the host.
	if len(e.pending) == 0 && e.stats.SamplesDroppedOld > e.droppedOldMark {
		e.skewCycles++
		if e.skewCycles == clockSkewWarnCycles {
			diagf("no samples fused for %d cycles while %d arrived stale; sensor gateway clock may lag the host",
				clockSkewWarnCycles, e.stats.SamplesDroppedOld)
			e.skewCycles = 0
		}
	} else if len(e.pending) > 0 {
		e.skewCycles = 0
	}
	e.droppedOldMark = e.stats.SamplesDroppedOld

	sort.SliceStable(e.pending, func(i, j int) bool {
		return e.pending[i].ts.Before(e.pending[j].ts)
	})

	last := e.lastFusedEpoch
	if last.IsZero() {
		last = now
	}
	for _, s := range e.pending {
		if s.ts.After(now) {
			// Timestamp ahead of the cycle clock; fold it in at cycle time
			// rather than predicting backwards afterwards.
			e.predict(0)
		} else {
			e.predict(s.ts.Sub(last).Seconds())
			last = s.ts
		}
		s.apply(e)
		e.stats.SamplesFused++
	}
	e.pending = e.pending[:0]

	e.predict(now.Sub(last).Seconds())
	e.lastFusedEpoch = now
	e.stats.FusionCycles++

	return e.snapshotLocked(now)
}

// Snapshot returns the current estimate without advancing the filter.
func (e *Estimator) Snapshot(now time.Time) nav.PoseEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(now)
}

// Stats returns a copy of the ingest/fusion counters.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Reset returns the filter to its initial state, discarding buffered
// samples and staleness history. For relocalisation after the vehicle is
// physically moved; a mission reset leaves the filter alone.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.x = mat.NewVecDense(stateDim, nil)
	P := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		P.Set(i, i, 10)
	}
	e.P = P
	e.pending = nil
	e.lastFusedEpoch = time.Time{}
	e.lastSeen = make(map[string]time.Time)
}

func (e *Estimator) snapshotLocked(now time.Time) nav.PoseEstimate {
	est := nav.PoseEstimate{
		X:           e.x.AtVec(0),
		Y:           e.x.AtVec(1),
		Heading:     e.x.AtVec(2),
		V:           e.x.AtVec(3),
		Omega:       e.x.AtVec(4),
		TSUnixNanos: now.UnixNano(),
	}
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			est.Cov[i*stateDim+j] = e.P.At(i, j)
		}
	}
	for _, sensor := range []string{SensorScanPose, SensorGyro, SensorEncoder} {
		seen, ok := e.lastSeen[sensor]
		if !ok || now.Sub(seen) > e.cfg.StaleTimeout {
			est.StaleSensors = append(est.StaleSensors, sensor)
		}
	}
	if len(est.StaleSensors) > 0 {
		diagf("stale sensors: %v", est.StaleSensors)
	}
	return est
}

// predict advances the state by dt seconds under the unicycle motion model
// and grows the covariance: P' = F P Fᵀ + Q dt.
func (e *Estimator) predict(dt float64) {
	if dt <= 0 {
		return
	}
	if dt > e.cfg.MaxPredictDt {
		dt = e.cfg.MaxPredictDt
	}

	theta := e.x.AtVec(2)
	v := e.x.AtVec(3)
	omega := e.x.AtVec(4)

	sin, cos := math.Sincos(theta)
	e.x.SetVec(0, e.x.AtVec(0)+v*cos*dt)
	e.x.SetVec(1, e.x.AtVec(1)+v*sin*dt)
	e.x.SetVec(2, units.WrapAngle(theta+omega*dt))

	// Jacobian of the motion model.
	F := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		F.Set(i, i, 1)
	}
	F.Set(0, 2, -v*sin*dt)
	F.Set(0, 3, cos*dt)
	F.Set(1, 2, v*cos*dt)
	F.Set(1, 3, sin*dt)
	F.Set(2, 4, dt)

	var FP, FPFt mat.Dense
	FP.Mul(F, e.P)
	FPFt.Mul(&FP, F.T())
	e.P.Copy(&FPFt)

	e.P.Set(0, 0, e.P.At(0, 0)+e.cfg.ProcessNoisePos*dt)
	e.P.Set(1, 1, e.P.At(1, 1)+e.cfg.ProcessNoisePos*dt)
	e.P.Set(2, 2, e.P.At(2, 2)+e.cfg.ProcessNoiseHeading*dt)
	e.P.Set(3, 3, e.P.At(3, 3)+e.cfg.ProcessNoiseVel*dt)
	e.P.Set(4, 4, e.P.At(4, 4)+e.cfg.ProcessNoiseOmega*dt)

	// Cap the diagonal so long sensor outages cannot grow the gate without
	// bound.
	for i := 0; i < stateDim; i++ {
		if e.P.At(i, i) > e.cfg.MaxCovarianceDiag {
			e.P.Set(i, i, e.cfg.MaxCovarianceDiag)
		}
	}
}

func (e *Estimator) updateScanPose(s ScanPoseSample) {
	H := mat.NewDense(3, stateDim, nil)
	H.Set(0, 0, 1)
	H.Set(1, 1, 1)
	H.Set(2, 2, 1)
	z := mat.NewVecDense(3, []float64{s.X, s.Y, s.Heading})
	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		R.Set(i, i, e.cfg.MeasNoiseScanPose)
	}
	e.update(H, z, R, true)
}

func (e *Estimator) updateGyro(s GyroSample) {
	H := mat.NewDense(1, stateDim, nil)
	H.Set(0, 4, 1)
	z := mat.NewVecDense(1, []float64{s.OmegaZ})
	R := mat.NewDense(1, 1, []float64{e.cfg.MeasNoiseGyro})
	e.update(H, z, R, false)
}

func (e *Estimator) updateEncoder(s EncoderSample) {
	H := mat.NewDense(1, stateDim, nil)
	H.Set(0, 3, 1)
	z := mat.NewVecDense(1, []float64{s.forwardSpeed()})
	R := mat.NewDense(1, 1, []float64{e.cfg.MeasNoiseEncoder})
	e.update(H, z, R, false)
}

// update applies a linear measurement z = H x + noise. wrapHeading marks
// measurements whose residual includes the heading component, which must be
// wrapped across the ±π seam before the gain is applied.
func (e *Estimator) update(H *mat.Dense, z *mat.VecDense, R *mat.Dense, wrapHeading bool) {
	m, _ := H.Dims()

	// Innovation y = z - H x.
	var Hx mat.VecDense
	Hx.MulVec(H, e.x)
	y := mat.NewVecDense(m, nil)
	y.SubVec(z, &Hx)
	if wrapHeading && m >= 3 {
		y.SetVec(2, units.WrapAngle(y.AtVec(2)))
	}

	// S = H P Hᵀ + R.
	var HP, S mat.Dense
	HP.Mul(H, e.P)
	S.Mul(&HP, H.T())
	S.Add(&S, R)

	var Sinv mat.Dense
	if err := Sinv.Inverse(&S); err != nil {
		e.stats.UpdatesRejected++
		opsf("measurement rejected, singular innovation covariance: %v", err)
		return
	}

	// K = P Hᵀ S⁻¹.
	var PHt, K mat.Dense
	PHt.Mul(e.P, H.T())
	K.Mul(&PHt, &Sinv)

	// x' = x + K y.
	var Ky mat.VecDense
	Ky.MulVec(&K, y)
	newX := mat.NewVecDense(stateDim, nil)
	newX.AddVec(e.x, &Ky)

	// P' = (I - K H) P.
	var KH mat.Dense
	KH.Mul(&K, H)
	IKH := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		IKH.Set(i, i, 1)
	}
	IKH.Sub(IKH, &KH)
	var newP mat.Dense
	newP.Mul(IKH, e.P)

	// Guard against numerical blow-up from a degenerate update: keep the
	// prior rather than corrupt the filter.
	for i := 0; i < stateDim; i++ {
		if math.IsNaN(newX.AtVec(i)) || math.IsInf(newX.AtVec(i), 0) ||
			math.IsNaN(newP.At(i, i)) || math.IsInf(newP.At(i, i), 0) {
			e.stats.UpdatesRejected++
			opsf("measurement rejected, non-finite posterior")
			return
		}
	}

	newX.SetVec(2, units.WrapAngle(newX.AtVec(2)))
	e.x = newX
	e.P.Copy(&newP)
}

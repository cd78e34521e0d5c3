package estimator

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
)

func testConfig() Config {
	return Config{
		StaleTimeout:        200 * time.Millisecond,
		ProcessNoisePos:     0.02,
		ProcessNoiseHeading: 0.01,
		ProcessNoiseVel:     0.1,
		ProcessNoiseOmega:   0.1,
		MeasNoiseScanPose:   0.05,
		MeasNoiseGyro:       0.02,
		MeasNoiseEncoder:    0.04,
		MaxPredictDt:        0.5,
		MaxCovarianceDiag:   100,
	}
}

func covDiag(est nav.PoseEstimate) [5]float64 {
	var d [5]float64
	for i := 0; i < 5; i++ {
		d[i] = est.Cov[i*5+i]
	}
	return d
}

func TestCovarianceGrowsWithoutSamples(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	// Seed with one fix so the filter has a baseline.
	e.IngestScanPose(ScanPoseSample{X: 1, Y: 2, Heading: 0.1, TS: now})
	prev := e.Fuse(now.Add(20 * time.Millisecond))

	// Prediction-only cycles: every diagonal element must be non-decreasing.
	for i := 1; i <= 10; i++ {
		cur := e.Fuse(now.Add(time.Duration(20+20*i) * time.Millisecond))
		prevDiag, curDiag := covDiag(prev), covDiag(cur)
		for k := 0; k < 5; k++ {
			assert.GreaterOrEqual(t, curDiag[k], prevDiag[k]-1e-12,
				"cov[%d,%d] shrank during a sample-free interval", k, k)
		}
		prev = cur
	}
}

func TestOutOfOrderSamplesDropped(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	e.IngestGyro(GyroSample{OmegaZ: 0.5, TS: now})
	e.Fuse(now.Add(20 * time.Millisecond))

	// Older than the fused epoch: must be rejected.
	e.IngestGyro(GyroSample{OmegaZ: 9.9, TS: now.Add(-time.Second)})
	est := e.Fuse(now.Add(40 * time.Millisecond))

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.SamplesDroppedOld)
	assert.InDelta(t, 0.5, est.Omega, 0.3, "stale sample must not steer the estimate")
}

func TestScanPosePullsStateTowardFix(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	for i := 0; i < 20; i++ {
		ts := now.Add(time.Duration(i) * 20 * time.Millisecond)
		e.IngestScanPose(ScanPoseSample{X: 3, Y: -1, Heading: 0.5, TS: ts})
		e.Fuse(ts.Add(10 * time.Millisecond))
	}
	est := e.Snapshot(now.Add(time.Second))

	assert.InDelta(t, 3.0, est.X, 0.1)
	assert.InDelta(t, -1.0, est.Y, 0.1)
	assert.InDelta(t, 0.5, est.Heading, 0.05)
}

func TestEncoderAndGyroDriveVelocityStates(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	for i := 0; i < 25; i++ {
		ts := now.Add(time.Duration(i) * 20 * time.Millisecond)
		e.IngestEncoder(EncoderSample{
			WheelSpeeds: [nav.NWheels]float64{1.0, 1.0, 1.0, 1.0},
			TS:          ts,
		})
		e.IngestGyro(GyroSample{OmegaZ: 0.3, TS: ts})
		e.Fuse(ts.Add(10 * time.Millisecond))
	}
	est := e.Snapshot(now.Add(time.Second))

	assert.InDelta(t, 1.0, est.V, 0.1)
	assert.InDelta(t, 0.3, est.Omega, 0.05)
}

func TestStaleSensorsReportedWithoutHaltingFusion(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	e.IngestScanPose(ScanPoseSample{X: 0, Y: 0, TS: now})
	e.IngestGyro(GyroSample{OmegaZ: 0, TS: now})
	e.IngestEncoder(EncoderSample{TS: now})
	est := e.Fuse(now.Add(20 * time.Millisecond))
	assert.Empty(t, est.StaleSensors)

	// Only the gyro keeps updating; the others go quiet past the timeout.
	later := now.Add(500 * time.Millisecond)
	e.IngestGyro(GyroSample{OmegaZ: 0, TS: later})
	est = e.Fuse(later.Add(20 * time.Millisecond))

	assert.Contains(t, est.StaleSensors, SensorScanPose)
	assert.Contains(t, est.StaleSensors, SensorEncoder)
	assert.NotContains(t, est.StaleSensors, SensorGyro)

	// Fusion kept running.
	require.Greater(t, e.Stats().FusionCycles, int64(1))
}

func TestIngestBufferBounded(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	for i := 0; i < maxPendingSamples+50; i++ {
		e.IngestGyro(GyroSample{OmegaZ: 0.1, TS: now.Add(time.Duration(i) * time.Millisecond)})
	}
	stats := e.Stats()
	assert.Equal(t, int64(50), stats.SamplesDroppedFull)
}

func TestLaggingGatewayClockFlagged(t *testing.T) {
	// Not parallel: captures the package diag stream.
	var buf bytes.Buffer
	SetLogWriters(nil, &buf, nil)
	defer SetLogWriters(nil, nil, nil)

	e := New(testConfig())
	now := time.Now()
	e.IngestGyro(GyroSample{OmegaZ: 0.1, TS: now})
	e.Fuse(now.Add(20 * time.Millisecond))

	// Gateway stamps every sample behind the fused epoch; each cycle
	// drops its sample and fuses nothing.
	for i := 0; i < clockSkewWarnCycles; i++ {
		e.IngestGyro(GyroSample{OmegaZ: 0.1, TS: now.Add(-time.Second)})
		e.Fuse(now.Add(time.Duration(40+i*20) * time.Millisecond))
	}

	assert.Equal(t, int64(clockSkewWarnCycles), e.Stats().SamplesDroppedOld)
	assert.Contains(t, buf.String(), "clock may lag the host")
}

func TestResetReturnsToInitialState(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	now := time.Now()

	e.IngestScanPose(ScanPoseSample{X: 5, Y: 5, Heading: 1, TS: now})
	e.Fuse(now.Add(20 * time.Millisecond))
	e.Reset()

	est := e.Snapshot(now.Add(40 * time.Millisecond))
	assert.Zero(t, est.X)
	assert.Zero(t, est.Y)
	assert.Zero(t, est.Heading)
}

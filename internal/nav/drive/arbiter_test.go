package drive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
)

func arbiterConfig() Config {
	return Config{
		SpeedThresholdMps: 0.05,
		Timeout:           2 * time.Second,
		SteerTolRad:       0.03,
		HalfLengthM:       1.0,
		HalfWidthM:        0.8,
		MaxWheelSpeed:     3.0,
	}
}

func stationary() nav.PoseEstimate { return nav.PoseEstimate{} }

func TestRequestModeRejectedAtSpeed(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)

	err := a.RequestMode(ModeSwerve, nav.PoseEstimate{V: 1.2}, time.Now())
	require.ErrorIs(t, err, ErrTransitionRejected)
	assert.Equal(t, ModeDifferential, a.CurrentMode())
}

func TestRequestModeRejectedWhileRotating(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)

	err := a.RequestMode(ModeSwerve, nav.PoseEstimate{Omega: 0.5}, time.Now())
	require.ErrorIs(t, err, ErrTransitionRejected)
}

func TestRequestCurrentModeIsNoop(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)

	require.NoError(t, a.RequestMode(ModeDifferential, stationary(), time.Now()))
	assert.False(t, a.InTransition())
}

func TestTransitionAtomicity(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)
	now := time.Now()

	require.NoError(t, a.RequestMode(ModeSwerve, stationary(), now))
	require.True(t, a.InTransition())

	// While the transition is in flight, the outgoing mode stays current
	// and every emitted command is zero-velocity.
	assert.Equal(t, ModeDifferential, a.CurrentMode())
	for i := 0; i < 5; i++ {
		cmd, err := a.Command(nav.Twist{VX: 1.0}, now.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, cmd.IsZero(), "command %d during transition must be zero", i)
	}
}

func TestTransitionCompletesOnAlignedFeedback(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)
	now := time.Now()

	require.NoError(t, a.RequestMode(ModeSwerve, stationary(), now))

	// Misaligned feedback keeps the transition open.
	a.UpdateSteerFeedback([nav.NWheels]float64{0.5, 0, 0, 0}, now.Add(50*time.Millisecond))
	assert.True(t, a.InTransition())
	assert.Equal(t, ModeDifferential, a.CurrentMode())

	// Aligned feedback completes it.
	a.UpdateSteerFeedback([nav.NWheels]float64{0.01, -0.02, 0, 0.005}, now.Add(100*time.Millisecond))
	assert.False(t, a.InTransition())
	assert.Equal(t, ModeSwerve, a.CurrentMode())

	// Velocity commands flow again, now through swerve kinematics.
	cmd, err := a.Command(nav.Twist{VY: 1.0}, now.Add(150*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, cmd.IsZero())
	assert.Equal(t, string(ModeSwerve), cmd.Mode)
}

func TestTransitionTimeoutLatchesFault(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)
	now := time.Now()

	require.NoError(t, a.RequestMode(ModeSwerve, stationary(), now))

	// No feedback arrives; past the deadline the arbiter faults.
	cmd, err := a.Command(nav.Twist{VX: 1.0}, now.Add(3*time.Second))
	require.ErrorIs(t, err, ErrTransitionTimeout)
	assert.True(t, cmd.IsZero())
	assert.ErrorIs(t, a.Fault(), ErrTransitionTimeout)

	// The fault is latched: later commands stay zero, new requests fail.
	cmd, err = a.Command(nav.Twist{VX: 1.0}, now.Add(4*time.Second))
	require.ErrorIs(t, err, ErrTransitionTimeout)
	assert.True(t, cmd.IsZero())
	assert.ErrorIs(t, a.RequestMode(ModeDifferential, stationary(), now.Add(4*time.Second)), ErrTransitionTimeout)

	// Mode never changed.
	assert.Equal(t, ModeDifferential, a.CurrentMode())
}

func TestResetClearsFault(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)
	now := time.Now()

	require.NoError(t, a.RequestMode(ModeSwerve, stationary(), now))
	_, err := a.Command(nav.Twist{}, now.Add(3*time.Second))
	require.ErrorIs(t, err, ErrTransitionTimeout)

	a.Reset()
	assert.NoError(t, a.Fault())

	cmd, err := a.Command(nav.Twist{VX: 0.5}, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, cmd.IsZero())
}

func TestInFlightTransitionNotCancellable(t *testing.T) {
	t.Parallel()
	a := NewArbiter(arbiterConfig(), ModeDifferential)
	now := time.Now()

	require.NoError(t, a.RequestMode(ModeSwerve, stationary(), now))

	// Same target is idempotent; a different target is refused mid-flight.
	assert.NoError(t, a.RequestMode(ModeSwerve, stationary(), now.Add(10*time.Millisecond)))
	assert.ErrorIs(t, a.RequestMode(ModeDifferential, stationary(), now.Add(20*time.Millisecond)), ErrTransitionRejected)
}

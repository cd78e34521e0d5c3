package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
)

func TestRunPlotterRecordsOnlyWhileEnabled(t *testing.T) {
	t.Parallel()

	rp := NewRunPlotter()
	rp.PublishStatus(pipeline.Status{})
	assert.Equal(t, 0, rp.SampleCount(), "disabled plotter must not record")

	require.NoError(t, rp.Start(t.TempDir()))
	rp.PublishStatus(pipeline.Status{Pose: nav.PoseEstimate{X: 1}})
	rp.PublishStatus(pipeline.Status{Pose: nav.PoseEstimate{X: 2}})
	assert.Equal(t, 2, rp.SampleCount())

	rp.Stop()
	rp.PublishStatus(pipeline.Status{})
	assert.Equal(t, 2, rp.SampleCount())
}

func TestRunPlotterGeneratesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rp := NewRunPlotter()
	require.NoError(t, rp.Start(dir))

	for i := 0; i < 20; i++ {
		rp.PublishStatus(pipeline.Status{
			Pose: nav.PoseEstimate{X: float64(i) * 0.1, Y: float64(i) * 0.05, V: 1.0},
		})
	}
	rp.Stop()

	waypoints := []nav.Waypoint{{ID: "dock-a", X: 2, Y: 1}}
	require.NoError(t, rp.GeneratePlots(waypoints))

	for _, name := range []string{"trajectory.png", "velocity.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "missing %s", name)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestRunPlotterNoSamples(t *testing.T) {
	t.Parallel()

	rp := NewRunPlotter()
	require.NoError(t, rp.Start(t.TempDir()))
	assert.Error(t, rp.GeneratePlots(nil))
}

func TestRunPlotterRestartClearsSamples(t *testing.T) {
	t.Parallel()

	rp := NewRunPlotter()
	require.NoError(t, rp.Start(t.TempDir()))
	rp.PublishStatus(pipeline.Status{})
	require.Equal(t, 1, rp.SampleCount())

	require.NoError(t, rp.Start(t.TempDir()))
	assert.Equal(t, 0, rp.SampleCount())
}

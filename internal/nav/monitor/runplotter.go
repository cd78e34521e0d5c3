// Package monitor renders post-run diagnostics. The run plotter records
// status snapshots during a drive and produces PNG plots of the
// trajectory and velocity profile, the quickest way to judge a tuning
// change after a replay.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
)

// RunSample is one recorded snapshot.
type RunSample struct {
	Elapsed time.Duration
	X, Y    float64
	Heading float64
	V       float64
	Omega   float64
	Tripped bool
}

// RunPlotter accumulates status snapshots for plotting after a run. It
// satisfies the pipeline's TelemetryPublisher interface so it can sit
// alongside the websocket hub.
type RunPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	startTime time.Time
	samples   []RunSample
}

// NewRunPlotter creates a disabled plotter.
func NewRunPlotter() *RunPlotter {
	return &RunPlotter{}
}

// Start begins recording into outputDir.
func (rp *RunPlotter) Start(outputDir string) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create plot output dir: %w", err)
	}
	rp.outputDir = outputDir
	rp.enabled = true
	rp.startTime = time.Time{}
	rp.samples = rp.samples[:0]
	return nil
}

// Stop disables recording. Call GeneratePlots to produce output files.
func (rp *RunPlotter) Stop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.enabled = false
}

// PublishStatus records one snapshot while enabled.
func (rp *RunPlotter) PublishStatus(st pipeline.Status) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if !rp.enabled {
		return
	}
	now := time.Now()
	if rp.startTime.IsZero() {
		rp.startTime = now
	}
	rp.samples = append(rp.samples, RunSample{
		Elapsed: now.Sub(rp.startTime),
		X:       st.Pose.X,
		Y:       st.Pose.Y,
		Heading: st.Pose.Heading,
		V:       st.Pose.V,
		Omega:   st.Pose.Omega,
		Tripped: st.Safety.Tripped,
	})
}

// SampleCount returns the number of recorded snapshots.
func (rp *RunPlotter) SampleCount() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.samples)
}

// GeneratePlots renders trajectory.png and velocity.png into the output
// directory. Waypoints, when provided, are overlaid on the trajectory.
func (rp *RunPlotter) GeneratePlots(waypoints []nav.Waypoint) error {
	rp.mu.Lock()
	samples := append([]RunSample(nil), rp.samples...)
	outputDir := rp.outputDir
	rp.mu.Unlock()

	if len(samples) == 0 {
		return fmt.Errorf("no samples recorded")
	}
	if err := rp.plotTrajectory(samples, waypoints, filepath.Join(outputDir, "trajectory.png")); err != nil {
		return err
	}
	return rp.plotVelocity(samples, filepath.Join(outputDir, "velocity.png"))
}

func (rp *RunPlotter) plotTrajectory(samples []RunSample, waypoints []nav.Waypoint, path string) error {
	p := plot.New()
	p.Title.Text = "Trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.X, Y: s.Y}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("trajectory line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{B: 200, A: 255}
	p.Add(line)
	p.Legend.Add("path", line)

	if len(waypoints) > 0 {
		wpts := make(plotter.XYs, len(waypoints))
		for i, wp := range waypoints {
			wpts[i] = plotter.XY{X: wp.X, Y: wp.Y}
		}
		scatter, err := plotter.NewScatter(wpts)
		if err != nil {
			return fmt.Errorf("waypoint scatter: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Points(4)
		scatter.GlyphStyle.Color = color.RGBA{R: 200, A: 255}
		p.Add(scatter)
		p.Legend.Add("waypoints", scatter)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func (rp *RunPlotter) plotVelocity(samples []RunSample, path string) error {
	p := plot.New()
	p.Title.Text = "Velocity profile"
	p.X.Label.Text = "elapsed (s)"
	p.Y.Label.Text = "v (m/s), omega (rad/s)"

	vPts := make(plotter.XYs, len(samples))
	wPts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		vPts[i] = plotter.XY{X: s.Elapsed.Seconds(), Y: s.V}
		wPts[i] = plotter.XY{X: s.Elapsed.Seconds(), Y: s.Omega}
	}

	vLine, err := plotter.NewLine(vPts)
	if err != nil {
		return fmt.Errorf("speed line: %w", err)
	}
	vLine.Width = vg.Points(1)
	vLine.Color = color.RGBA{B: 200, A: 255}
	p.Add(vLine)
	p.Legend.Add("v", vLine)

	wLine, err := plotter.NewLine(wPts)
	if err != nil {
		return fmt.Errorf("omega line: %w", err)
	}
	wLine.Width = vg.Points(1)
	wLine.Color = color.RGBA{R: 200, A: 255}
	p.Add(wLine)
	p.Legend.Add("omega", wLine)

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

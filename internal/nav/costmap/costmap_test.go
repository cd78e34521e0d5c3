package costmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunride-robotics/navcore/internal/nav"
)

func testParams() Params {
	return Params{
		Resolution:        0.1,
		SizeCells:         100, // 10 m window
		InflationM:        0.3,
		LaneCost:          1.0,
		OccupiedThreshold: 0.9,
		MaxRangeM:         12.0,
		MinReturnRangeM:   0.15,
	}
}

func originPose() nav.PoseEstimate {
	return nav.PoseEstimate{X: 0, Y: 0, Heading: 0}
}

func TestRebuildMarksReturnAsLethal(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())

	// A return 2 m dead ahead lands at world (2, 0).
	g := b.Rebuild(originPose(), nav.RangeScan{
		Returns: []nav.RangeReturn{{BearingRad: 0, RangeM: 2.0}},
	})

	assert.True(t, g.Occupied(2.0, 0))
	assert.False(t, g.Occupied(0, 0), "vehicle cell must stay free")
	assert.Equal(t, 1, g.OccupiedCount())
}

func TestRebuildRespectsHeading(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())
	pose := nav.PoseEstimate{X: 1, Y: 1, Heading: math.Pi / 2}

	// Dead ahead with heading π/2 means +Y in the world frame.
	g := b.Rebuild(pose, nav.RangeScan{
		Returns: []nav.RangeReturn{{BearingRad: 0, RangeM: 1.0}},
	})

	assert.True(t, g.Occupied(1, 2))
	assert.False(t, g.Occupied(2, 1))
}

func TestRangeGatesFilterReturns(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())

	g := b.Rebuild(originPose(), nav.RangeScan{
		Returns: []nav.RangeReturn{
			{BearingRad: 0, RangeM: 0.05}, // self hit
			{BearingRad: 0, RangeM: 50},   // beyond max range
		},
	})
	assert.Zero(t, g.OccupiedCount())
}

func TestInflationDecaysWithDistance(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())
	g := b.Rebuild(originPose(), nav.RangeScan{
		Returns: []nav.RangeReturn{{BearingRad: 0, RangeM: 2.0}},
	})

	at := g.CostAt(2.0, 0)
	near := g.CostAt(2.0, 0.15)
	far := g.CostAt(2.0, 0.45)

	assert.Equal(t, CostOccupied, at)
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.0)
	assert.Equal(t, CostFree, far, "outside the inflation radius")
}

func TestLaneBoundaryBecomesVirtualObstacle(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())
	b.SetLanes([]LaneBoundary{{X1: -1, Y1: 1.5, X2: 1, Y2: 1.5}})

	g := b.Rebuild(originPose(), nav.RangeScan{})

	// Every half-resolution step along the segment must be lethal.
	for x := -1.0; x <= 1.0; x += 0.1 {
		assert.True(t, g.Occupied(x, 1.5), "lane cell at x=%.1f", x)
	}
	assert.False(t, g.Occupied(0, 0))
}

func TestClearance(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())
	g := b.Rebuild(originPose(), nav.RangeScan{
		Returns: []nav.RangeReturn{{BearingRad: 0, RangeM: 3.0}},
	})

	assert.Zero(t, g.Clearance(3.0, 0, 5.0))
	d := g.Clearance(1.0, 0, 5.0)
	assert.InDelta(t, 2.0, d, 0.1)
	assert.Equal(t, 5.0, g.Clearance(-3.0, 0, 5.0), "capped at max radius")
}

func TestWorldToGridBounds(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())
	g := b.Rebuild(originPose(), nav.RangeScan{})

	_, _, ok := g.WorldToGrid(0, 0)
	assert.True(t, ok)
	_, _, ok = g.WorldToGrid(20, 0)
	assert.False(t, ok, "outside the 10 m window")

	// Outside the window reads as free.
	assert.Equal(t, CostFree, g.CostAt(20, 0))
}

func TestSnapshotIsImmutableAcrossRebuilds(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testParams())

	first := b.Rebuild(originPose(), nav.RangeScan{
		Returns: []nav.RangeReturn{{BearingRad: 0, RangeM: 2.0}},
	})
	require.True(t, first.Occupied(2.0, 0))

	// Rebuild with an empty scan: the old snapshot keeps its contents.
	second := b.Rebuild(originPose(), nav.RangeScan{})
	assert.True(t, first.Occupied(2.0, 0))
	assert.False(t, second.Occupied(2.0, 0))
	assert.Same(t, second, b.Snapshot())
}

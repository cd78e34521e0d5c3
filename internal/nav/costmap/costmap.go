// Package costmap maintains the local traversal-cost grid used by the
// planner. The grid is a square window centred on the vehicle, rebuilt each
// perception cycle from the latest range scan. Lane boundaries are injected
// as virtual obstacles so lane-keeping and obstacle avoidance reduce to a
// single collision check.
//
// Ownership: a single builder goroutine writes; all readers receive an
// immutable *Grid snapshot and never observe a partial rebuild.
package costmap

import (
	"math"
	"sync"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/nav"
)

// Cost values. A cell at or above the occupied threshold is lethal to any
// trajectory passing through it.
const (
	CostFree     = 0.0
	CostOccupied = 1.0
)

// Params holds the costmap tuning parameters.
type Params struct {
	Resolution        float64 // metres per cell
	SizeCells         int     // cells per side, window is SizeCells×SizeCells
	InflationM        float64 // obstacle inflation radius
	LaneCost          float64 // cost written for lane boundary cells
	OccupiedThreshold float64 // cost at or above which a cell is lethal
	MaxRangeM         float64 // returns beyond this are ignored
	MinReturnRangeM   float64 // returns inside this are self-hits, ignored
}

// ParamsFromTuning builds costmap Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		Resolution:        cfg.GetCostmapResolution(),
		SizeCells:         cfg.GetCostmapSizeCells(),
		InflationM:        cfg.GetObstacleInflationM(),
		LaneCost:          cfg.GetLaneBoundaryCost(),
		OccupiedThreshold: cfg.GetOccupiedCostThreshold(),
		MaxRangeM:         cfg.GetMaxRangeM(),
		MinReturnRangeM:   cfg.GetMinObstacleReturnRange(),
	}
}

// LaneBoundary is a world-frame segment treated as a virtual obstacle.
type LaneBoundary struct {
	X1, Y1, X2, Y2 float64
}

// Grid is one immutable costmap snapshot. OriginX/OriginY are the world
// coordinates of the grid's lower-left corner.
type Grid struct {
	Params           Params
	OriginX, OriginY float64
	TSUnixNanos      int64

	cost     []float64
	occupied []int // flat indices of lethal cells, for clearance queries
}

// Builder rebuilds the costmap each perception cycle and publishes immutable
// snapshots.
type Builder struct {
	mu     sync.RWMutex
	params Params
	lanes  []LaneBoundary
	snap   *Grid
}

// NewBuilder creates a costmap builder with the given parameters.
func NewBuilder(params Params) *Builder {
	return &Builder{params: params}
}

// SetLanes replaces the lane boundary set injected on every rebuild.
func (b *Builder) SetLanes(lanes []LaneBoundary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lanes = append([]LaneBoundary(nil), lanes...)
}

// Snapshot returns the most recent grid, or nil before the first rebuild.
func (b *Builder) Snapshot() *Grid {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// Rebuild constructs a fresh grid centred on the vehicle pose from the given
// scan, injects lane boundaries, and publishes it as the new snapshot.
func (b *Builder) Rebuild(pose nav.PoseEstimate, scan nav.RangeScan) *Grid {
	b.mu.RLock()
	params := b.params
	lanes := b.lanes
	b.mu.RUnlock()

	half := float64(params.SizeCells) * params.Resolution / 2
	g := &Grid{
		Params:      params,
		OriginX:     pose.X - half,
		OriginY:     pose.Y - half,
		TSUnixNanos: scan.TSUnixNanos,
		cost:        make([]float64, params.SizeCells*params.SizeCells),
	}

	sin, cos := math.Sincos(pose.Heading)
	hits := 0
	for _, r := range scan.Returns {
		if r.RangeM < params.MinReturnRangeM || r.RangeM > params.MaxRangeM {
			continue
		}
		bs, bc := math.Sincos(r.BearingRad)
		// Body frame hit point rotated into the world frame.
		bx := r.RangeM * bc
		by := r.RangeM * bs
		wx := pose.X + bx*cos - by*sin
		wy := pose.Y + bx*sin + by*cos
		if g.markObstacle(wx, wy) {
			hits++
		}
	}

	for _, lane := range lanes {
		g.markSegment(lane)
	}

	tracef("rebuilt grid at (%.2f, %.2f): %d returns, %d obstacle cells",
		pose.X, pose.Y, len(scan.Returns), len(g.occupied))
	if len(scan.Returns) > 0 && hits == 0 {
		diagf("scan had %d returns but none landed in the window", len(scan.Returns))
	}

	b.mu.Lock()
	b.snap = g
	b.mu.Unlock()
	return g
}

// WorldToGrid converts world coordinates to cell indices. ok is false when
// the point lies outside the window.
func (g *Grid) WorldToGrid(wx, wy float64) (cx, cy int, ok bool) {
	cx = int(math.Floor((wx - g.OriginX) / g.Params.Resolution))
	cy = int(math.Floor((wy - g.OriginY) / g.Params.Resolution))
	if cx < 0 || cy < 0 || cx >= g.Params.SizeCells || cy >= g.Params.SizeCells {
		return 0, 0, false
	}
	return cx, cy, true
}

// GridToWorld returns the world coordinates of a cell centre.
func (g *Grid) GridToWorld(cx, cy int) (wx, wy float64) {
	wx = g.OriginX + (float64(cx)+0.5)*g.Params.Resolution
	wy = g.OriginY + (float64(cy)+0.5)*g.Params.Resolution
	return wx, wy
}

// CostAt returns the traversal cost at a world point. Points outside the
// window carry zero cost: the planner's horizon is short enough that beyond
// the window is treated as unobserved-free.
func (g *Grid) CostAt(wx, wy float64) float64 {
	cx, cy, ok := g.WorldToGrid(wx, wy)
	if !ok {
		return CostFree
	}
	return g.cost[cy*g.Params.SizeCells+cx]
}

// Occupied reports whether the world point lies in a lethal cell.
func (g *Grid) Occupied(wx, wy float64) bool {
	return g.CostAt(wx, wy) >= g.Params.OccupiedThreshold
}

// Clearance returns the distance from the world point to the nearest lethal
// cell centre, capped at maxRadius. A point inside a lethal cell has zero
// clearance.
func (g *Grid) Clearance(wx, wy, maxRadius float64) float64 {
	if g.Occupied(wx, wy) {
		return 0
	}
	best := maxRadius
	for _, idx := range g.occupied {
		cx := idx % g.Params.SizeCells
		cy := idx / g.Params.SizeCells
		ox, oy := g.GridToWorld(cx, cy)
		d := math.Hypot(wx-ox, wy-oy)
		if d < best {
			best = d
		}
	}
	return best
}

// OccupiedCount returns the number of lethal cells in the snapshot.
func (g *Grid) OccupiedCount() int { return len(g.occupied) }

// CostAtIndex returns the raw cost of a cell; used by exporters.
func (g *Grid) CostAtIndex(cx, cy int) float64 {
	return g.cost[cy*g.Params.SizeCells+cx]
}

// markObstacle writes a lethal cell at the world point and inflates a
// decaying cost skirt around it. Returns false when the point is outside the
// window.
func (g *Grid) markObstacle(wx, wy float64) bool {
	cx, cy, ok := g.WorldToGrid(wx, wy)
	if !ok {
		return false
	}
	g.setCost(cx, cy, CostOccupied)

	// Inflation: cost decays linearly from the threshold at the obstacle
	// edge to zero at the inflation radius.
	cells := int(math.Ceil(g.Params.InflationM / g.Params.Resolution))
	for dy := -cells; dy <= cells; dy++ {
		for dx := -cells; dx <= cells; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := cx+dx, cy+dy
			if nx < 0 || ny < 0 || nx >= g.Params.SizeCells || ny >= g.Params.SizeCells {
				continue
			}
			d := math.Hypot(float64(dx), float64(dy)) * g.Params.Resolution
			if d > g.Params.InflationM {
				continue
			}
			c := g.Params.OccupiedThreshold * (1 - d/g.Params.InflationM)
			if c > g.cost[ny*g.Params.SizeCells+nx] {
				g.cost[ny*g.Params.SizeCells+nx] = c
			}
		}
	}
	return true
}

// markSegment rasterises a lane boundary into the grid at the lane cost,
// stepping at half-resolution so no cell along the segment is skipped.
func (g *Grid) markSegment(lane LaneBoundary) {
	dx := lane.X2 - lane.X1
	dy := lane.Y2 - lane.Y1
	length := math.Hypot(dx, dy)
	if length == 0 {
		if cx, cy, ok := g.WorldToGrid(lane.X1, lane.Y1); ok {
			g.setCost(cx, cy, g.Params.LaneCost)
		}
		return
	}
	step := g.Params.Resolution / 2
	n := int(length/step) + 1
	for i := 0; i <= n; i++ {
		t := float64(i) / float64(n)
		if cx, cy, ok := g.WorldToGrid(lane.X1+t*dx, lane.Y1+t*dy); ok {
			g.setCost(cx, cy, g.Params.LaneCost)
		}
	}
}

func (g *Grid) setCost(cx, cy int, c float64) {
	idx := cy*g.Params.SizeCells + cx
	wasLethal := g.cost[idx] >= g.Params.OccupiedThreshold
	if c > g.cost[idx] {
		g.cost[idx] = c
	}
	if !wasLethal && g.cost[idx] >= g.Params.OccupiedThreshold {
		g.occupied = append(g.occupied, idx)
	}
}

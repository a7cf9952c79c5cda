package bias

import (
	"math"
	"runtime"
	"sync"

	"github.com/paulmach/orb"
)

// LocalGrid is the square lattice of metric offsets sampled around a footprint.
// Axis covers [-(HalfExtent+Buffer), HalfExtent+Buffer]; the buffer cells exist only
// to keep smoothing edge effects out of the analysis window.
type LocalGrid struct {
	HalfExtent float64
	Buffer     float64
	Spacing    float64
	Axis       []float64
}

// NewLocalGrid builds the lattice for cfg
func NewLocalGrid(cfg GridConfig) *LocalGrid {
	return &LocalGrid{
		HalfExtent: cfg.HalfExtent,
		Buffer:     cfg.Buffer,
		Spacing:    cfg.Spacing,
		Axis:       axisRange(cfg.HalfExtent+cfg.Buffer, cfg.Spacing),
	}
}

// axisRange returns -limit, -limit+step, ... up to and including limit when step
// divides it evenly
func axisRange(limit, step float64) []float64 {
	n := int(math.Floor(2*limit/step+1e-9)) + 1
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = -limit + float64(i)*step
	}
	return axis
}

// Size returns the number of nodes along each side of the raw grid
func (g *LocalGrid) Size() int {
	return len(g.Axis)
}

// CropOffset returns the number of buffer cells on each side of the window
func (g *LocalGrid) CropOffset() int {
	return int(math.Round(g.Buffer / g.Spacing))
}

// WindowSize returns the side length of the analysis window in cells
func (g *LocalGrid) WindowSize() int {
	return g.Size() - 2*g.CropOffset()
}

// WindowAxis returns the metric coordinates of the analysis window
func (g *LocalGrid) WindowAxis() []float64 {
	off := g.CropOffset()
	return append([]float64(nil), g.Axis[off:off+g.WindowSize()]...)
}

// Crop returns the analysis window of a raw-grid matrix
func (g *LocalGrid) Crop(m Matrix) Matrix {
	off, n := g.CropOffset(), g.WindowSize()
	out := NewMatrix(n, n)
	for i := range n {
		copy(out[i], m[off+i][off:off+n])
	}
	return out
}

// Nodes returns the geographic position of every raw-grid node in row-major order.
// Row i uses Axis[i] as the cross offset and column j uses Axis[j] as the along
// offset. Rows are projected in parallel; the result is identical to projecting
// node by node.
func (g *LocalGrid) Nodes(center orb.Point, heading float64) []orb.Point {
	n := g.Size()
	out := make([]orb.Point, n*n)

	workers := min(runtime.GOMAXPROCS(0), n)
	rows := make(chan int, n)
	for i := range n {
		rows <- i
	}
	close(rows)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rows {
				for j := range n {
					out[i*n+j] = Project(center, g.Axis[j], g.Axis[i], heading)
				}
			}
		}()
	}
	wg.Wait()

	return out
}

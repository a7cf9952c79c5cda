package bias

import (
	"fmt"
	"math"
	"sync"
)

// Fold adds m into a running mean, cell by cell. counts holds the number of
// finite samples seen per cell; NaN cells of m are skipped. mean and counts are
// updated in place.
func Fold(mean Matrix, counts [][]int, m Matrix) error {
	rows, cols := mean.Dims()
	if r, c := m.Dims(); r != rows || c != cols {
		return fmt.Errorf("fold: matrix is %dx%d, aggregate is %dx%d", r, c, rows, cols)
	}
	for i := range rows {
		for j := range cols {
			v := m[i][j]
			if math.IsNaN(v) {
				continue
			}
			counts[i][j]++
			mean[i][j] += (v - mean[i][j]) / float64(counts[i][j])
		}
	}
	return nil
}

// Aggregator accumulates the difference matrices of one beam. It is safe for
// concurrent use by footprint workers.
type Aggregator struct {
	mu      sync.Mutex
	axis    []float64
	size    int
	mean    Matrix
	absMean Matrix
	counts  [][]int
	absCnt  [][]int
	n       int
}

// NewAggregator creates an aggregator for square matrices over axis
func NewAggregator(axis []float64) *Aggregator {
	n := len(axis)
	counts := make([][]int, n)
	for i := range counts {
		counts[i] = make([]int, n)
	}
	return &Aggregator{
		axis:    append([]float64(nil), axis...),
		size:    n,
		mean:    NewMatrix(n, n),
		absMean: NewMatrix(n, n),
		counts:  counts,
		absCnt:  cloneCounts(counts),
	}
}

// Add folds m and |m| into the running means
func (a *Aggregator) Add(m Matrix) error {
	abs := m.Abs()

	a.mu.Lock()
	defer a.mu.Unlock()

	// validate once so a bad shape cannot leave the two means out of step
	if r, c := m.Dims(); r != a.size || c != a.size {
		return fmt.Errorf("aggregate: matrix is %dx%d, want %dx%d", r, c, a.size, a.size)
	}
	if err := Fold(a.mean, a.counts, m); err != nil {
		return err
	}
	if err := Fold(a.absMean, a.absCnt, abs); err != nil {
		return err
	}
	a.n++
	return nil
}

// Count returns the number of matrices folded so far
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// Finalize returns the aggregate surface. Cells that never received a finite
// sample are NaN. ErrInsufficientData is returned when nothing was folded.
func (a *Aggregator) Finalize() (*AggregateSurface, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.n == 0 {
		return nil, ErrInsufficientData
	}

	mean := a.mean.Clone()
	absMean := a.absMean.Clone()
	for i := range a.size {
		for j := range a.size {
			if a.counts[i][j] == 0 {
				mean[i][j] = math.NaN()
				absMean[i][j] = math.NaN()
			}
		}
	}
	return &AggregateSurface{
		Mean:    mean,
		AbsMean: absMean,
		Count:   a.n,
		Axis:    append([]float64(nil), a.axis...),
	}, nil
}

func cloneCounts(c [][]int) [][]int {
	out := make([][]int, len(c))
	for i := range c {
		out[i] = append([]int(nil), c[i]...)
	}
	return out
}

// InitialGuess returns the metric coordinates of the cell whose mean absolute
// difference is closest to zero. It seeds the bias fit.
func InitialGuess(s *AggregateSurface) (x, y float64) {
	best := math.Inf(1)
	bi, bj := len(s.Axis)/2, len(s.Axis)/2
	for i, row := range s.AbsMean {
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			if a := math.Abs(v); a < best {
				best = a
				bi, bj = i, j
			}
		}
	}
	return s.Axis[bj], s.Axis[bi]
}

package bias

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// ElevationOracle samples a reference elevation surface at geographic points.
// Implementations return one value per point in order; NaN marks a point the
// service had no data for. Partial results must never be returned silently.
type ElevationOracle interface {
	Elevations(ctx context.Context, points []orb.Point) ([]float64, error)
}

// GeoidOracle returns the geoid height above the ellipsoid at a point, or false when
// the point is outside the grid coverage
type GeoidOracle interface {
	HeightAt(lat, lon float64) (float64, bool)
}

// ElevationOracleFunc adapts a function to ElevationOracle
type ElevationOracleFunc func(ctx context.Context, points []orb.Point) ([]float64, error)

func (f ElevationOracleFunc) Elevations(ctx context.Context, points []orb.Point) ([]float64, error) {
	return f(ctx, points)
}

// batchRange is a half-open [Start, End) slice of the point set
type batchRange struct {
	Start, End int
}

// splitBatches divides n points into at least minBatches near-equal batches, adding
// more batches when one would exceed maxPoints. Earlier batches take the remainder.
func splitBatches(n, minBatches, maxPoints int) []batchRange {
	if n == 0 {
		return nil
	}
	k := max(minBatches, 1)
	if maxPoints > 0 {
		k = max(k, (n+maxPoints-1)/maxPoints)
	}
	k = min(k, n)

	size, rem := n/k, n%k
	batches := make([]batchRange, 0, k)
	start := 0
	for i := range k {
		end := start + size
		if i < rem {
			end++
		}
		batches = append(batches, batchRange{Start: start, End: end})
		start = end
	}
	return batches
}

// BatchQuerier fans a point set out to an ElevationOracle in bounded-concurrency
// batches
type BatchQuerier struct {
	Oracle      ElevationOracle
	Concurrency int // concurrent batches, also the minimum batch count
	MaxPoints   int // per-request payload limit
}

// Query returns the elevation of every point. Any failed batch or missing value
// fails the whole query with ErrOracleFailure; no partial grids are produced.
func (q *BatchQuerier) Query(ctx context.Context, points []orb.Point) ([]float64, error) {
	if q.Oracle == nil {
		return nil, reject(ErrOracleFailure, nil, "no oracle configured")
	}
	out := make([]float64, len(points))
	batches := splitBatches(len(points), q.Concurrency, q.MaxPoints)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(q.Concurrency, 1))
	for _, b := range batches {
		g.Go(func() error {
			vals, err := q.Oracle.Elevations(gctx, points[b.Start:b.End])
			if err != nil {
				return reject(ErrOracleFailure, err, "batch [%d,%d)", b.Start, b.End)
			}
			if len(vals) != b.End-b.Start {
				return reject(ErrOracleFailure, nil, "batch [%d,%d) returned %d values", b.Start, b.End, len(vals))
			}
			for i, v := range vals {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return reject(ErrOracleFailure, nil, "missing value at point %d", b.Start+i)
				}
			}
			copy(out[b.Start:b.End], vals)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("querying reference elevations: %w", ctx.Err())
		}
		return nil, err
	}
	return out, nil
}

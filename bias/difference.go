package bias

import (
	"context"
	"errors"
	"math"

	"github.com/paulmach/orb"
)

// Builder turns one footprint into its elevation-difference matrix over the
// analysis window
type Builder struct {
	Grid      *LocalGrid
	Querier   *BatchQuerier
	Geoid     GeoidOracle
	Sigma     float64 // smoothing sigma in grid cells
	Threshold float64 // implausibility threshold on |difference|
}

// NewBuilder wires a builder from config and the two oracles
func NewBuilder(cfg *Config, oracle ElevationOracle, geoid GeoidOracle) *Builder {
	return &Builder{
		Grid: NewLocalGrid(cfg.Grid),
		Querier: &BatchQuerier{
			Oracle:      oracle,
			Concurrency: cfg.Oracle.BatchConcurrency,
			MaxPoints:   cfg.Oracle.MaxBatchPoints,
		},
		Geoid:     geoid,
		Sigma:     cfg.SmoothingSigma,
		Threshold: cfg.ImplausibleThreshold,
	}
}

// Build samples the reference surface around fp and returns
// (elevation - geoid) - smoothed reference for every window cell.
//
// Rejections come back as *RejectionError; a cancelled ctx is returned as is.
func (b *Builder) Build(ctx context.Context, fp Footprint) (Matrix, error) {
	if b.Geoid == nil {
		return nil, errors.New("no geoid configured")
	}
	geoidHeight, ok := b.Geoid.HeightAt(fp.Latitude, fp.Longitude)
	if !ok {
		return nil, reject(ErrGeoidOutOfCoverage, nil, "(%.6f, %.6f)", fp.Latitude, fp.Longitude)
	}
	orthometric := fp.Elevation - geoidHeight

	center := orb.Point{fp.Longitude, fp.Latitude}
	nodes := b.Grid.Nodes(center, HeadingFromTangent(fp.SmoothedTangent))

	values, err := b.Querier.Query(ctx, nodes)
	if err != nil {
		return nil, err
	}

	n := b.Grid.Size()
	raw := NewMatrix(n, n)
	for i := range n {
		copy(raw[i], values[i*n:(i+1)*n])
	}

	reference := b.Grid.Crop(GaussianSmooth(raw, b.Sigma))

	return b.difference(orthometric, reference)
}

// difference subtracts reference from the footprint elevation and applies the
// plausibility check
func (b *Builder) difference(elevation float64, reference Matrix) (Matrix, error) {
	out := reference.Clone()
	for i := range out {
		for j, ref := range out[i] {
			out[i][j] = elevation - ref
		}
	}
	if err := CheckPlausible(out, b.Threshold); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckPlausible applies the implausibility rule to an already computed matrix
func CheckPlausible(m Matrix, threshold float64) error {
	for i := range m {
		for j, v := range m[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > threshold {
				return reject(ErrImplausibleDifference, nil, "value %.3f at cell (%d,%d)", v, i, j)
			}
		}
	}
	return nil
}

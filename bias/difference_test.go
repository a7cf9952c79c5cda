package bias

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
)

type noGeoid struct{}

func (noGeoid) HeightAt(lat, lon float64) (float64, bool) { return 0, false }

func constOracle(v float64, calls *atomic.Int32) ElevationOracle {
	return ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		if calls != nil {
			calls.Add(1)
		}
		out := make([]float64, len(points))
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

func smallConfig() *Config {
	cfg := DefaultConfig()
	cfg.Grid = GridConfig{HalfExtent: 5, Buffer: 2, Spacing: 1}
	cfg.Oracle.BatchConcurrency = 2
	return &cfg
}

func TestBuilder_FlatReference(t *testing.T) {
	b := NewBuilder(smallConfig(), constOracle(1200, nil), ConstantGeoid(-30))

	m, err := b.Build(context.Background(), Footprint{Latitude: 35, Longitude: -110, Elevation: 1170, SmoothedTangent: 0.3})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	rows, cols := m.Dims()
	if rows != 11 || cols != 11 {
		t.Fatalf("dims = %dx%d, want 11x11", rows, cols)
	}
	for i := range m {
		for j, v := range m[i] {
			if math.Abs(v) > 1e-9 {
				t.Fatalf("cell (%d,%d) = %v, want 0", i, j, v)
			}
		}
	}
}

func TestBuilder_PositiveWhenFootprintAboveReference(t *testing.T) {
	b := NewBuilder(smallConfig(), constOracle(1200, nil), ConstantGeoid(-30))

	m, err := b.Build(context.Background(), Footprint{Latitude: 35, Longitude: -110, Elevation: 1175})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if math.Abs(m[5][5]-5) > 1e-9 {
		t.Errorf("center = %v, want 5", m[5][5])
	}
}

func TestBuilder_ThresholdIsStrict(t *testing.T) {
	b := NewBuilder(smallConfig(), nil, ConstantGeoid(0))
	reference := NewMatrix(3, 3)
	for i := range reference {
		for j := range reference[i] {
			reference[i][j] = 1200
		}
	}

	tests := []struct {
		elevation float64
		rejected  bool
	}{
		{1220, true},
		{1180, true},
		{1215, false},
		{1185, false},
		{1214.9, false},
		{1215.01, true},
	}

	for _, tt := range tests {
		_, err := b.difference(tt.elevation, reference)
		if got := errors.Is(err, ErrImplausibleDifference); got != tt.rejected {
			t.Errorf("difference(%v) rejected = %v, want %v (err %v)", tt.elevation, got, tt.rejected, err)
		}
	}
}

func TestCheckPlausible_NonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		m := Matrix{{0, v}}
		if err := CheckPlausible(m, 15); !errors.Is(err, ErrImplausibleDifference) {
			t.Errorf("CheckPlausible(%v) = %v, want ErrImplausibleDifference", v, err)
		}
	}
}

func TestBuilder_GeoidOutOfCoverageSkipsOracle(t *testing.T) {
	var calls atomic.Int32
	b := NewBuilder(smallConfig(), constOracle(1200, &calls), noGeoid{})

	_, err := b.Build(context.Background(), Footprint{Latitude: 35, Longitude: -110, Elevation: 1170})
	if !errors.Is(err, ErrGeoidOutOfCoverage) {
		t.Fatalf("err = %v, want ErrGeoidOutOfCoverage", err)
	}
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Errorf("err is not a *RejectionError: %T", err)
	}
	if calls.Load() != 0 {
		t.Errorf("oracle called %d times, want 0", calls.Load())
	}
}

func TestBuilder_OracleFailure(t *testing.T) {
	failing := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		return nil, errors.New("service unavailable")
	})
	b := NewBuilder(smallConfig(), failing, ConstantGeoid(-30))

	_, err := b.Build(context.Background(), Footprint{Latitude: 35, Longitude: -110, Elevation: 1170})
	if !errors.Is(err, ErrOracleFailure) {
		t.Errorf("err = %v, want ErrOracleFailure", err)
	}
}

package bias

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		minBatches int
		maxPoints  int
		wantSizes  []int
	}{
		{"reference grid", 8281, 8, 5000, []int{1036, 1035, 1035, 1035, 1035, 1035, 1035, 1035}},
		{"remainder goes first", 10, 8, 0, []int{2, 2, 1, 1, 1, 1, 1, 1}},
		{"payload limit adds batches", 10, 2, 2, []int{2, 2, 2, 2, 2}},
		{"fewer points than batches", 3, 8, 0, []int{1, 1, 1}},
		{"empty", 0, 8, 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := splitBatches(tt.n, tt.minBatches, tt.maxPoints)
			var sizes []int
			next := 0
			for _, b := range batches {
				assert.Equal(t, next, b.Start, "batches must be contiguous")
				sizes = append(sizes, b.End-b.Start)
				next = b.End
			}
			assert.Equal(t, tt.wantSizes, sizes)
			assert.Equal(t, tt.n, next)
		})
	}
}

func pointsAlong(n int) []orb.Point {
	pts := make([]orb.Point, n)
	for i := range pts {
		pts[i] = orb.Point{float64(i), float64(-i)}
	}
	return pts
}

// lonOracle returns the longitude of every point as its elevation
var lonOracle = ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Lon()
	}
	return out, nil
})

func TestBatchQuerier_PreservesOrder(t *testing.T) {
	q := &BatchQuerier{Oracle: lonOracle, Concurrency: 4, MaxPoints: 7}
	vals, err := q.Query(context.Background(), pointsAlong(101))
	require.NoError(t, err)
	require.Len(t, vals, 101)
	for i, v := range vals {
		assert.Equal(t, float64(i), v)
	}
}

func TestBatchQuerier_RespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	oracle := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return make([]float64, len(points)), nil
	})

	q := &BatchQuerier{Oracle: oracle, Concurrency: 3, MaxPoints: 2}
	_, err := q.Query(context.Background(), pointsAlong(40))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestBatchQuerier_BatchFailureRejects(t *testing.T) {
	var calls atomic.Int32
	oracle := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		calls.Add(1)
		if points[0].Lon() == 0 {
			return nil, errors.New("connection reset")
		}
		return make([]float64, len(points)), nil
	})

	q := &BatchQuerier{Oracle: oracle, Concurrency: 8}
	vals, err := q.Query(context.Background(), pointsAlong(64))
	assert.Nil(t, vals)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleFailure)
	assert.Contains(t, err.Error(), "connection reset")

	var rej *RejectionError
	assert.ErrorAs(t, err, &rej)
}

func TestBatchQuerier_MissingValueRejects(t *testing.T) {
	oracle := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		out := make([]float64, len(points))
		for i, p := range points {
			if p.Lon() == 17 {
				out[i] = math.NaN()
			}
		}
		return out, nil
	})

	q := &BatchQuerier{Oracle: oracle, Concurrency: 2}
	_, err := q.Query(context.Background(), pointsAlong(20))
	assert.ErrorIs(t, err, ErrOracleFailure)
	assert.Contains(t, err.Error(), "point 17")
}

func TestBatchQuerier_ShortResponseRejects(t *testing.T) {
	oracle := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		return make([]float64, len(points)-1), nil
	})
	q := &BatchQuerier{Oracle: oracle, Concurrency: 1}
	_, err := q.Query(context.Background(), pointsAlong(5))
	assert.ErrorIs(t, err, ErrOracleFailure)
}

func TestBatchQuerier_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oracle := ElevationOracleFunc(func(ctx context.Context, points []orb.Point) ([]float64, error) {
		return nil, ctx.Err()
	})
	q := &BatchQuerier{Oracle: oracle, Concurrency: 4}
	_, err := q.Query(ctx, pointsAlong(16))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var rej *RejectionError
	assert.False(t, errors.As(err, &rej), "cancellation is not a footprint rejection")
}

func TestBatchQuerier_NoOracle(t *testing.T) {
	q := &BatchQuerier{}
	_, err := q.Query(context.Background(), pointsAlong(3))
	assert.ErrorIs(t, err, ErrOracleFailure)
}

func TestBatchQuerier_ConcurrentQueries(t *testing.T) {
	q := &BatchQuerier{Oracle: lonOracle, Concurrency: 4}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vals, err := q.Query(context.Background(), pointsAlong(50))
			assert.NoError(t, err)
			assert.Equal(t, 49.0, vals[49])
		}()
	}
	wg.Wait()
}

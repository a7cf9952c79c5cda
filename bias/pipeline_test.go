package bias

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAcquisition = "GEDI02_A_2019_O1"
	testGeoidHeight = -25.0
)

var pipelineKey = ArtifactKey{Acquisition: testAcquisition, Beam: "BEAM0000"}

// bowl is the synthetic elevation difference every valid footprint sees:
// an inverted Gaussian centered at (2, -1) with bias 8
func bowl(x, y float64) float64 {
	return BiasModel{OffsetX: 2, OffsetY: -1, SpreadX: 4, SpreadY: 4, Amplitude: 2}.Eval(x, y, 5)
}

// surfaceOracle serves reference elevations that reproduce bowl around a known
// set of footprints. Points it has no data for fail the request.
type surfaceOracle struct {
	ref   map[orb.Point]float64
	calls atomic.Int32
}

func newSurfaceOracle(cfg *Config, fps ...Footprint) *surfaceOracle {
	o := &surfaceOracle{ref: make(map[orb.Point]float64)}
	g := NewLocalGrid(cfg.Grid)
	n := g.Size()
	for _, fp := range fps {
		nodes := g.Nodes(orb.Point{fp.Longitude, fp.Latitude}, HeadingFromTangent(fp.SmoothedTangent))
		for i := range n {
			for j := range n {
				o.ref[nodes[i*n+j]] = (fp.Elevation - testGeoidHeight) - bowl(g.Axis[j], g.Axis[i])
			}
		}
	}
	return o
}

func (o *surfaceOracle) Elevations(ctx context.Context, points []orb.Point) ([]float64, error) {
	o.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(points))
	for i, p := range points {
		v, ok := o.ref[p]
		if !ok {
			return nil, errors.New("no reference data")
		}
		out[i] = v
	}
	return out, nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) PublishResult(r BeamResult) error {
	return m.Called(r).Error(0)
}

func (m *mockSink) PublishSummary(s RunSummary) error {
	return m.Called(s).Error(0)
}

func pipelineConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Beams = []string{"BEAM0000"}
	cfg.Grid = GridConfig{HalfExtent: 10, Buffer: 2, Spacing: 1}
	cfg.SmoothingSigma = 0
	cfg.FootprintWorkers = 2
	cfg.BeamWorkers = 1
	return &cfg
}

// writeBeamTable writes three good footprints, one the oracle has no data for
// and one of the wrong land-cover class
func writeBeamTable(t *testing.T, cfg *Config) (good []Footprint) {
	t.Helper()
	good = []Footprint{
		{Latitude: 35.00, Longitude: -110, Elevation: 1500, SmoothedTangent: 0.2, LandCover: 60},
		{Latitude: 35.01, Longitude: -110, Elevation: 1510, SmoothedTangent: 0.2, LandCover: 60},
		{Latitude: 35.02, Longitude: -110, Elevation: 1495, SmoothedTangent: -0.1, LandCover: 60},
	}
	all := append(append([]Footprint(nil), good...),
		Footprint{Latitude: 35.03, Longitude: -110, Elevation: 1500, LandCover: 60},
		Footprint{Latitude: 35.04, Longitude: -110, Elevation: 1500, LandCover: 10},
	)

	dir := filepath.Join(cfg.DataDir, testAcquisition)
	require.NoError(t, os.MkdirAll(dir, 0755))
	f, err := os.Create(filepath.Join(dir, "BEAM0000"+FilteredTableSuffix))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.NoError(t, WriteFootprints(f, all))
	return good
}

func dropResult(t *testing.T, store ArtifactStore, key ArtifactKey) {
	t.Helper()
	switch s := store.(type) {
	case *FileStore:
		require.NoError(t, os.Remove(s.resultPath(key)))
	case *SQLiteStore:
		_, err := s.db.Exec(`DELETE FROM beam_results WHERE acquisition = ? AND beam = ?`, key.Acquisition, key.Beam)
		require.NoError(t, err)
	default:
		t.Fatalf("unknown store %T", store)
	}
}

func assertBowlResult(t *testing.T, r BeamResult) {
	t.Helper()
	assert.Equal(t, pipelineKey, r.Key())
	assert.Equal(t, 3, r.SampleCount)
	assert.InDelta(t, 2.0, r.AdjustedX, 0.05)
	assert.InDelta(t, -1.0, r.AdjustedY, 0.05)
	assert.InDelta(t, 8.0, r.Bias, 1e-3)
	assert.Less(t, r.RMSE, 1e-3)
	assert.Equal(t, 2.0, r.InitX)
	assert.Equal(t, -1.0, r.InitY)
}

func TestPipeline_EndToEnd(t *testing.T) {
	for _, sf := range storeFactories() {
		t.Run(sf.name, func(t *testing.T) {
			cfg := pipelineConfig(t)
			good := writeBeamTable(t, cfg)
			store := sf.open(t)
			defer func() { _ = store.Close() }()

			oracle := newSurfaceOracle(cfg, good...)
			p := NewPipeline(cfg, oracle, ConstantGeoid(testGeoidHeight), store)
			sink := &mockSink{}
			sink.On("PublishResult", mock.MatchedBy(func(r BeamResult) bool { return r.SampleCount == 3 })).Return(nil).Once()
			sink.On("PublishSummary", mock.MatchedBy(func(s RunSummary) bool { return s.BeamCount == 1 })).Return(nil).Once()
			p.SetSink(sink)

			summary, err := p.Run(context.Background(), ModeFull)
			require.NoError(t, err)
			require.Len(t, summary.Results, 1)
			assertBowlResult(t, summary.Results[0])
			assert.Equal(t, "full", summary.Mode)
			sink.AssertExpectations(t)

			progress, ok := p.Progress.Get(pipelineKey)
			require.True(t, ok)
			assert.Equal(t, StageDone, progress.Stage)
			assert.Equal(t, 4, progress.Total)
			assert.Equal(t, 3, progress.Valid)
			assert.Equal(t, 1, progress.Invalid)
			assert.Equal(t, map[string]int{"oracle_failure": 1}, progress.Rejections)

			stored, err := store.LoadResult(pipelineKey)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assertBowlResult(t, *stored)

			fitted, err := store.LoadFittedSurface(pipelineKey)
			require.NoError(t, err)
			rows, cols := fitted.Dims()
			assert.Equal(t, 21, rows)
			assert.Equal(t, 21, cols)

			// a second run finds the result and never touches the oracle
			counting := newSurfaceOracle(cfg)
			again := NewPipeline(cfg, counting, ConstantGeoid(testGeoidHeight), store)
			summary, err = again.Run(context.Background(), ModeFull)
			require.NoError(t, err)
			require.Len(t, summary.Results, 1)
			assertBowlResult(t, summary.Results[0])
			assert.Zero(t, counting.calls.Load())
			skipped, _ := again.Progress.Get(pipelineKey)
			assert.Equal(t, StageSkipped, skipped.Stage)

			// without the result, the fit is rebuilt from the stored stacks
			dropResult(t, store, pipelineKey)
			rebuilt := NewPipeline(cfg, counting, ConstantGeoid(testGeoidHeight), store)
			summary, err = rebuilt.Run(context.Background(), ModeFull)
			require.NoError(t, err)
			require.Len(t, summary.Results, 1)
			assertBowlResult(t, summary.Results[0])
			assert.Zero(t, counting.calls.Load())
		})
	}
}

func TestPipeline_TableWithoutLandCover(t *testing.T) {
	cfg := pipelineConfig(t)
	require.Equal(t, 60, cfg.LandCover)
	good := []Footprint{
		{Latitude: 35.00, Longitude: -110, Elevation: 1500, SmoothedTangent: 0.2, LandCover: UnknownLandCover},
		{Latitude: 35.01, Longitude: -110, Elevation: 1510, SmoothedTangent: 0.2, LandCover: UnknownLandCover},
		{Latitude: 35.02, Longitude: -110, Elevation: 1495, SmoothedTangent: -0.1, LandCover: UnknownLandCover},
	}
	table := "Latitude,Longitude,Elevation,Instantaneous_Tan,Smoothed_Tan\n" +
		"35.00,-110,1500,0.2,0.2\n" +
		"35.01,-110,1510,0.2,0.2\n" +
		"35.02,-110,1495,-0.1,-0.1\n"
	dir := filepath.Join(cfg.DataDir, testAcquisition)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BEAM0000"+FilteredTableSuffix), []byte(table), 0644))

	p := NewPipeline(cfg, newSurfaceOracle(cfg, good...), ConstantGeoid(testGeoidHeight), NewFileStore(t.TempDir()))
	summary, err := p.Run(context.Background(), ModeFull)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assertBowlResult(t, summary.Results[0])

	progress, _ := p.Progress.Get(pipelineKey)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 3, progress.Valid)
}

func TestPipeline_EstimateThenFit(t *testing.T) {
	cfg := pipelineConfig(t)
	good := writeBeamTable(t, cfg)
	store := NewFileStore(cfg.DataDir)
	geoid := ConstantGeoid(testGeoidHeight)

	est := NewPipeline(cfg, newSurfaceOracle(cfg, good...), geoid, store)
	summary, err := est.Run(context.Background(), ModeEstimate)
	require.NoError(t, err)
	assert.Empty(t, summary.Results)

	ok, err := store.HasStacks(pipelineKey)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.HasResult(pipelineKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// estimating again skips the stored stacks
	counting := newSurfaceOracle(cfg)
	_, err = NewPipeline(cfg, counting, geoid, store).Run(context.Background(), ModeEstimate)
	require.NoError(t, err)
	assert.Zero(t, counting.calls.Load())

	fit := NewPipeline(cfg, counting, geoid, store)
	summary, err = fit.Run(context.Background(), ModeFit)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assertBowlResult(t, summary.Results[0])
	assert.Zero(t, counting.calls.Load())
}

func TestPipeline_FitWithoutStacks(t *testing.T) {
	cfg := pipelineConfig(t)
	writeBeamTable(t, cfg)
	oracle := newSurfaceOracle(cfg)

	p := NewPipeline(cfg, oracle, ConstantGeoid(testGeoidHeight), NewFileStore(cfg.DataDir))
	summary, err := p.Run(context.Background(), ModeFit)
	require.NoError(t, err)
	assert.Empty(t, summary.Results)
	assert.Zero(t, oracle.calls.Load())

	progress, _ := p.Progress.Get(pipelineKey)
	assert.Equal(t, StageNoData, progress.Stage)
}

func TestPipeline_NoValidFootprints(t *testing.T) {
	cfg := pipelineConfig(t)
	writeBeamTable(t, cfg)
	store := NewFileStore(cfg.DataDir)

	// the oracle knows none of the footprints
	p := NewPipeline(cfg, newSurfaceOracle(cfg), ConstantGeoid(testGeoidHeight), store)
	summary, err := p.Run(context.Background(), ModeFull)
	require.NoError(t, err)
	assert.Empty(t, summary.Results)

	progress, _ := p.Progress.Get(pipelineKey)
	assert.Equal(t, StageNoData, progress.Stage)
	assert.Equal(t, 4, progress.Invalid)

	// the empty stacks are a checkpoint too
	ok, err := store.HasStacks(pipelineKey)
	require.NoError(t, err)
	assert.True(t, ok)

	counting := newSurfaceOracle(cfg)
	again := NewPipeline(cfg, counting, ConstantGeoid(testGeoidHeight), store)
	summary, err = again.Run(context.Background(), ModeFull)
	require.NoError(t, err)
	assert.Empty(t, summary.Results)
	assert.Zero(t, counting.calls.Load())
}

func TestPipeline_GeoidOutOfCoverage(t *testing.T) {
	cfg := pipelineConfig(t)
	good := writeBeamTable(t, cfg)
	oracle := newSurfaceOracle(cfg, good...)

	p := NewPipeline(cfg, oracle, noGeoid{}, NewFileStore(cfg.DataDir))
	_, err := p.Run(context.Background(), ModeFull)
	require.NoError(t, err)

	progress, _ := p.Progress.Get(pipelineKey)
	assert.Equal(t, 4, progress.Rejections["geoid_out_of_coverage"])
	assert.Zero(t, oracle.calls.Load())
}

func TestPipeline_CancelledRunKeepsNoStacks(t *testing.T) {
	cfg := pipelineConfig(t)
	good := writeBeamTable(t, cfg)
	store := NewFileStore(cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(cfg, newSurfaceOracle(cfg, good...), ConstantGeoid(testGeoidHeight), store)
	_, err := p.Run(ctx, ModeFull)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	ok, err := store.HasStacks(pipelineKey)
	require.NoError(t, err)
	assert.False(t, ok)

	progress, _ := p.Progress.Get(pipelineKey)
	assert.Equal(t, StageFailed, progress.Stage)
}

func TestPipeline_MissingDataDir(t *testing.T) {
	cfg := pipelineConfig(t)
	cfg.DataDir = filepath.Join(cfg.DataDir, "missing")
	p := NewPipeline(cfg, nil, ConstantGeoid(0), NewFileStore(t.TempDir()))
	_, err := p.Run(context.Background(), ModeFull)
	assert.Error(t, err)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "full", ModeFull.String())
	assert.Equal(t, "estimate", ModeEstimate.String())
	assert.Equal(t, "fit", ModeFit.String())
}

func TestBowlIsPlausible(t *testing.T) {
	// the synthetic surface must stay under the default threshold
	for _, x := range axisRange(12, 1) {
		for _, y := range axisRange(12, 1) {
			if v := bowl(x, y); v > 15 || v < 0 || math.IsNaN(v) {
				t.Fatalf("bowl(%v, %v) = %v", x, y, v)
			}
		}
	}
}

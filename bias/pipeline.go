package bias

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Mode selects which stages a run executes
type Mode int

const (
	// ModeFull computes difference stacks where missing, then fits
	ModeFull Mode = iota
	// ModeEstimate only computes and stores difference stacks
	ModeEstimate
	// ModeFit only fits beams whose stacks are already stored
	ModeFit
)

func (m Mode) String() string {
	switch m {
	case ModeEstimate:
		return "estimate"
	case ModeFit:
		return "fit"
	default:
		return "full"
	}
}

// progressEvery is how often (in footprints) a beam logs its progress
const progressEvery = 10

// ResultSink receives results as beams finish
type ResultSink interface {
	PublishResult(result BeamResult) error
	PublishSummary(summary RunSummary) error
}

// RunSummary describes a finished run
type RunSummary struct {
	Mode      string         `json:"mode"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
	Results   []BeamResult   `json:"results"`
	Progress  []BeamProgress `json:"progress"`
	BeamCount int            `json:"beamCount"`
}

// Pipeline runs the difference and fit stages over every beam table of a data
// directory. Completed stages are detected through the store and skipped.
type Pipeline struct {
	cfg      *Config
	builder  *Builder
	fitter   *Fitter
	store    ArtifactStore
	sink     ResultSink
	Progress *ProgressTracker
}

// NewPipeline wires a pipeline from config, the two oracles and a store
func NewPipeline(cfg *Config, oracle ElevationOracle, geoid GeoidOracle, store ArtifactStore) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		builder:  NewBuilder(cfg, oracle, geoid),
		fitter:   NewFitter(cfg),
		store:    store,
		Progress: NewProgressTracker(),
	}
}

// SetSink registers where finished results are published. nil disables publishing.
func (p *Pipeline) SetSink(sink ResultSink) {
	p.sink = sink
}

// Run processes every beam table found under the data directory. Rejected
// footprints, beams without data and failed fits are logged and tallied; only
// structural failures (unreadable tables, store I/O, cancellation) are returned.
func (p *Pipeline) Run(ctx context.Context, mode Mode) (*RunSummary, error) {
	started := time.Now()

	tables, err := DiscoverBeamTables(p.cfg.DataDir, p.cfg.Beams)
	if err != nil {
		return nil, err
	}
	log.Printf("[PIPELINE] %s run over %d beam tables in %s", mode, len(tables), p.cfg.DataDir)

	var (
		mu      sync.Mutex
		results []BeamResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BeamWorkers)
	for _, table := range tables {
		p.Progress.SetStage(table.Key, StagePending)
		g.Go(func() error {
			r, err := p.ProcessBeam(gctx, table, mode)
			if err != nil {
				return fmt.Errorf("%s: %w", table.Key, err)
			}
			if r != nil {
				mu.Lock()
				results = append(results, *r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key().String() < results[j].Key().String()
	})

	summary := &RunSummary{
		Mode:      mode.String(),
		Started:   started,
		Finished:  time.Now(),
		Results:   results,
		Progress:  p.Progress.Snapshot(),
		BeamCount: len(tables),
	}
	if p.sink != nil {
		if err := p.sink.PublishSummary(*summary); err != nil {
			log.Printf("[PIPELINE] Failed to publish run summary: %v", err)
		}
	}
	log.Printf("[PIPELINE] %s run finished: %d results from %d beams in %s",
		mode, len(results), len(tables), summary.Finished.Sub(started).Round(time.Millisecond))
	return summary, nil
}

// ProcessBeam runs the stages selected by mode for one beam table. It returns the
// beam's result when one exists after the run, or nil.
func (p *Pipeline) ProcessBeam(ctx context.Context, table BeamTable, mode Mode) (*BeamResult, error) {
	key := table.Key

	if mode != ModeEstimate {
		done, err := p.store.HasResult(key)
		if err != nil {
			return nil, fmt.Errorf("checking result: %w", err)
		}
		if done {
			log.Printf("[PIPELINE] %s: result already stored, skipping", key)
			p.Progress.SetStage(key, StageSkipped)
			return p.store.LoadResult(key)
		}
	}

	hasStacks, err := p.store.HasStacks(key)
	if err != nil {
		return nil, fmt.Errorf("checking stacks: %w", err)
	}

	var surface *AggregateSurface
	switch {
	case hasStacks && mode == ModeEstimate:
		log.Printf("[PIPELINE] %s: difference stacks already stored, skipping", key)
		p.Progress.SetStage(key, StageSkipped)
		return nil, nil
	case hasStacks:
		log.Printf("[PIPELINE] %s: rebuilding aggregate from stored stacks", key)
		surface, err = p.LoadAggregate(key)
	case mode == ModeFit:
		log.Printf("[PIPELINE] %s: no difference stacks stored, nothing to fit", key)
		p.Progress.SetStage(key, StageNoData)
		return nil, nil
	default:
		surface, err = p.EstimateBeam(ctx, table)
	}

	if errors.Is(err, ErrInsufficientData) {
		log.Printf("[PIPELINE] %s: no valid footprints, skipping fit", key)
		p.Progress.SetStage(key, StageNoData)
		return nil, nil
	}
	if err != nil {
		p.Progress.Fail(key, err)
		return nil, err
	}
	if mode == ModeEstimate {
		p.Progress.SetStage(key, StageDone)
		return nil, nil
	}

	p.Progress.SetStage(key, StageFitting)
	result, err := p.FitBeam(key, surface)
	if errors.Is(err, ErrFitFailed) {
		log.Printf("[PIPELINE] %s: %v", key, err)
		p.Progress.Fail(key, err)
		return nil, nil
	}
	if err != nil {
		p.Progress.Fail(key, err)
		return nil, err
	}
	p.Progress.SetStage(key, StageDone)

	log.Printf("[PIPELINE] %s: n=%d bias=%.3f rmse=%.4f offset=(%.2f, %.2f)",
		key, result.SampleCount, result.Bias, result.RMSE, result.AdjustedX, result.AdjustedY)

	if p.sink != nil {
		if err := p.sink.PublishResult(*result); err != nil {
			log.Printf("[PIPELINE] %s: failed to publish result: %v", key, err)
		}
	}
	return result, nil
}

// EstimateBeam computes the difference matrix of every footprint in the table,
// streams the valid ones into the store and returns their aggregate. The stacks
// are committed even when no footprint was valid, so the stage is not repeated.
func (p *Pipeline) EstimateBeam(ctx context.Context, table BeamTable) (*AggregateSurface, error) {
	key := table.Key
	p.Progress.SetStage(key, StageDifferences)

	footprints, err := LoadFootprints(table.Path)
	if err != nil {
		return nil, err
	}
	footprints = FilterFootprints(footprints, CoverageBound(p.cfg.Coverage), p.cfg.LandCover)
	total := len(footprints)
	p.Progress.SetTotal(key, total)
	log.Printf("[PIPELINE] %s: %d footprints to process", key, total)

	writer, err := p.store.BeginStacks(key)
	if err != nil {
		return nil, fmt.Errorf("opening stacks: %w", err)
	}
	agg := NewAggregator(p.builder.Grid.WindowAxis())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FootprintWorkers)
	for idx, fp := range footprints {
		g.Go(func() error {
			m, err := p.builder.Build(gctx, fp)
			var processed int
			if err != nil {
				var rej *RejectionError
				if !errors.As(err, &rej) {
					return err
				}
				processed = p.Progress.RecordInvalid(key, err)
				log.Printf("[PIPELINE] %s: footprint %d rejected: %v", key, idx, err)
			} else {
				if err := writer.Append(m); err != nil {
					return fmt.Errorf("appending to stack: %w", err)
				}
				if err := agg.Add(m); err != nil {
					return err
				}
				processed = p.Progress.RecordValid(key)
			}
			if processed%progressEvery == 0 {
				log.Printf("[PIPELINE] %s: %d/%d footprints processed (%d valid)", key, processed, total, agg.Count())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = writer.Abort()
		return nil, err
	}
	if err := writer.Commit(); err != nil {
		return nil, fmt.Errorf("committing stacks: %w", err)
	}

	log.Printf("[PIPELINE] %s: %d of %d footprints valid", key, agg.Count(), total)
	return agg.Finalize()
}

// LoadAggregate rebuilds the aggregate of a beam from its stored difference stack
func (p *Pipeline) LoadAggregate(key ArtifactKey) (*AggregateSurface, error) {
	agg := NewAggregator(p.builder.Grid.WindowAxis())
	if err := p.store.ReadStack(key, agg.Add); err != nil {
		return nil, fmt.Errorf("reading stored stack: %w", err)
	}
	return agg.Finalize()
}

// FitBeam fits the bias model to the beam's absolute aggregate and stores the
// fitted surface together with the result
func (p *Pipeline) FitBeam(key ArtifactKey, surface *AggregateSurface) (*BeamResult, error) {
	initX, initY := InitialGuess(surface)
	fit, err := p.fitter.Fit(surface.AbsMean, surface.Axis, initX, initY)
	if err != nil {
		return nil, err
	}
	result := AssembleResult(key, surface, initX, initY, fit)
	if err := p.store.SaveFit(key, fit.Surface, result); err != nil {
		return nil, fmt.Errorf("saving fit: %w", err)
	}
	return &result, nil
}

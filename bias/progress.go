package bias

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Stage is the processing state of one beam
type Stage string

const (
	StagePending     Stage = "pending"
	StageDifferences Stage = "differences"
	StageFitting     Stage = "fitting"
	StageDone        Stage = "done"
	StageSkipped     Stage = "skipped" // result already stored
	StageNoData      Stage = "no_data"
	StageFailed      Stage = "failed"
)

// BeamProgress is a snapshot of one beam's tallies
type BeamProgress struct {
	Acquisition string         `json:"acquisition"`
	Beam        string         `json:"beam"`
	Stage       Stage          `json:"stage"`
	Total       int            `json:"total"`
	Valid       int            `json:"valid"`
	Invalid     int            `json:"invalid"`
	Rejections  map[string]int `json:"rejections,omitempty"`
	Error       string         `json:"error,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ProgressTracker keeps valid and invalid footprint tallies per beam for the
// status endpoint and the run log
type ProgressTracker struct {
	mu    sync.RWMutex
	beams map[ArtifactKey]*BeamProgress
}

// NewProgressTracker creates an empty tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{beams: make(map[ArtifactKey]*BeamProgress)}
}

func (pt *ProgressTracker) entry(key ArtifactKey) *BeamProgress {
	p, ok := pt.beams[key]
	if !ok {
		p = &BeamProgress{
			Acquisition: key.Acquisition,
			Beam:        key.Beam,
			Stage:       StagePending,
		}
		pt.beams[key] = p
	}
	return p
}

// SetStage records the stage a beam entered
func (pt *ProgressTracker) SetStage(key ArtifactKey, stage Stage) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.entry(key)
	p.Stage = stage
	p.UpdatedAt = time.Now()
}

// SetTotal records how many footprints the beam's table holds after filtering
func (pt *ProgressTracker) SetTotal(key ArtifactKey, total int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.entry(key)
	p.Total = total
	p.UpdatedAt = time.Now()
}

// RecordValid counts a footprint that produced a difference matrix and returns
// the running number of processed footprints
func (pt *ProgressTracker) RecordValid(key ArtifactKey) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.entry(key)
	p.Valid++
	p.UpdatedAt = time.Now()
	return p.Valid + p.Invalid
}

// RecordInvalid counts a rejected footprint under its rejection reason and
// returns the running number of processed footprints
func (pt *ProgressTracker) RecordInvalid(key ArtifactKey, err error) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.entry(key)
	p.Invalid++
	if p.Rejections == nil {
		p.Rejections = make(map[string]int)
	}
	p.Rejections[rejectionLabel(err)]++
	p.UpdatedAt = time.Now()
	return p.Valid + p.Invalid
}

// Fail marks the beam as failed with err
func (pt *ProgressTracker) Fail(key ArtifactKey, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.entry(key)
	p.Stage = StageFailed
	if err != nil {
		p.Error = err.Error()
	}
	p.UpdatedAt = time.Now()
}

// Get returns a copy of the beam's progress
func (pt *ProgressTracker) Get(key ArtifactKey) (BeamProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.beams[key]
	if !ok {
		return BeamProgress{}, false
	}
	return copyProgress(p), true
}

// Snapshot returns copies of every tracked beam ordered by acquisition and beam
func (pt *ProgressTracker) Snapshot() []BeamProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]BeamProgress, 0, len(pt.beams))
	for _, p := range pt.beams {
		out = append(out, copyProgress(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Acquisition != out[j].Acquisition {
			return out[i].Acquisition < out[j].Acquisition
		}
		return out[i].Beam < out[j].Beam
	})
	return out
}

func copyProgress(p *BeamProgress) BeamProgress {
	c := *p
	if p.Rejections != nil {
		c.Rejections = make(map[string]int, len(p.Rejections))
		for k, v := range p.Rejections {
			c.Rejections[k] = v
		}
	}
	return c
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, ErrOracleFailure):
		return "oracle_failure"
	case errors.Is(err, ErrGeoidOutOfCoverage):
		return "geoid_out_of_coverage"
	case errors.Is(err, ErrImplausibleDifference):
		return "implausible_difference"
	default:
		return "other"
	}
}

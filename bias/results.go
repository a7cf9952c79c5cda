package bias

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// resultsHeader is the column layout of results_<beam>.csv
var resultsHeader = []string{"Label", "n", "bias", "minRMSE", "init_x", "init_y", "adjusted_x", "adjusted_y"}

// AssembleResult packages a successful fit into the record kept for reporting
func AssembleResult(key ArtifactKey, surface *AggregateSurface, initX, initY float64, fit *FitResult) BeamResult {
	return BeamResult{
		Acquisition: key.Acquisition,
		Beam:        key.Beam,
		SampleCount: surface.Count,
		Bias:        fit.Bias,
		RMSE:        fit.RMSE,
		InitX:       initX,
		InitY:       initY,
		AdjustedX:   fit.Model.OffsetX,
		AdjustedY:   fit.Model.OffsetY,
	}
}

// WriteResultsCSV writes results with a header row
func WriteResultsCSV(w io.Writer, results ...BeamResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultsHeader); err != nil {
		return fmt.Errorf("writing results header: %w", err)
	}
	for _, r := range results {
		rec := []string{
			r.Beam,
			strconv.Itoa(r.SampleCount),
			formatFloat(r.Bias),
			formatFloat(r.RMSE),
			formatFloat(r.InitX),
			formatFloat(r.InitY),
			formatFloat(r.AdjustedX),
			formatFloat(r.AdjustedY),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing result for %s: %w", r.Beam, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadResultsCSV parses a results table. The acquisition is not part of the table
// and is filled in from the argument.
func ReadResultsCSV(r io.Reader, acquisition string) ([]BeamResult, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading results header: %w", err)
	}
	if len(header) != len(resultsHeader) {
		return nil, fmt.Errorf("results header has %d columns, want %d", len(header), len(resultsHeader))
	}

	var out []BeamResult
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading results row: %w", err)
		}

		n, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("parsing n for %s: %w", rec[0], err)
		}
		var vals [6]float64
		for i := range vals {
			if vals[i], err = strconv.ParseFloat(rec[i+2], 64); err != nil {
				return nil, fmt.Errorf("parsing %s for %s: %w", resultsHeader[i+2], rec[0], err)
			}
		}
		out = append(out, BeamResult{
			Acquisition: acquisition,
			Beam:        rec[0],
			SampleCount: n,
			Bias:        vals[0],
			RMSE:        vals[1],
			InitX:       vals[2],
			InitY:       vals[3],
			AdjustedX:   vals[4],
			AdjustedY:   vals[5],
		})
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

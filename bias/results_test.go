package bias

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAssembleResult(t *testing.T) {
	key := ArtifactKey{Acquisition: "GEDI02_A_2019_O1", Beam: "BEAM0101"}
	surface := &AggregateSurface{Count: 42}
	fit := &FitResult{
		Model: BiasModel{OffsetX: 2.5, OffsetY: -1.25, SpreadX: 6, SpreadY: 7, Amplitude: 1.1},
		Bias:  4.4,
		RMSE:  0.031,
	}

	got := AssembleResult(key, surface, 3, -1, fit)
	want := BeamResult{
		Acquisition: "GEDI02_A_2019_O1",
		Beam:        "BEAM0101",
		SampleCount: 42,
		Bias:        4.4,
		RMSE:        0.031,
		InitX:       3,
		InitY:       -1,
		AdjustedX:   2.5,
		AdjustedY:   -1.25,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AssembleResult() mismatch (-want +got):\n%s", diff)
	}
}

func TestResultsCSV(t *testing.T) {
	results := []BeamResult{
		{Acquisition: "acq", Beam: "BEAM0000", SampleCount: 120, Bias: 4.12, RMSE: 0.05, InitX: -2, InitY: 3, AdjustedX: -1.7, AdjustedY: 2.9},
		{Acquisition: "acq", Beam: "BEAM0001", SampleCount: 7, Bias: 3.9, RMSE: 0.2, InitX: 0, InitY: 0, AdjustedX: 0.25, AdjustedY: -0.5},
	}

	var buf bytes.Buffer
	if err := WriteResultsCSV(&buf, results...); err != nil {
		t.Fatalf("WriteResultsCSV() error: %v", err)
	}

	firstLine := strings.SplitN(buf.String(), "\n", 2)[0]
	if firstLine != "Label,n,bias,minRMSE,init_x,init_y,adjusted_x,adjusted_y" {
		t.Errorf("header = %q", firstLine)
	}

	got, err := ReadResultsCSV(&buf, "acq")
	if err != nil {
		t.Fatalf("ReadResultsCSV() error: %v", err)
	}
	if diff := cmp.Diff(results, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestReadResultsCSV_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":        "",
		"short header": "Label,n\n",
		"bad n":        "Label,n,bias,minRMSE,init_x,init_y,adjusted_x,adjusted_y\nBEAM0000,x,1,1,1,1,1,1\n",
		"bad float":    "Label,n,bias,minRMSE,init_x,init_y,adjusted_x,adjusted_y\nBEAM0000,1,1,nope,1,1,1,1\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadResultsCSV(strings.NewReader(data), "acq"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	sArg   string
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunEstimate() error           { m.called["RunEstimate"] = true; return m.err }
func (m *mockApp) RunFit() error                { m.called["RunFit"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }
func (m *mockApp) RunExportGrid(s string) error {
	m.called["RunExportGrid"] = true
	m.sArg = s
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Estimate",
			args:           []string{"--estimate", "--data-dir", "/tmp/data", "--oracle-url", "http://localhost:9000"},
			expectedCalled: "RunEstimate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.DataDir != "/tmp/data" {
					t.Errorf("expected DataDir /tmp/data, got %s", opts.DataDir)
				}
				if opts.OracleURL != "http://localhost:9000" {
					t.Errorf("expected OracleURL http://localhost:9000, got %s", opts.OracleURL)
				}
				if !opts.EstimateOnly {
					t.Error("expected EstimateOnly true")
				}
			},
		},
		{
			name:           "Fit",
			args:           []string{"--fit", "--store", "sqlite", "--store-path", "artifacts.db"},
			expectedCalled: "RunFit",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.StoreKind != "sqlite" {
					t.Errorf("expected StoreKind sqlite, got %s", opts.StoreKind)
				}
				if opts.StorePath != "artifacts.db" {
					t.Errorf("expected StorePath artifacts.db, got %s", opts.StorePath)
				}
				if !opts.FitOnly {
					t.Error("expected FitOnly true")
				}
			},
		},
		{
			name:           "ExportGrid",
			args:           []string{"--export-grid", "data/acq/BEAM0000_Filtered_data.csv", "--footprint", "12", "--output", "fp.geojson"},
			expectedCalled: "RunExportGrid",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Footprint != 12 {
					t.Errorf("expected Footprint 12, got %d", opts.Footprint)
				}
				if opts.OutputFile != "fp.geojson" {
					t.Errorf("expected OutputFile fp.geojson, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http", "--http-port", "9090", "--geoid", "g2012bu0.bin"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.GeoidFile != "g2012bu0.bin" {
					t.Errorf("expected GeoidFile g2012bu0.bin, got %s", opts.GeoidFile)
				}
			},
		},
		{
			name:           "Defaults",
			args:           []string{},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected ConfigFile config.yaml, got %s", opts.ConfigFile)
				}
				if opts.OutputFile != "grid.geojson" {
					t.Errorf("expected OutputFile grid.geojson, got %s", opts.OutputFile)
				}
				if opts.HttpPort != 8080 {
					t.Errorf("expected HttpPort 8080, got %d", opts.HttpPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one entry point, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_ExportGridArgument(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--export-grid", "table.csv", "--estimate"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.sArg != "table.csv" {
		t.Errorf("expected table.csv, got %s", app.sArg)
	}
	if app.called["RunEstimate"] {
		t.Error("--export-grid should take precedence")
	}
}

func TestRun_EstimateAndFitConflict(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--estimate", "--fit"}, &out, app)
	if err == nil {
		t.Fatal("expected error for --estimate with --fit")
	}
	if len(app.called) != 0 {
		t.Errorf("nothing should run, got %v", app.called)
	}
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("oracle unreachable")
	var out bytes.Buffer
	err := run([]string{"--fit"}, &out, app)
	if !errors.Is(err, app.err) {
		t.Errorf("expected app error, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of gedi-bias") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--render"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "gedi-bias version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "gedi-bias run starting...") {
		t.Errorf("expected output to contain run starting message, got: %s", out.String())
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}

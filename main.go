package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	DataDir    string
	StoreKind  string
	StorePath  string
	GeoidFile  string
	OracleURL  string

	EstimateOnly bool
	FitOnly      bool
	ExportGrid   string
	Footprint    int
	OutputFile   string

	HttpMode bool
	HttpPort int
	MqttMode bool
}

// Runner is the set of entry points the command line dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEstimate() error
	RunFit() error
	RunExportGrid(table string) error
	RunService() error
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("gedi-bias", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Directory holding <acquisition>/<BEAM>_Filtered_data.csv tables (overrides config)")
	fs.StringVar(&opts.StoreKind, "store", "", "Artifact store: file or sqlite (overrides config)")
	fs.StringVar(&opts.StorePath, "store-path", "", "Artifact directory or database file (overrides config)")
	fs.StringVar(&opts.GeoidFile, "geoid", "", "Path to the geoid grid file (overrides config)")
	fs.StringVar(&opts.OracleURL, "oracle-url", "", "Reference elevation service URL (overrides config)")
	fs.BoolVar(&opts.EstimateOnly, "estimate", false, "Only compute and store difference stacks")
	fs.BoolVar(&opts.FitOnly, "fit", false, "Only fit beams whose difference stacks are stored")
	fs.StringVar(&opts.ExportGrid, "export-grid", "", "Write the sampling grid of one footprint of this table as GeoJSON and exit")
	fs.IntVar(&opts.Footprint, "footprint", 0, "Row index of the footprint for --export-grid")
	fs.StringVar(&opts.OutputFile, "output", "grid.geojson", "Output file for --export-grid")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve /health, /progress and /results while running")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish beam results to the configured MQTT broker")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.EstimateOnly && opts.FitOnly {
		return fmt.Errorf("--estimate and --fit are mutually exclusive")
	}

	_, _ = fmt.Fprintf(out, "gedi-bias version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ExportGrid != "":
		return app.RunExportGrid(opts.ExportGrid)
	case opts.EstimateOnly:
		return app.RunEstimate()
	case opts.FitOnly:
		return app.RunFit()
	default:
		_, _ = fmt.Fprintln(out, "gedi-bias run starting...")
		return app.RunService()
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

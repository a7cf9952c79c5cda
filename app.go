package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LobstyuII/GEDI-elev-correction/bias"
)

const (
	defaultConfigFile = "config.yaml"
	mqttConnectWait   = 30 * time.Second
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *bias.Config
	Store      bias.ArtifactStore
	Pipeline   *bias.Pipeline
	MQTTClient *bias.MQTTClient
	Publisher  *bias.ResultPublisher

	// CLI options
	ConfigFile string
	DataDir    string
	StoreKind  string
	StorePath  string
	GeoidFile  string
	OracleURL  string
	OutputFile string
	Footprint  int
	HttpPort   int
	HttpMode   bool
	MqttMode   bool

	// oracle and geoid override the configured sources when set
	oracle bias.ElevationOracle
	geoid  bias.GeoidOracle
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{ConfigFile: defaultConfigFile}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.StoreKind = opts.StoreKind
	a.StorePath = opts.StorePath
	a.GeoidFile = opts.GeoidFile
	a.OracleURL = opts.OracleURL
	a.OutputFile = opts.OutputFile
	a.Footprint = opts.Footprint
	a.HttpPort = opts.HttpPort
	a.HttpMode = opts.HttpMode
	a.MqttMode = opts.MqttMode
}

// loadConfig reads the config file and applies command line overrides. A
// missing file at the default location falls back to the built-in defaults.
func (a *App) loadConfig() (*bias.Config, error) {
	var cfg *bias.Config
	if _, err := os.Stat(a.ConfigFile); err != nil && os.IsNotExist(err) && a.ConfigFile == defaultConfigFile {
		log.Printf("No %s found, using defaults", defaultConfigFile)
		c := bias.DefaultConfig()
		c.ApplyEnvOverrides()
		cfg = &c
	} else {
		cfg, err = bias.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded config from %s", a.ConfigFile)
	}

	if a.DataDir != "" {
		cfg.DataDir = a.DataDir
	}
	if a.StoreKind != "" {
		cfg.Store.Kind = a.StoreKind
	}
	if a.StorePath != "" {
		cfg.Store.Path = a.StorePath
	}
	if a.GeoidFile != "" {
		cfg.GeoidFile = a.GeoidFile
	}
	if a.OracleURL != "" {
		cfg.Oracle.URL = a.OracleURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads config and wires the store, oracles, pipeline and publisher. The
// fit stage only reads stored stacks, so it runs without either oracle.
func (a *App) setup(mode bias.Mode) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = cfg

	var (
		oracle bias.ElevationOracle
		geoid  bias.GeoidOracle
	)
	if mode != bias.ModeFit {
		if oracle, err = a.elevationOracle(cfg); err != nil {
			return err
		}
		if geoid, err = a.geoidOracle(cfg); err != nil {
			return err
		}
	}

	store, err := bias.OpenStore(cfg)
	if err != nil {
		return err
	}
	a.Store = store
	a.Pipeline = bias.NewPipeline(cfg, oracle, geoid, store)

	if a.MqttMode {
		client, err := bias.NewMQTTClient(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured")
		}
		if err := client.Connect(mqttConnectWait); err != nil {
			return err
		}
		a.MQTTClient = client
		a.Publisher = bias.NewResultPublisher(client.Client(), cfg.MQTT.PublishPrefix)
		a.Pipeline.SetSink(a.Publisher)
		log.Printf("[MQTT] Publishing results to %s/{acquisition}/{beam}", cfg.MQTT.PublishPrefix)
	}
	return nil
}

func (a *App) elevationOracle(cfg *bias.Config) (bias.ElevationOracle, error) {
	if a.oracle != nil {
		return a.oracle, nil
	}
	return bias.NewOracleClientFromConfig(cfg.Oracle)
}

func (a *App) geoidOracle(cfg *bias.Config) (bias.GeoidOracle, error) {
	if a.geoid != nil {
		return a.geoid, nil
	}
	grid, err := bias.LoadGeoidGrid(cfg.GeoidFile)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded geoid grid %s (%dx%d)", cfg.GeoidFile, grid.NLat, grid.NLon)
	return grid, nil
}

func (a *App) close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
}

// RunEstimate computes and stores the difference stacks of every beam
func (a *App) RunEstimate() error {
	return a.runPipeline(bias.ModeEstimate)
}

// RunFit fits every beam whose difference stacks are already stored
func (a *App) RunFit() error {
	return a.runPipeline(bias.ModeFit)
}

// RunService runs both stages. With --http the status server keeps running
// after the run until the process is interrupted.
func (a *App) RunService() error {
	return a.runPipeline(bias.ModeFull)
}

func (a *App) runPipeline(mode bias.Mode) error {
	defer a.close()
	if err := a.setup(mode); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Pipeline.Progress, a.Store),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	summary, err := a.Pipeline.Run(ctx, mode)
	if err != nil {
		return err
	}
	printSummary(summary)

	if srv != nil {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health   - Health check")
		fmt.Println("  GET /progress - Per-beam footprint tallies")
		fmt.Println("  GET /results  - Fitted bias results")
		fmt.Println("\nPress Ctrl+C to stop")
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	return nil
}

func printSummary(s *bias.RunSummary) {
	fmt.Printf("\n%s run: %d beams, %d results\n", s.Mode, s.BeamCount, len(s.Results))
	for _, p := range s.Progress {
		fmt.Printf("  %s/%s: %-11s valid=%d invalid=%d\n", p.Acquisition, p.Beam, p.Stage, p.Valid, p.Invalid)
	}
	for _, r := range s.Results {
		fmt.Printf("  %s: n=%d bias=%.3f rmse=%.4f init=(%.1f, %.1f) adjusted=(%.2f, %.2f)\n",
			r.Key(), r.SampleCount, r.Bias, r.RMSE, r.InitX, r.InitY, r.AdjustedX, r.AdjustedY)
	}
}

// RunExportGrid writes the projected sampling grid of one footprint of the given
// table as GeoJSON
func (a *App) RunExportGrid(table string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = cfg

	footprints, err := bias.LoadFootprints(table)
	if err != nil {
		return err
	}
	if a.Footprint < 0 || a.Footprint >= len(footprints) {
		return fmt.Errorf("footprint index %d out of range, table has %d rows", a.Footprint, len(footprints))
	}

	grid := bias.NewLocalGrid(cfg.Grid)
	fc := bias.GridFeatureCollection(grid, footprints[a.Footprint])

	f, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating %s: %w", a.OutputFile, err)
	}
	if err := bias.WriteGeoJSON(f, fc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", a.OutputFile, err)
	}
	fmt.Printf("Wrote %dx%d sampling grid to %s\n", grid.Size(), grid.Size(), a.OutputFile)
	return nil
}

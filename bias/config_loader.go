package bias

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the pipeline configuration from a YAML file.
// Fields absent from the file keep the values of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks that the numeric constants describe a usable grid and model
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if len(c.Beams) == 0 {
		return fmt.Errorf("at least one beam must be listed")
	}
	for i, b := range c.Beams {
		if b == "" {
			return fmt.Errorf("beams[%d] is empty", i)
		}
	}
	if c.Grid.Spacing <= 0 {
		return fmt.Errorf("grid.spacing must be positive, got %g", c.Grid.Spacing)
	}
	if c.Grid.HalfExtent <= 0 {
		return fmt.Errorf("grid.halfExtent must be positive, got %g", c.Grid.HalfExtent)
	}
	if c.Grid.Buffer < 0 {
		return fmt.Errorf("grid.buffer must not be negative, got %g", c.Grid.Buffer)
	}
	if c.SmoothingSigma < 0 {
		return fmt.Errorf("smoothingSigma must not be negative, got %g", c.SmoothingSigma)
	}
	if c.ImplausibleThreshold <= 0 {
		return fmt.Errorf("implausibleThreshold must be positive, got %g", c.ImplausibleThreshold)
	}
	if c.Model.Ceiling <= 1 {
		return fmt.Errorf("model.ceiling must be greater than 1, got %g", c.Model.Ceiling)
	}
	if c.Model.InitialSpread <= 0 {
		return fmt.Errorf("model.initialSpread must be positive, got %g", c.Model.InitialSpread)
	}
	if c.Model.MaxEvaluations <= 0 {
		return fmt.Errorf("model.maxEvaluations must be positive, got %d", c.Model.MaxEvaluations)
	}
	if c.Oracle.BatchConcurrency <= 0 {
		return fmt.Errorf("oracle.batchConcurrency must be positive, got %d", c.Oracle.BatchConcurrency)
	}
	if c.Oracle.MaxBatchPoints <= 0 {
		return fmt.Errorf("oracle.maxBatchPoints must be positive, got %d", c.Oracle.MaxBatchPoints)
	}
	if c.FootprintWorkers <= 0 || c.BeamWorkers <= 0 {
		return fmt.Errorf("footprintWorkers and beamWorkers must be positive")
	}
	switch c.Store.Kind {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.kind must be \"file\" or \"sqlite\", got %q", c.Store.Kind)
	}
	if c.Coverage.MinLat > c.Coverage.MaxLat || c.Coverage.MinLon > c.Coverage.MaxLon {
		return fmt.Errorf("coverage window is inverted")
	}
	return nil
}

// ApplyEnvOverrides lets the oracle and broker settings come from the environment
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ELEVATION_ORACLE_URL"); v != "" {
		c.Oracle.URL = v
	}
	if v := os.Getenv("ELEVATION_ORACLE_TOKEN"); v != "" {
		c.Oracle.Token = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// StorePath returns the effective store location, defaulting to the data directory
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Kind == "sqlite" {
		return filepath.Join(c.DataDir, "artifacts.db")
	}
	return c.DataDir
}

package bias

import (
	"fmt"
	"time"
)

// UnknownLandCover marks footprints read from a table without a Land_Cover column
const UnknownLandCover = -1

// Footprint is one filtered GEDI footprint row produced by the ingestion step
type Footprint struct {
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	Elevation            float64 `json:"elevation"` // WGS-84 ellipsoidal height of the lowest mode
	InstantaneousTangent float64 `json:"instantaneousTan"`
	SmoothedTangent      float64 `json:"smoothedTan"`
	LandCover            int     `json:"landCover"` // UnknownLandCover when the table has no class
}

// Matrix is a row-major 2D grid. Rows follow the y axis, columns the x axis.
type Matrix [][]float64

// NewMatrix allocates a rows x cols matrix filled with zeros
func NewMatrix(rows, cols int) Matrix {
	m := make(Matrix, rows)
	backing := make([]float64, rows*cols)
	for i := range m {
		m[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}

// Dims returns the number of rows and columns
func (m Matrix) Dims() (int, int) {
	if len(m) == 0 {
		return 0, 0
	}
	return len(m), len(m[0])
}

// Clone returns a deep copy
func (m Matrix) Clone() Matrix {
	r, c := m.Dims()
	out := NewMatrix(r, c)
	for i := range m {
		copy(out[i], m[i])
	}
	return out
}

// Abs returns a copy with every cell replaced by its absolute value
func (m Matrix) Abs() Matrix {
	out := m.Clone()
	for i := range out {
		for j, v := range out[i] {
			if v < 0 {
				out[i][j] = -v
			}
		}
	}
	return out
}

// Flatten returns the cells in row-major order
func (m Matrix) Flatten() []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

// ArtifactKey identifies the artifacts of one beam within one acquisition
type ArtifactKey struct {
	Acquisition string `json:"acquisition"`
	Beam        string `json:"beam"`
}

func (k ArtifactKey) String() string {
	return fmt.Sprintf("%s/%s", k.Acquisition, k.Beam)
}

// AggregateSurface is the per-beam mean of all valid difference matrices
type AggregateSurface struct {
	Mean    Matrix    `json:"mean"`    // mean signed difference
	AbsMean Matrix    `json:"absMean"` // mean absolute difference
	Count   int       `json:"count"`   // number of footprints folded in
	Axis    []float64 `json:"axis"`    // metric coordinate of each row/column
}

// BiasModel holds the fitted inverted-Gaussian parameters
type BiasModel struct {
	OffsetX   float64 `json:"offsetX"`
	OffsetY   float64 `json:"offsetY"`
	SpreadX   float64 `json:"spreadX"`
	SpreadY   float64 `json:"spreadY"`
	Amplitude float64 `json:"amplitude"`
}

// BeamResult is the terminal per-beam, per-acquisition record
type BeamResult struct {
	Acquisition string  `json:"acquisition"`
	Beam        string  `json:"beam"`
	SampleCount int     `json:"n"`
	Bias        float64 `json:"bias"`
	RMSE        float64 `json:"minRMSE"`
	InitX       float64 `json:"initX"`
	InitY       float64 `json:"initY"`
	AdjustedX   float64 `json:"adjustedX"`
	AdjustedY   float64 `json:"adjustedY"`
}

// Key returns the artifact key of the result
func (r BeamResult) Key() ArtifactKey {
	return ArtifactKey{Acquisition: r.Acquisition, Beam: r.Beam}
}

// GridConfig describes the local sampling lattice in meters
type GridConfig struct {
	HalfExtent float64 `yaml:"halfExtent" json:"halfExtent"`
	Buffer     float64 `yaml:"buffer" json:"buffer"`
	Spacing    float64 `yaml:"spacing" json:"spacing"`
}

// ModelConfig holds the bias model constants and solver budget
type ModelConfig struct {
	Ceiling        float64 `yaml:"ceiling" json:"ceiling"`
	InitialSpread  float64 `yaml:"initialSpread" json:"initialSpread"`
	MaxEvaluations int     `yaml:"maxEvaluations" json:"maxEvaluations"`
}

// OracleConfig configures the remote reference elevation service
type OracleConfig struct {
	URL              string        `yaml:"url" json:"url"`
	Token            string        `yaml:"token,omitempty" json:"-"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries       int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	BatchConcurrency int           `yaml:"batchConcurrency,omitempty" json:"batchConcurrency,omitempty"`
	MaxBatchPoints   int           `yaml:"maxBatchPoints,omitempty" json:"maxBatchPoints,omitempty"`
}

// CoverageConfig is the geographic window footprints must fall in (degrees)
type CoverageConfig struct {
	MinLat float64 `yaml:"minLat" json:"minLat"`
	MaxLat float64 `yaml:"maxLat" json:"maxLat"`
	MinLon float64 `yaml:"minLon" json:"minLon"`
	MaxLon float64 `yaml:"maxLon" json:"maxLon"`
}

// StoreConfig selects the artifact store backend
type StoreConfig struct {
	Kind string `yaml:"kind" json:"kind"` // "file" or "sqlite"
	Path string `yaml:"path" json:"path"` // directory for file, database file for sqlite
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	DataDir              string         `yaml:"dataDir" json:"dataDir"`
	GeoidFile            string         `yaml:"geoidFile" json:"geoidFile"`
	Beams                []string       `yaml:"beams" json:"beams"`
	LandCover            int            `yaml:"landCover" json:"landCover"` // 0 accepts every class
	Coverage             CoverageConfig `yaml:"coverage" json:"coverage"`
	Grid                 GridConfig     `yaml:"grid" json:"grid"`
	SmoothingSigma       float64        `yaml:"smoothingSigma" json:"smoothingSigma"`
	ImplausibleThreshold float64        `yaml:"implausibleThreshold" json:"implausibleThreshold"`
	Model                ModelConfig    `yaml:"model" json:"model"`
	Oracle               OracleConfig   `yaml:"oracle" json:"oracle"`
	Store                StoreConfig    `yaml:"store" json:"store"`
	FootprintWorkers     int            `yaml:"footprintWorkers" json:"footprintWorkers"`
	BeamWorkers          int            `yaml:"beamWorkers" json:"beamWorkers"`
	MQTT                 MQTTConfig     `yaml:"mqtt" json:"mqtt"`
}

// DefaultBeams lists the eight GEDI beam groups
var DefaultBeams = []string{
	"BEAM0000", "BEAM0001", "BEAM0010", "BEAM0011",
	"BEAM0101", "BEAM0110", "BEAM1000", "BEAM1011",
}

// DefaultConfig returns the empirically chosen reference constants
func DefaultConfig() Config {
	return Config{
		DataDir:   "GEDI_data",
		GeoidFile: "g2012bu0.bin",
		Beams:     append([]string(nil), DefaultBeams...),
		LandCover: 60, // ESA WorldCover bare/sparse vegetation
		Coverage: CoverageConfig{
			MinLat: 24, MaxLat: 58,
			MinLon: -130, MaxLon: -60,
		},
		Grid:                 GridConfig{HalfExtent: 35, Buffer: 10, Spacing: 1},
		SmoothingSigma:       5.5,
		ImplausibleThreshold: 15,
		Model: ModelConfig{
			Ceiling:        5,
			InitialSpread:  5.5,
			MaxEvaluations: 5000,
		},
		Oracle: OracleConfig{
			Timeout:          DefaultOracleTimeout,
			MaxRetries:       DefaultOracleRetries,
			BatchConcurrency: 8,
			MaxBatchPoints:   5000,
		},
		Store:            StoreConfig{Kind: "file"},
		FootprintWorkers: 4,
		BeamWorkers:      2,
		MQTT:             MQTTConfig{PublishPrefix: "gedi"},
	}
}

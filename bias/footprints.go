package bias

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// FilteredTableSuffix is appended to the beam name of each ingestion output table
const FilteredTableSuffix = "_Filtered_data.csv"

// footprint table columns; Land_Cover is optional
var footprintColumns = []string{"Latitude", "Longitude", "Elevation", "Instantaneous_Tan", "Smoothed_Tan"}

// BeamTable locates the filtered footprint table of one beam
type BeamTable struct {
	Key  ArtifactKey
	Path string
}

// LoadFootprints reads a filtered footprint table from a CSV file
func LoadFootprints(path string) ([]Footprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening footprint table: %w", err)
	}
	defer func() { _ = f.Close() }()

	fps, err := ReadFootprints(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return fps, nil
}

// ReadFootprints parses a footprint CSV with a header row. Columns are matched by
// name so extra columns are ignored.
func ReadFootprints(r io.Reader) ([]Footprint, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty footprint table")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, col := range footprintColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	lcIdx, hasLC := index["Land_Cover"]

	var fps []Footprint
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		vals := make([]float64, len(footprintColumns))
		for i, col := range footprintColumns {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[index[col]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", line, col, err)
			}
			vals[i] = v
		}
		fp := Footprint{
			Latitude:             vals[0],
			Longitude:            vals[1],
			Elevation:            vals[2],
			InstantaneousTangent: vals[3],
			SmoothedTangent:      vals[4],
		}
		fp.LandCover = UnknownLandCover
		if hasLC {
			if cell := strings.TrimSpace(rec[lcIdx]); cell != "" {
				lc, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: column Land_Cover: %w", line, err)
				}
				fp.LandCover = int(lc)
			}
		}
		fps = append(fps, fp)
	}

	return fps, nil
}

// WriteFootprints writes fps in the layout ReadFootprints accepts
func WriteFootprints(w io.Writer, fps []Footprint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), footprintColumns...), "Land_Cover")); err != nil {
		return err
	}
	for _, fp := range fps {
		rec := []string{
			strconv.FormatFloat(fp.Latitude, 'g', -1, 64),
			strconv.FormatFloat(fp.Longitude, 'g', -1, 64),
			strconv.FormatFloat(fp.Elevation, 'g', -1, 64),
			strconv.FormatFloat(fp.InstantaneousTangent, 'g', -1, 64),
			strconv.FormatFloat(fp.SmoothedTangent, 'g', -1, 64),
			"",
		}
		if fp.LandCover != UnknownLandCover {
			rec[5] = strconv.Itoa(fp.LandCover)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CoverageBound converts the configured window into an orb bound (lon = X, lat = Y)
func CoverageBound(c CoverageConfig) orb.Bound {
	return orb.Bound{
		Min: orb.Point{c.MinLon, c.MinLat},
		Max: orb.Point{c.MaxLon, c.MaxLat},
	}
}

// FilterFootprints keeps the footprints inside bound and, when landCover is
// non-zero, of that land-cover class. Footprints of unknown class were already
// filtered by ingestion and pass the class check.
func FilterFootprints(fps []Footprint, bound orb.Bound, landCover int) []Footprint {
	out := make([]Footprint, 0, len(fps))
	for _, fp := range fps {
		if !bound.Contains(orb.Point{fp.Longitude, fp.Latitude}) {
			continue
		}
		if landCover != 0 && fp.LandCover != UnknownLandCover && fp.LandCover != landCover {
			continue
		}
		out = append(out, fp)
	}
	return out
}

// DiscoverBeamTables walks dataDir for <BEAM>_Filtered_data.csv tables of the
// requested beams. The acquisition is the name of the directory holding the table.
func DiscoverBeamTables(dataDir string, beams []string) ([]BeamTable, error) {
	wanted := make(map[string]bool, len(beams))
	for _, b := range beams {
		wanted[b] = true
	}

	var tables []BeamTable
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), FilteredTableSuffix) {
			return nil
		}
		beam := strings.TrimSuffix(d.Name(), FilteredTableSuffix)
		if !wanted[beam] {
			return nil
		}
		tables = append(tables, BeamTable{
			Key: ArtifactKey{
				Acquisition: filepath.Base(filepath.Dir(path)),
				Beam:        beam,
			},
			Path: path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dataDir, err)
	}

	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Key.Acquisition != tables[j].Key.Acquisition {
			return tables[i].Key.Acquisition < tables[j].Key.Acquisition
		}
		return tables[i].Key.Beam < tables[j].Key.Beam
	})
	return tables, nil
}

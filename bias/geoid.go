package bias

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// geoidHeaderSize is 4 float64 + 3 int32
const geoidHeaderSize = 44

// maxGeoidNodes bounds the node count a header may declare (a global 1' grid
// has about 2.3e8 nodes)
const maxGeoidNodes = 1 << 28

// geoidReadChunk is the number of heights decoded per read
const geoidReadChunk = 1 << 16

// GeoidGrid is a regular latitude/longitude grid of geoid heights in the NGS binary
// layout: rows run south to north starting at Lat0, columns run east from Lon0, and
// longitudes are positive east in [0, 360).
type GeoidGrid struct {
	Lat0, Lon0 float64 // south-west node, degrees
	DLat, DLon float64 // node spacing, degrees
	NLat, NLon int
	Heights    []float32 // row-major, NLat*NLon
}

// NewGeoidGrid wraps an in-memory height array
func NewGeoidGrid(lat0, lon0, dlat, dlon float64, nlat, nlon int, heights []float32) (*GeoidGrid, error) {
	if nlat <= 0 || nlon <= 0 {
		return nil, fmt.Errorf("geoid grid: invalid size %dx%d", nlat, nlon)
	}
	if dlat <= 0 || dlon <= 0 {
		return nil, fmt.Errorf("geoid grid: invalid spacing %g/%g", dlat, dlon)
	}
	if len(heights) != nlat*nlon {
		return nil, fmt.Errorf("geoid grid: %d heights for %dx%d grid", len(heights), nlat, nlon)
	}
	return &GeoidGrid{
		Lat0: lat0, Lon0: lon0,
		DLat: dlat, DLon: dlon,
		NLat: nlat, NLon: nlon,
		Heights: heights,
	}, nil
}

// LoadGeoidGrid reads an NGS binary geoid file such as g2012bu0.bin
func LoadGeoidGrid(path string) (*GeoidGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoid file: %w", err)
	}
	defer func() { _ = f.Close() }()

	g, err := ReadGeoidGrid(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading geoid file %s: %w", path, err)
	}
	return g, nil
}

// ReadGeoidGrid decodes the NGS binary layout. The byte order is detected from the
// ikind header field, which is always 1 for float32 grids.
func ReadGeoidGrid(r io.Reader) (*GeoidGrid, error) {
	header := make([]byte, geoidHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(header[40:44])) != 1 {
		order = binary.BigEndian
		if int32(order.Uint32(header[40:44])) != 1 {
			return nil, fmt.Errorf("unsupported ikind in header")
		}
	}

	var hdr struct {
		Lat0, Lon0, DLat, DLon float64
		NLat, NLon, IKind      int32
	}
	if err := binary.Read(bytes.NewReader(header), order, &hdr); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if hdr.NLat <= 0 || hdr.NLon <= 0 {
		return nil, fmt.Errorf("invalid grid size %dx%d", hdr.NLat, hdr.NLon)
	}

	total := int64(hdr.NLat) * int64(hdr.NLon)
	if total > maxGeoidNodes {
		return nil, fmt.Errorf("grid size %dx%d exceeds %d nodes", hdr.NLat, hdr.NLon, maxGeoidNodes)
	}

	// read in chunks so a header that overstates the body fails at EOF
	// instead of allocating the full grid up front
	heights := make([]float32, 0, min(total, geoidReadChunk))
	chunk := make([]float32, min(total, geoidReadChunk))
	for remaining := int(total); remaining > 0; {
		k := min(remaining, len(chunk))
		if err := binary.Read(r, order, chunk[:k]); err != nil {
			return nil, fmt.Errorf("reading heights: %w", err)
		}
		heights = append(heights, chunk[:k]...)
		remaining -= k
	}

	return NewGeoidGrid(hdr.Lat0, hdr.Lon0, hdr.DLat, hdr.DLon, int(hdr.NLat), int(hdr.NLon), heights)
}

// WriteGeoidGrid encodes g in the NGS binary layout
func WriteGeoidGrid(w io.Writer, g *GeoidGrid, order binary.ByteOrder) error {
	hdr := struct {
		Lat0, Lon0, DLat, DLon float64
		NLat, NLon, IKind      int32
	}{g.Lat0, g.Lon0, g.DLat, g.DLon, int32(g.NLat), int32(g.NLon), 1}
	if err := binary.Write(w, order, hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := binary.Write(w, order, g.Heights); err != nil {
		return fmt.Errorf("writing heights: %w", err)
	}
	return nil
}

// HeightAt returns the height of the grid node nearest to (lat, lon). Points
// within half a cell of the outer nodes are covered. Western longitudes are
// wrapped into [0, 360).
func (g *GeoidGrid) HeightAt(lat, lon float64) (float64, bool) {
	if lon < 0 {
		lon += 360
	}
	row := int(math.Round((lat - g.Lat0) / g.DLat))
	col := int(math.Round((lon - g.Lon0) / g.DLon))
	if row < 0 || row >= g.NLat || col < 0 || col >= g.NLon {
		return 0, false
	}
	h := float64(g.Heights[row*g.NLon+col])
	if math.IsNaN(h) {
		return 0, false
	}
	return h, true
}

// ConstantGeoid reports the same height everywhere. Useful when elevations are
// already orthometric.
type ConstantGeoid float64

func (c ConstantGeoid) HeightAt(lat, lon float64) (float64, bool) {
	return float64(c), true
}

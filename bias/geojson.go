package bias

import (
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// GridFeatureCollection describes the sampling grid of one footprint as GeoJSON:
// the footprint itself, every projected sample node and the outline of the
// analysis window after the buffer is cropped.
func GridFeatureCollection(g *LocalGrid, fp Footprint) *geojson.FeatureCollection {
	center := orb.Point{fp.Longitude, fp.Latitude}
	heading := HeadingFromTangent(fp.SmoothedTangent)
	nodes := g.Nodes(center, heading)

	fc := geojson.NewFeatureCollection()

	footprint := geojson.NewFeature(center)
	footprint.Properties["role"] = "footprint"
	footprint.Properties["elevation"] = fp.Elevation
	footprint.Properties["headingDeg"] = heading * 180 / math.Pi
	if fp.LandCover != UnknownLandCover {
		footprint.Properties["landCover"] = fp.LandCover
	}
	fc.Append(footprint)

	samples := geojson.NewFeature(orb.MultiPoint(nodes))
	samples.Properties["role"] = "samples"
	samples.Properties["size"] = g.Size()
	samples.Properties["spacing"] = g.Spacing
	fc.Append(samples)

	window := WindowOutline(g, nodes)
	outline := geojson.NewFeature(window)
	outline.Properties["role"] = "window"
	outline.Properties["areaSqMeters"] = geo.Area(window)
	fc.Append(outline)

	return fc
}

// WindowOutline returns the polygon through the four corner nodes of the cropped
// window. nodes must come from g.Nodes.
func WindowOutline(g *LocalGrid, nodes []orb.Point) orb.Polygon {
	n := g.Size()
	lo := g.CropOffset()
	hi := n - 1 - lo
	at := func(i, j int) orb.Point { return nodes[i*n+j] }

	ring := orb.Ring{at(lo, lo), at(lo, hi), at(hi, hi), at(hi, lo), at(lo, lo)}
	if ring.Orientation() != orb.CCW {
		ring.Reverse()
	}
	return orb.Polygon{ring}
}

// WriteGeoJSON encodes fc to w
func WriteGeoJSON(w io.Writer, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}

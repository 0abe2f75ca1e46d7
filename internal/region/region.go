// Package region defines the study area and clips measurements to it. The
// area is a configured bounding box, optionally replaced by a boundary
// polygon loaded from a shapefile.
package region

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"

	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/measure"
)

// Region is the study area. The bound is always checked; when a boundary
// polygon is loaded, membership additionally requires the polygon.
type Region struct {
	bound    orb.Bound
	boundary orb.MultiPolygon
}

// FromBBox builds a rectangular region.
func FromBBox(minLon, minLat, maxLon, maxLat float64) (*Region, error) {
	if minLon >= maxLon || minLat >= maxLat {
		return nil, eris.Errorf("region: bbox (%g,%g,%g,%g) is inverted or empty", minLon, minLat, maxLon, maxLat)
	}
	return &Region{bound: orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}}, nil
}

// FromConfig builds the region the configuration describes. A boundary
// shapefile replaces the bbox entirely.
func FromConfig(cfg config.RegionConfig) (*Region, error) {
	r, err := FromBBox(cfg.MinLon, cfg.MinLat, cfg.MaxLon, cfg.MaxLat)
	if err != nil {
		return nil, err
	}
	if cfg.Boundary != "" {
		boundary, err := LoadBoundary(cfg.Boundary)
		if err != nil {
			return nil, err
		}
		r.boundary = boundary
		r.bound = boundary.Bound()
	}
	return r, nil
}

// Bound returns the region's bounding box.
func (r *Region) Bound() orb.Bound {
	return r.bound
}

// BBoxString renders the bound as "minLon,minLat,maxLon,maxLat", the form
// comma-separated bbox query parameters take.
func (r *Region) BBoxString() string {
	b := r.bound
	return fmt.Sprintf("%g,%g,%g,%g", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}

// WKT renders the bounding box as a POLYGON, the footprint format the
// satellite catalog's spatial filter takes.
func (r *Region) WKT() string {
	return wkt.MarshalString(r.bound.ToPolygon())
}

// Contains reports whether a geometry belongs to the region. Points are
// tested directly; any other geometry is represented by its centroid, so a
// footprint straddling the edge counts as inside when its center is.
func (r *Region) Contains(g orb.Geometry) bool {
	var p orb.Point
	switch v := g.(type) {
	case nil:
		return false
	case orb.Point:
		p = v
	default:
		p, _ = planar.CentroidArea(g)
	}

	if !r.bound.Contains(p) {
		return false
	}
	if r.boundary != nil {
		return planar.MultiPolygonContains(r.boundary, p)
	}
	return true
}

// Clip returns the measurements inside the region and the number dropped.
func (r *Region) Clip(ms []measure.Measurement) ([]measure.Measurement, int) {
	kept := make([]measure.Measurement, 0, len(ms))
	for _, m := range ms {
		if r.Contains(m.Geometry) {
			kept = append(kept, m)
		}
	}
	return kept, len(ms) - len(kept)
}

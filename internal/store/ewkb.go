package store

import (
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// storageSRID is the CRS every stored geometry is expressed in.
const storageSRID = 4326

// pointEWKB encodes a lon/lat point as extended WKB for a PostGIS column.
func pointEWKB(p orb.Point) ([]byte, error) {
	g := geom.NewPointFlat(geom.XY, []float64{p[0], p[1]}).SetSRID(storageSRID)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode point")
	}
	return data, nil
}

// polygonEWKB encodes a polygon as extended WKB for a PostGIS column.
func polygonEWKB(p orb.Polygon) ([]byte, error) {
	poly := geom.NewPolygon(geom.XY).SetSRID(storageSRID)
	for _, ring := range p {
		flat := make([]float64, 0, len(ring)*2)
		for _, pt := range ring {
			flat = append(flat, pt[0], pt[1])
		}
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			return nil, eris.Wrap(err, "store: push polygon ring")
		}
	}
	data, err := ewkb.Marshal(poly, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode polygon")
	}
	return data, nil
}

// geometryEWKB encodes any geometry a measurement can carry.
func geometryEWKB(g orb.Geometry) ([]byte, error) {
	switch v := g.(type) {
	case orb.Point:
		return pointEWKB(v)
	case orb.Polygon:
		return polygonEWKB(v)
	}
	return nil, eris.Errorf("store: unsupported geometry type %T", g)
}

// pointFromEWKB decodes a stored point back to orb.
func pointFromEWKB(data []byte) (orb.Point, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return orb.Point{}, eris.Wrap(err, "store: decode point")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return orb.Point{}, eris.Errorf("store: expected point, got %T", g)
	}
	return orbPoint(pt), nil
}

// polygonFromEWKB decodes a stored polygon back to orb.
func polygonFromEWKB(data []byte) (orb.Polygon, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode polygon")
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return nil, eris.Errorf("store: expected polygon, got %T", g)
	}
	return orbPolygon(poly), nil
}

// geometryFromEWKB decodes a stored measurement geometry.
func geometryFromEWKB(data []byte) (orb.Geometry, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode geometry")
	}
	switch v := g.(type) {
	case *geom.Point:
		return orbPoint(v), nil
	case *geom.Polygon:
		return orbPolygon(v), nil
	}
	return nil, eris.Errorf("store: unsupported stored geometry %T", g)
}

func orbPoint(pt *geom.Point) orb.Point {
	return orb.Point{pt.X(), pt.Y()}
}

func orbPolygon(poly *geom.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, poly.NumLinearRings())
	for i := 0; i < poly.NumLinearRings(); i++ {
		coords := poly.LinearRing(i).Coords()
		ring := make(orb.Ring, 0, len(coords))
		for _, c := range coords {
			ring = append(ring, orb.Point{c[0], c[1]})
		}
		out = append(out, ring)
	}
	return out
}

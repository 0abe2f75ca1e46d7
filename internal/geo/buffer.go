package geo

import (
	"sort"

	"github.com/paulmach/orb"
)

// squareAround returns the closed counter-clockwise ring of the axis-aligned
// square with half-side r centered on c. This is the square-cap footprint of
// a satellite pixel center.
func squareAround(c orb.Point, r float64) orb.Ring {
	return orb.Ring{
		{c[0] - r, c[1] - r},
		{c[0] + r, c[1] - r},
		{c[0] + r, c[1] + r},
		{c[0] - r, c[1] + r},
		{c[0] - r, c[1] - r},
	}
}

// dilateSquare expands a convex polygon by the Minkowski sum with the
// axis-aligned square of half-side r: the convex hull of every outer-ring
// vertex translated to the four square corners. Pixel footprints are convex
// quadrilaterals, so the hull is the exact sum. r == 0 leaves the polygon
// unchanged.
func dilateSquare(p orb.Polygon, r float64) (orb.Polygon, error) {
	if r == 0 {
		return p, nil
	}

	ring := p[0]
	pts := make([]orb.Point, 0, (len(ring)-1)*4)
	for _, v := range ring[:len(ring)-1] {
		pts = append(pts,
			orb.Point{v[0] - r, v[1] - r},
			orb.Point{v[0] + r, v[1] - r},
			orb.Point{v[0] + r, v[1] + r},
			orb.Point{v[0] - r, v[1] + r},
		)
	}

	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil, &ProjectionError{Reason: "degenerate footprint after dilation"}
	}
	hull = append(hull, hull[0])
	return orb.Polygon{orb.Ring(hull)}, nil
}

// convexHull computes the convex hull of a point set with Andrew's monotone
// chain, returning vertices in counter-clockwise order without the closing
// point.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		out := make([]orb.Point, len(points))
		copy(out, points)
		return out
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Drop the duplicated start point.
	return hull[:len(hull)-1]
}

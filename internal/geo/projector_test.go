package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumesight/aerofuse/internal/config"
)

func testGeometryConfig() config.GeometryConfig {
	return config.GeometryConfig{
		SourceCRS:    "EPSG:4326",
		MetricCRS:    "EPSG:32618",
		BufferMeters: 2500,
	}
}

func TestNewProjector(t *testing.T) {
	p, err := NewProjector(testGeometryConfig())
	require.NoError(t, err)
	assert.InDelta(t, 2500, p.BufferMeters(), 0.001)
}

func TestNewProjectorRejectsBadCRS(t *testing.T) {
	cfg := testGeometryConfig()
	cfg.MetricCRS = "EPSG:99999"

	_, err := NewProjector(cfg)
	var perr *ProjectionError
	require.ErrorAs(t, err, &perr)
}

func TestNewProjectorRejectsDegreeBuffer(t *testing.T) {
	cfg := testGeometryConfig()
	cfg.MetricCRS = "EPSG:4326"

	_, err := NewProjector(cfg)
	var perr *ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "not metric")
}

func TestProjectAndBufferPoint(t *testing.T) {
	p, err := NewProjector(testGeometryConfig())
	require.NoError(t, err)

	center := orb.Point{-73.6, 45.5}
	got, err := p.ProjectAndBuffer(center, true)
	require.NoError(t, err)

	poly, ok := got.(orb.Polygon)
	require.True(t, ok, "buffered point must become a polygon")
	assert.True(t, planar.PolygonContains(poly, center))

	// In the metric CRS the footprint is an axis-aligned square of side
	// 2 * buffer centered on the pixel.
	utm, err := LookupCRS("EPSG:32618")
	require.NoError(t, err)
	metric := project.Polygon(poly.Clone(), utm.Forward)
	b := metric.Bound()
	assert.InDelta(t, 5000, b.Max.X()-b.Min.X(), 1e-4)
	assert.InDelta(t, 5000, b.Max.Y()-b.Min.Y(), 1e-4)

	c := utm.Forward(center)
	assert.InDelta(t, c.X(), (b.Max.X()+b.Min.X())/2, 1e-4)
	assert.InDelta(t, c.Y(), (b.Max.Y()+b.Min.Y())/2, 1e-4)
}

func TestProjectAndBufferPolygon(t *testing.T) {
	p, err := NewProjector(testGeometryConfig())
	require.NoError(t, err)

	// A pixel-like quadrilateral roughly 6 x 4 km.
	quad := orb.Polygon{orb.Ring{
		{-73.65, 45.48},
		{-73.58, 45.485},
		{-73.575, 45.52},
		{-73.645, 45.515},
		{-73.65, 45.48},
	}}
	got, err := p.ProjectAndBuffer(quad, true)
	require.NoError(t, err)

	poly, ok := got.(orb.Polygon)
	require.True(t, ok)

	// Every original vertex stays inside the dilated footprint.
	for _, v := range quad[0] {
		assert.True(t, planar.PolygonContains(poly, v), "vertex %v", v)
	}

	// The metric bound grows by the buffer radius on every side.
	utm, err := LookupCRS("EPSG:32618")
	require.NoError(t, err)
	before := project.Polygon(quad.Clone(), utm.Forward).Bound()
	after := project.Polygon(poly.Clone(), utm.Forward).Bound()
	assert.InDelta(t, before.Min.X()-2500, after.Min.X(), 1e-4)
	assert.InDelta(t, before.Max.X()+2500, after.Max.X(), 1e-4)
	assert.InDelta(t, before.Min.Y()-2500, after.Min.Y(), 1e-4)
	assert.InDelta(t, before.Max.Y()+2500, after.Max.Y(), 1e-4)
}

func TestProjectAndBufferNoBuffer(t *testing.T) {
	p, err := NewProjector(testGeometryConfig())
	require.NoError(t, err)

	pt := orb.Point{-73.6, 45.5}
	got, err := p.ProjectAndBuffer(pt, false)
	require.NoError(t, err)
	assert.Equal(t, orb.Geometry(pt), got, "unbuffered geometry passes through untouched")
}

func TestProjectAndBufferDegenerate(t *testing.T) {
	p, err := NewProjector(testGeometryConfig())
	require.NoError(t, err)

	flat := orb.Ring{{-73.6, 45.5}, {-73.6, 45.5}, {-73.6, 45.5}, {-73.6, 45.5}}
	tests := []struct {
		name string
		g    orb.Geometry
	}{
		{"nan point", orb.Point{math.NaN(), 45.5}},
		{"inf point", orb.Point{-73.6, math.Inf(1)}},
		{"nil geometry", nil},
		{"empty polygon", orb.Polygon{}},
		{"empty ring", orb.Polygon{orb.Ring{}}},
		{"open ring", orb.Polygon{orb.Ring{{-73.6, 45.5}, {-73.5, 45.5}, {-73.5, 45.6}}}},
		{"zero area", orb.Polygon{flat}},
		{"linestring", orb.LineString{{-73.6, 45.5}, {-73.5, 45.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProjectAndBuffer(tt.g, true)
			var perr *ProjectionError
			require.ErrorAs(t, err, &perr)
			assert.NotEmpty(t, perr.Reason)
		})
	}
}

func TestProjectAndBufferZeroBufferPoint(t *testing.T) {
	cfg := testGeometryConfig()
	cfg.BufferMeters = 0
	p, err := NewProjector(cfg)
	require.NoError(t, err)

	_, err = p.ProjectAndBuffer(orb.Point{-73.6, 45.5}, true)
	var perr *ProjectionError
	require.ErrorAs(t, err, &perr)
}

func TestProjectionErrorMessage(t *testing.T) {
	err := &ProjectionError{CRS: "EPSG:9999", Reason: "unsupported EPSG code"}
	assert.Contains(t, err.Error(), "EPSG:9999")
	assert.Contains(t, err.Error(), "unsupported")

	bare := &ProjectionError{Reason: "nil geometry"}
	assert.Equal(t, "geo: nil geometry", bare.Error())
}

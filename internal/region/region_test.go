package region

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/measure"
)

func createBoundaryZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boundary.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func montrealRegion(t *testing.T) *Region {
	t.Helper()
	r, err := FromBBox(-73.97, 45.41, -73.47, 45.71)
	require.NoError(t, err)
	return r
}

func TestFromBBoxInverted(t *testing.T) {
	_, err := FromBBox(-73.47, 45.41, -73.97, 45.71)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inverted")

	_, err = FromBBox(-73.97, 45.71, -73.47, 45.71)
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.RegionConfig{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71})
	require.NoError(t, err)
	assert.Equal(t, orb.Point{-73.97, 45.41}, r.Bound().Min)

	_, err = FromConfig(config.RegionConfig{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71, Boundary: "does-not-exist.shp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open shapefile")
}

func TestLoadBoundaryZip(t *testing.T) {
	zipPath := createBoundaryZip(t, map[string]string{
		"boundary.dbf": "attributes only",
	})
	_, err := LoadBoundary(zipPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .shp")

	zipPath = createBoundaryZip(t, map[string]string{
		"boundary.shp": "not a real shapefile",
		"boundary.dbf": "attributes",
	})
	_, err = LoadBoundary(zipPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open shapefile")
}

func TestContainsPoint(t *testing.T) {
	r := montrealRegion(t)

	assert.True(t, r.Contains(orb.Point{-73.6, 45.5}))
	assert.True(t, r.Contains(orb.Point{-73.97, 45.41}), "edge is inclusive")
	assert.False(t, r.Contains(orb.Point{-73.2, 45.5}))
	assert.False(t, r.Contains(orb.Point{-73.6, 45.9}))
	assert.False(t, r.Contains(nil))
}

func TestContainsPolygonByCentroid(t *testing.T) {
	r := montrealRegion(t)

	// Straddles the eastern edge with its center inside.
	in := orb.Polygon{orb.Ring{
		{-73.50, 45.50}, {-73.44, 45.50}, {-73.44, 45.54}, {-73.50, 45.54}, {-73.50, 45.50},
	}}
	assert.True(t, r.Contains(in))

	// Mostly outside: the center falls east of the bbox.
	out := orb.Polygon{orb.Ring{
		{-73.48, 45.50}, {-73.30, 45.50}, {-73.30, 45.54}, {-73.48, 45.54}, {-73.48, 45.50},
	}}
	assert.False(t, r.Contains(out))
}

func TestContainsWithBoundary(t *testing.T) {
	// Triangle in the middle of the bbox.
	boundary := orb.MultiPolygon{orb.Polygon{orb.Ring{
		{-73.8, 45.45}, {-73.55, 45.45}, {-73.675, 45.65}, {-73.8, 45.45},
	}}}
	r := &Region{bound: boundary.Bound(), boundary: boundary}

	assert.True(t, r.Contains(orb.Point{-73.675, 45.5}))
	// Inside the triangle's bbox but outside the triangle.
	assert.False(t, r.Contains(orb.Point{-73.79, 45.64}))
}

func TestClip(t *testing.T) {
	r := montrealRegion(t)
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	ms := []measure.Measurement{
		{SourceID: "in-1", Source: measure.SourceGround, Parameter: measure.NO2, Timestamp: ts, Value: 30, Geometry: orb.Point{-73.6, 45.5}},
		{SourceID: "out-1", Source: measure.SourceGround, Parameter: measure.NO2, Timestamp: ts, Value: 31, Geometry: orb.Point{-72.0, 45.5}},
		{SourceID: "in-2", Source: measure.SourceSatellite, Parameter: measure.CH4, Timestamp: ts, Value: 1800, Geometry: orb.Point{-73.9, 45.7}},
	}

	kept, dropped := r.Clip(ms)
	require.Len(t, kept, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "in-1", kept[0].SourceID)
	assert.Equal(t, "in-2", kept[1].SourceID)
}

func TestBBoxString(t *testing.T) {
	r := montrealRegion(t)
	assert.Equal(t, "-73.97,45.41,-73.47,45.71", r.BBoxString())
}

func TestWKT(t *testing.T) {
	r := montrealRegion(t)
	w := r.WKT()
	assert.Contains(t, w, "POLYGON((")
	assert.Contains(t, w, "-73.97 45.41")
	assert.Contains(t, w, "-73.47 45.71")
}

func TestPolygonFromShape(t *testing.T) {
	open := &shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points: []shp.Point{
			{X: -73.9, Y: 45.45},
			{X: -73.5, Y: 45.45},
			{X: -73.5, Y: 45.65},
			{X: -73.9, Y: 45.65},
		},
	}
	mp := polygonFromShape(open)
	require.Len(t, mp, 1)
	ring := mp[0][0]
	require.Len(t, ring, 5)
	assert.Equal(t, ring[0], ring[len(ring)-1], "open ring gets closed")

	multi := &shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			{X: -80.0, Y: 25.0},
			{X: -80.0, Y: 26.0},
			{X: -79.0, Y: 26.0},
			{X: -79.0, Y: 25.0},
			{X: -80.0, Y: 25.0},
			{X: -81.0, Y: 26.0},
			{X: -81.0, Y: 27.0},
			{X: -80.0, Y: 27.0},
			{X: -80.0, Y: 26.0},
			{X: -81.0, Y: 26.0},
		},
	}
	assert.Len(t, polygonFromShape(multi), 2)

	degenerate := &shp.Polygon{
		NumParts: 1,
		Parts:    []int32{0},
		Points:   []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}
	assert.Empty(t, polygonFromShape(degenerate))

	assert.Empty(t, polygonFromShape(nil))
	assert.Empty(t, polygonFromShape(&shp.Polygon{}))
}

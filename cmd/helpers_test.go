package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/plumesight/aerofuse/internal/blobcache"
	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/region"
	"github.com/plumesight/aerofuse/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestCache(t *testing.T) *blobcache.Cache {
	t.Helper()
	c, err := blobcache.New(t.TempDir(), blobcache.DefaultMaxAge)
	require.NoError(t, err)
	return c
}

func testRegion(t *testing.T) *region.Region {
	t.Helper()
	r, err := region.FromBBox(-74.0, 45.0, -73.0, 46.0)
	require.NoError(t, err)
	return r
}

func testGeometryConfig() config.GeometryConfig {
	return config.GeometryConfig{
		SourceCRS:    "EPSG:4326",
		MetricCRS:    "EPSG:32618",
		BufferMeters: 2500,
	}
}

func testScoreConfig() config.ScoreConfig {
	return config.ScoreConfig{
		Model:         "isolation_forest",
		Contamination: 0.05,
		Seed:          42,
		MinSamples:    10,
		Trees:         50,
		SampleSize:    64,
	}
}

// fusionBatch builds n satellite pixels spaced along one latitude row with a
// ground station at each pixel center, all on the same UTC day. The spacing
// keeps each station inside exactly one buffered footprint, and the last
// pair disagrees hard.
func fusionBatch(n int, param measure.Parameter, lat float64) (satellite, ground []measure.Measurement) {
	satTS := time.Date(2024, 6, 1, 17, 30, 0, 0, time.UTC)
	gndTS := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		pt := orb.Point{-73.9 + 0.08*float64(i), lat}
		satellite = append(satellite, measure.Measurement{
			SourceID:  fmt.Sprintf("s5p-%s-%03d", param, i),
			Source:    measure.SourceSatellite,
			Parameter: param,
			Timestamp: satTS,
			Value:     40 + float64(i%5),
			Unit:      "umol/m2",
			Geometry:  pt,
		})
		ground = append(ground, measure.Measurement{
			SourceID:  fmt.Sprintf("sta-%s-%03d", param, i),
			Source:    measure.SourceGround,
			Parameter: param,
			Timestamp: gndTS,
			Value:     30 + float64(i%5),
			Unit:      "ug/m3",
			Geometry:  pt,
		})
	}
	satellite[n-1].Value = 90
	ground[n-1].Value = 12
	return satellite, ground
}

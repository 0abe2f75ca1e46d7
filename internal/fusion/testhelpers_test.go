package fusion

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/measure"
)

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
		Contamination: 0.2,
		Seed:          42,
		MinSamples:    2,
		Trees:         50,
		SampleSize:    64,
		Neighbors:     5,
	}
}

func satObs(id string, param measure.Parameter, ts time.Time, value, lon, lat float64) measure.Measurement {
	return measure.Measurement{
		SourceID:  id,
		Source:    measure.SourceSatellite,
		Parameter: param,
		Timestamp: ts,
		Value:     value,
		Unit:      "mol/m^2",
		Geometry:  orb.Point{lon, lat},
	}
}

func gndObs(id string, param measure.Parameter, ts time.Time, value, lon, lat float64) measure.Measurement {
	return measure.Measurement{
		SourceID:  id,
		Source:    measure.SourceGround,
		Parameter: param,
		Timestamp: ts,
		Value:     value,
		Unit:      "ppm",
		Geometry:  orb.Point{lon, lat},
	}
}

// square returns a closed axis-aligned footprint ring around a center point.
func square(lon, lat, half float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{lon - half, lat - half},
		{lon + half, lat - half},
		{lon + half, lat + half},
		{lon - half, lat + half},
		{lon - half, lat - half},
	}}
}

func footprint(m measure.Measurement, half float64) Footprint {
	pt := m.Geometry.(orb.Point)
	return Footprint{Meas: m, Poly: square(pt.X(), pt.Y(), half)}
}

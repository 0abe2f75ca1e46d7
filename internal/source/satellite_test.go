package source

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumesight/aerofuse/internal/measure"
)

const sampleSatelliteCSV = `time,latitude,longitude,no2_tropospheric_column
2024-06-01T17:30:00Z,45.5000,-73.6000,41.2
2024-06-01T17:30:00Z,45.5100,-73.5800,38.9
2024-06-01T17:30:01Z,45.5200,-73.5600,NaN
2024-06-01T17:30:01Z,45.5300,-73.5400,
bad-time,45.5400,-73.5200,35.0
2024-06-01T17:30:02Z,not-a-lat,-73.5000,34.0
2024-06-01T17:30:02Z,45.5600,-73.4800,33.5
`

func TestParseSatelliteCSV(t *testing.T) {
	ms, dropped, err := ParseSatelliteCSV(context.Background(), strings.NewReader(sampleSatelliteCSV), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.NO2,
		Unit:      "umol/m2",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
	require.Len(t, ms, 3)

	first := ms[0]
	assert.Equal(t, "s5p:45.5000,-73.6000", first.SourceID)
	assert.Equal(t, measure.SourceSatellite, first.Source)
	assert.Equal(t, measure.NO2, first.Parameter)
	assert.True(t, first.Timestamp.Equal(time.Date(2024, 6, 1, 17, 30, 0, 0, time.UTC)))
	assert.Equal(t, 41.2, first.Value)
	assert.Equal(t, "umol/m2", first.Unit)
	assert.Equal(t, orb.Point{-73.60, 45.50}, first.Geometry)

	assert.Equal(t, 33.5, ms[2].Value)
	for _, m := range ms {
		assert.NoError(t, m.Validate())
	}
}

func TestParseSatelliteCSV_LongColumnName(t *testing.T) {
	input := "time,latitude,longitude,methane_mixing_ratio\n2024-06-01T12:00:00Z,45.50,-73.60,1890.5\n"
	ms, dropped, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.CH4,
		Unit:      "ppb",
	})
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, ms, 1)
	assert.Equal(t, measure.CH4, ms[0].Parameter)
	assert.Equal(t, 1890.5, ms[0].Value)
}

func TestParseSatelliteCSV_DateOnlyTimestamps(t *testing.T) {
	input := "time,lat,lon,o3\n2024-06-01,45.50,-73.60,28.4\n"
	ms, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.O3,
	})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Timestamp.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseSatelliteCSV_MissingValueColumn(t *testing.T) {
	input := "time,latitude,longitude,no2\n2024-06-01T12:00:00Z,45.50,-73.60,41.2\n"
	_, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.CH4,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ch4 column")
}

func TestParseSatelliteCSV_MissingCoordinateColumns(t *testing.T) {
	input := "time,no2\n2024-06-01T12:00:00Z,41.2\n"
	_, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.NO2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing time/latitude/longitude")
}

func TestParseSatelliteCSV_Empty(t *testing.T) {
	_, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(""), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.NO2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty satellite csv")
}

func TestParseSatelliteCSV_ReadError(t *testing.T) {
	input := "time,latitude,longitude,no2\n\"broken,45.50,-73.60,41.2\n"
	_, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: measure.NO2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read row")
}

func TestParseSatelliteCSV_DefaultSourceID(t *testing.T) {
	input := "time,latitude,longitude,so2\n2024-06-01T12:00:00Z,45.50,-73.60,3.1\n"
	ms, _, err := ParseSatelliteCSV(context.Background(), strings.NewReader(input), SatelliteCSVOptions{
		Parameter: measure.SO2,
	})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "satellite:45.5000,-73.6000", ms[0].SourceID)
}

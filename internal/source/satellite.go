package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/measure"
)

// SatelliteCSVOptions names the instrument and pollutant a CSV extract
// carries.
type SatelliteCSVOptions struct {
	// SourceID prefixes each pixel's id, e.g. "s5p".
	SourceID  string
	Parameter measure.Parameter
	Unit      string
}

// ParseSatelliteCSV reads a satellite pixel extract with time, latitude,
// and longitude columns plus a value column named after the pollutant.
// Each row becomes a point measurement at the pixel center; rows with
// blank or non-finite values, or unparseable coordinates or timestamps,
// are dropped and counted.
func ParseSatelliteCSV(ctx context.Context, r io.Reader, opts SatelliteCSVOptions) ([]measure.Measurement, int, error) {
	if opts.SourceID == "" {
		opts.SourceID = "satellite"
	}

	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{TrimSpace: true})

	var (
		header    []string
		headerErr error
		timeIdx   int
		latIdx    int
		lonIdx    int
		valIdx    int
		ms        []measure.Measurement
		dropped   int
	)
	for row := range rowCh {
		if headerErr != nil {
			continue
		}
		if header == nil {
			header = row
			timeIdx = columnIndex(header, "time", "timestamp", "datetime")
			latIdx = columnIndex(header, "latitude", "lat")
			lonIdx = columnIndex(header, "longitude", "lon", "lng")
			valIdx = valueColumn(header, opts.Parameter)
			switch {
			case timeIdx < 0 || latIdx < 0 || lonIdx < 0:
				headerErr = eris.Errorf("source: csv missing time/latitude/longitude columns")
			case valIdx < 0:
				headerErr = eris.Errorf("source: csv has no %s column", opts.Parameter)
			}
			continue
		}

		if len(row) <= timeIdx || len(row) <= latIdx || len(row) <= lonIdx || len(row) <= valIdx {
			dropped++
			continue
		}

		val, err := strconv.ParseFloat(row[valIdx], 64)
		if err != nil || math.IsNaN(val) || math.IsInf(val, 0) {
			dropped++
			continue
		}
		lat, latErr := strconv.ParseFloat(row[latIdx], 64)
		lon, lonErr := strconv.ParseFloat(row[lonIdx], 64)
		if latErr != nil || lonErr != nil {
			dropped++
			continue
		}
		ts, ok := parseTimestamp(row[timeIdx])
		if !ok {
			dropped++
			continue
		}

		ms = append(ms, measure.Measurement{
			SourceID:  fmt.Sprintf("%s:%.4f,%.4f", opts.SourceID, lat, lon),
			Source:    measure.SourceSatellite,
			Parameter: opts.Parameter,
			Timestamp: ts.UTC(),
			Value:     val,
			Unit:      opts.Unit,
			Geometry:  orb.Point{lon, lat},
		})
	}
	if err := <-errCh; err != nil {
		return nil, dropped, err
	}
	if headerErr != nil {
		return nil, 0, headerErr
	}
	if header == nil {
		return nil, 0, eris.New("source: empty satellite csv")
	}

	if dropped > 0 {
		zap.L().Debug("source: dropped satellite rows",
			zap.String("parameter", string(opts.Parameter)),
			zap.Int("dropped", dropped),
		)
	}
	return ms, dropped, nil
}

package source

import (
	"bufio"
	"context"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/measure"
)

type groundEnvelope struct {
	Results []groundRecord `json:"results"`
}

type groundRecord struct {
	Location    string  `json:"location"`
	Parameter   string  `json:"parameter"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Coordinates *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinates"`
	Date struct {
		UTC string `json:"utc"`
	} `json:"date"`
}

func (r groundRecord) toMeasurement() (measure.Measurement, bool) {
	if r.Location == "" || r.Coordinates == nil {
		return measure.Measurement{}, false
	}
	param, err := measure.ParseParameter(r.Parameter)
	if err != nil {
		// Feeds carry species we do not score, pm25 and friends.
		return measure.Measurement{}, false
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return measure.Measurement{}, false
	}
	ts, ok := parseTimestamp(r.Date.UTC)
	if !ok {
		return measure.Measurement{}, false
	}

	return measure.Measurement{
		SourceID:  r.Location,
		Source:    measure.SourceGround,
		Parameter: param,
		Timestamp: ts.UTC(),
		Value:     r.Value,
		Unit:      r.Unit,
		Geometry:  orb.Point{r.Coordinates.Longitude, r.Coordinates.Latitude},
	}, true
}

// ParseGroundJSON reads air quality measurements in the shape the OpenAQ
// API returns them: a {results: [...]} envelope, or a bare array when the
// envelope was stripped by an export. Records missing coordinates, naming
// a pollutant outside the scored set, or carrying a mangled timestamp are
// dropped and counted.
func ParseGroundJSON(ctx context.Context, r io.Reader) ([]measure.Measurement, int, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, 0, eris.Wrap(err, "source: read ground json")
	}

	var ms []measure.Measurement
	var dropped int

	add := func(rec groundRecord) {
		m, ok := rec.toMeasurement()
		if !ok {
			dropped++
			return
		}
		ms = append(ms, m)
	}

	if first == '[' {
		recCh, errCh := fetcher.StreamJSONArray[groundRecord](ctx, br)
		for rec := range recCh {
			add(rec)
		}
		if err := <-errCh; err != nil {
			return nil, dropped, err
		}
	} else {
		env, err := fetcher.DecodeJSONObject[groundEnvelope](br)
		if err != nil {
			return nil, 0, err
		}
		for _, rec := range env.Results {
			add(rec)
		}
	}

	if dropped > 0 {
		zap.L().Debug("source: dropped ground records", zap.Int("dropped", dropped))
	}
	return ms, dropped, nil
}

// firstByte peeks past leading whitespace without consuming the payload.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b, br.UnreadByte()
	}
}

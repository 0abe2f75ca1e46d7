// Package measure defines the pollutant observation model shared by every
// stage of the fusion pipeline.
package measure

import (
	"math"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
)

// SourceKind identifies which acquisition platform produced a measurement.
type SourceKind string

const (
	SourceSatellite SourceKind = "satellite"
	SourceGround    SourceKind = "ground"
)

// Parameter is a measured pollutant species.
type Parameter string

const (
	CH4 Parameter = "ch4"
	NO2 Parameter = "no2"
	O3  Parameter = "o3"
	CO  Parameter = "co"
	SO2 Parameter = "so2"
)

// Parameters lists every supported pollutant in canonical order.
func Parameters() []Parameter {
	return []Parameter{CH4, NO2, O3, CO, SO2}
}

// ParseParameter maps an external pollutant name onto the canonical set.
// Matching is case-insensitive and tolerates the subscript-free spellings
// upstream feeds use.
func ParseParameter(s string) (Parameter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ch4", "methane":
		return CH4, nil
	case "no2", "nitrogendioxide", "nitrogen_dioxide":
		return NO2, nil
	case "o3", "ozone":
		return O3, nil
	case "co", "carbonmonoxide", "carbon_monoxide":
		return CO, nil
	case "so2", "sulphurdioxide", "sulfur_dioxide":
		return SO2, nil
	}
	return "", eris.Errorf("measure: unknown parameter %q", s)
}

// Measurement is one observation of one parameter at one place and time.
// Satellite geometries are pixel-center points until the projector expands
// them into footprints; ground geometries stay points.
type Measurement struct {
	SourceID  string       `json:"source_id"`
	Source    SourceKind   `json:"source"`
	Parameter Parameter    `json:"parameter"`
	Timestamp time.Time    `json:"timestamp"`
	Value     float64      `json:"value"`
	Unit      string       `json:"unit"`
	Geometry  orb.Geometry `json:"-"`
}

// Day returns the UTC calendar day the measurement belongs to.
func (m Measurement) Day() time.Time {
	t := m.Timestamp.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Validate reports the first structural problem with the measurement.
func (m Measurement) Validate() error {
	if m.SourceID == "" {
		return eris.New("measure: missing source id")
	}
	switch m.Source {
	case SourceSatellite, SourceGround:
	default:
		return eris.Errorf("measure: unknown source kind %q", m.Source)
	}
	if _, err := ParseParameter(string(m.Parameter)); err != nil {
		return err
	}
	if m.Timestamp.IsZero() {
		return eris.Errorf("measure: %s has no timestamp", m.SourceID)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return eris.Errorf("measure: %s has non-finite value", m.SourceID)
	}
	if m.Geometry == nil {
		return eris.Errorf("measure: %s has no geometry", m.SourceID)
	}
	return nil
}

// Split partitions measurements by source kind, preserving order.
func Split(ms []Measurement) (satellite, ground []Measurement) {
	for _, m := range ms {
		switch m.Source {
		case SourceSatellite:
			satellite = append(satellite, m)
		case SourceGround:
			ground = append(ground, m)
		}
	}
	return satellite, ground
}

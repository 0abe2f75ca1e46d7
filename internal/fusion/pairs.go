// Package fusion joins satellite footprints with ground observations,
// normalizes the joined values, and scores them for anomalies.
package fusion

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/plumesight/aerofuse/internal/anomaly"
	"github.com/plumesight/aerofuse/internal/measure"
)

// PartitionKey identifies a match partition: one pollutant on one UTC day.
type PartitionKey struct {
	Parameter measure.Parameter
	Day       time.Time
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Parameter, k.Day.Format("2006-01-02"))
}

// Footprint pairs a satellite measurement with its buffered polygon in the
// source CRS. Footprints are built once per run so matching never projects.
type Footprint struct {
	Meas measure.Measurement
	Poly orb.Polygon
}

// MatchedPair joins one satellite observation with one ground observation
// whose point falls inside the satellite footprint on the same UTC day.
type MatchedPair struct {
	Satellite measure.Measurement
	Ground    measure.Measurement
	Footprint orb.Polygon
}

// Key returns the partition the pair belongs to.
func (p MatchedPair) Key() PartitionKey {
	return PartitionKey{Parameter: p.Satellite.Parameter, Day: p.Satellite.Day()}
}

// NormalizedPair carries the Z-scores of a matched pair. ValueVariance is the
// absolute Z-score disagreement between the two platforms.
type NormalizedPair struct {
	MatchedPair
	SatZ          float64
	GroundZ       float64
	ValueVariance float64
}

// ScoredPair is the pipeline's final product: a normalized pair with its
// anomaly verdict attached.
type ScoredPair struct {
	NormalizedPair
	Score float64
	Label anomaly.Label
}

// StatsKey identifies one normalization partition: all values one source kind
// reported for one pollutant.
type StatsKey struct {
	Source    measure.SourceKind
	Parameter measure.Parameter
}

// PartitionStats are the moments used to Z-score one partition.
type PartitionStats struct {
	Mean   float64
	StdDev float64
	N      int
}

// SkippedRecord notes a measurement the pipeline dropped and why. Skips are
// diagnostics, never run failures.
type SkippedRecord struct {
	SourceID string
	Source   measure.SourceKind
	Reason   string
}

// InvalidPartitionError reports a normalization partition with no usable
// values. The pipeline responds by emitting zero pairs for the partition.
type InvalidPartitionError struct {
	Source    measure.SourceKind
	Parameter measure.Parameter
}

func (e *InvalidPartitionError) Error() string {
	return fmt.Sprintf("fusion: no values to normalize %s/%s", e.Source, e.Parameter)
}

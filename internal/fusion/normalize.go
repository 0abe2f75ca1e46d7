package fusion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/plumesight/aerofuse/internal/measure"
)

// NormalizeResult carries the Z-scored pairs, the statistics they were
// scored against, and any partitions that had to be dropped.
type NormalizeResult struct {
	Pairs   []NormalizedPair
	Stats   map[StatsKey]PartitionStats
	Invalid []*InvalidPartitionError
}

// Normalize converts matched pairs to Z-scores in two passes. The first pass
// computes each (source, parameter) partition's sample mean and standard
// deviation over the supplied measurement sets; the second looks pairs up
// against the precomputed table. A partition whose deviation is zero or
// undefined (a single value) Z-scores to exactly zero, never NaN. Pairs whose
// partition has no values at all are dropped and reported in Invalid.
func Normalize(pairs []MatchedPair, satellite, ground []measure.Measurement) *NormalizeResult {
	res := &NormalizeResult{Stats: computeStats(satellite, ground)}

	missing := make(map[StatsKey]bool)
	for _, p := range pairs {
		satKey := StatsKey{Source: measure.SourceSatellite, Parameter: p.Satellite.Parameter}
		gndKey := StatsKey{Source: measure.SourceGround, Parameter: p.Ground.Parameter}

		satStats, satOK := res.Stats[satKey]
		gndStats, gndOK := res.Stats[gndKey]
		if !satOK {
			missing[satKey] = true
		}
		if !gndOK {
			missing[gndKey] = true
		}
		if !satOK || !gndOK {
			continue
		}

		satZ := zscore(p.Satellite.Value, satStats)
		gndZ := zscore(p.Ground.Value, gndStats)
		res.Pairs = append(res.Pairs, NormalizedPair{
			MatchedPair:   p,
			SatZ:          satZ,
			GroundZ:       gndZ,
			ValueVariance: math.Abs(satZ - gndZ),
		})
	}

	for key := range missing {
		res.Invalid = append(res.Invalid, &InvalidPartitionError{Source: key.Source, Parameter: key.Parameter})
	}
	sort.Slice(res.Invalid, func(i, j int) bool {
		if res.Invalid[i].Source != res.Invalid[j].Source {
			return res.Invalid[i].Source < res.Invalid[j].Source
		}
		return res.Invalid[i].Parameter < res.Invalid[j].Parameter
	})

	return res
}

// computeStats is the first normalization pass.
func computeStats(satellite, ground []measure.Measurement) map[StatsKey]PartitionStats {
	values := make(map[StatsKey][]float64)
	for _, m := range satellite {
		key := StatsKey{Source: measure.SourceSatellite, Parameter: m.Parameter}
		values[key] = append(values[key], m.Value)
	}
	for _, m := range ground {
		key := StatsKey{Source: measure.SourceGround, Parameter: m.Parameter}
		values[key] = append(values[key], m.Value)
	}

	out := make(map[StatsKey]PartitionStats, len(values))
	for key, vs := range values {
		ps := PartitionStats{Mean: stat.Mean(vs, nil), N: len(vs)}
		if len(vs) > 1 {
			if sd := stat.StdDev(vs, nil); !math.IsNaN(sd) {
				ps.StdDev = sd
			}
		}
		out[key] = ps
	}
	return out
}

func zscore(v float64, s PartitionStats) float64 {
	if s.StdDev == 0 {
		return 0
	}
	return (v - s.Mean) / s.StdDev
}

package fusion

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/plumesight/aerofuse/internal/measure"
)

// indexedFootprint caches the bound so the bbox rejection test never
// recomputes it per candidate.
type indexedFootprint struct {
	fp    Footprint
	bound orb.Bound
}

// Match joins ground observations to the satellite footprints that cover
// them. Candidates pair only within the same (parameter, UTC day) partition;
// containment is boundary-inclusive, and one ground point may fall inside
// many overlapping footprints just as one footprint may cover many ground
// sites. An empty result is a normal outcome, not an error.
func Match(footprints []Footprint, ground []measure.Measurement) []MatchedPair {
	if len(footprints) == 0 || len(ground) == 0 {
		return nil
	}

	byPartition := make(map[PartitionKey][]indexedFootprint)
	for _, fp := range footprints {
		key := PartitionKey{Parameter: fp.Meas.Parameter, Day: fp.Meas.Day()}
		byPartition[key] = append(byPartition[key], indexedFootprint{fp: fp, bound: fp.Poly.Bound()})
	}

	var pairs []MatchedPair
	for _, g := range ground {
		key := PartitionKey{Parameter: g.Parameter, Day: g.Day()}
		candidates := byPartition[key]
		if len(candidates) == 0 {
			continue
		}

		pt := groundPoint(g)
		for _, cand := range candidates {
			if !cand.bound.Contains(pt) {
				continue
			}
			if !planar.PolygonContains(cand.fp.Poly, pt) {
				continue
			}
			pairs = append(pairs, MatchedPair{
				Satellite: cand.fp.Meas,
				Ground:    g,
				Footprint: cand.fp.Poly,
			})
		}
	}

	sortPairs(pairs)
	return pairs
}

// groundPoint resolves the coordinate a ground observation is tested at.
// Ground stations report points; anything else falls back to its bound
// center.
func groundPoint(g measure.Measurement) orb.Point {
	if pt, ok := g.Geometry.(orb.Point); ok {
		return pt
	}
	return g.Geometry.Bound().Center()
}

// sortPairs fixes the pair order so identical inputs always produce
// identical output, independent of map iteration.
func sortPairs(pairs []MatchedPair) {
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.Satellite.Parameter != b.Satellite.Parameter {
			return a.Satellite.Parameter < b.Satellite.Parameter
		}
		if !a.Satellite.Day().Equal(b.Satellite.Day()) {
			return a.Satellite.Day().Before(b.Satellite.Day())
		}
		if a.Satellite.SourceID != b.Satellite.SourceID {
			return a.Satellite.SourceID < b.Satellite.SourceID
		}
		return a.Ground.SourceID < b.Ground.SourceID
	})
}

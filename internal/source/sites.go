package source

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/measure"
)

// SiteSet is the registered station inventory. Ground measurements from
// stations outside it are treated as unverified and filtered out.
type SiteSet struct {
	locations map[string]orb.Point
}

// LoadSites reads a station inventory workbook with site, latitude,
// longitude, and active columns. Inactive rows are skipped; a workbook
// without an active column keeps every row.
func LoadSites(path string) (*SiteSet, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("source: empty site inventory %s", path)
	}

	header := rows[0]
	siteIdx := columnIndex(header, "site", "site_id", "station", "location")
	latIdx := columnIndex(header, "latitude", "lat")
	lonIdx := columnIndex(header, "longitude", "lon", "lng")
	activeIdx := columnIndex(header, "active")
	if siteIdx < 0 || latIdx < 0 || lonIdx < 0 {
		return nil, eris.Errorf("source: inventory %s missing site/latitude/longitude columns", path)
	}

	set := &SiteSet{locations: make(map[string]orb.Point)}
	var skipped int
	for _, row := range rows[1:] {
		if len(row) <= siteIdx || len(row) <= latIdx || len(row) <= lonIdx {
			skipped++
			continue
		}
		id := strings.TrimSpace(row[siteIdx])
		if id == "" {
			skipped++
			continue
		}
		if activeIdx >= 0 && len(row) > activeIdx && !isActive(row[activeIdx]) {
			skipped++
			continue
		}
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(row[lonIdx]), 64)
		if latErr != nil || lonErr != nil {
			skipped++
			continue
		}
		set.locations[id] = orb.Point{lon, lat}
	}

	if skipped > 0 {
		zap.L().Debug("source: skipped inventory rows",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	if len(set.locations) == 0 {
		return nil, eris.Errorf("source: no active sites in %s", path)
	}
	return set, nil
}

func isActive(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "active":
		return true
	}
	return false
}

// Has reports whether a station id is registered.
func (s *SiteSet) Has(id string) bool {
	_, ok := s.locations[id]
	return ok
}

// Len returns the number of registered stations.
func (s *SiteSet) Len() int {
	return len(s.locations)
}

// Location returns a station's coordinates.
func (s *SiteSet) Location(id string) (orb.Point, bool) {
	p, ok := s.locations[id]
	return p, ok
}

// Filter keeps ground measurements from registered sites; satellite rows
// pass through untouched. Returns the kept rows and the number dropped.
// A nil SiteSet keeps everything.
func (s *SiteSet) Filter(ms []measure.Measurement) ([]measure.Measurement, int) {
	if s == nil {
		return ms, 0
	}

	kept := make([]measure.Measurement, 0, len(ms))
	var dropped int
	for _, m := range ms {
		if m.Source == measure.SourceGround && !s.Has(m.SourceID) {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}

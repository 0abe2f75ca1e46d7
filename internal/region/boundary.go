package region

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/fetcher"
)

// LoadBoundary reads every polygon record from a shapefile into one
// multipolygon. Boundary files usually ship zipped with their sidecars;
// a .zip path is unpacked to a temp dir first.
func LoadBoundary(path string) (orb.MultiPolygon, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return loadZippedBoundary(path)
	}
	return loadShapefile(path)
}

func loadZippedBoundary(zipPath string) (orb.MultiPolygon, error) {
	tmpDir, err := os.MkdirTemp("", "boundary-*")
	if err != nil {
		return nil, eris.Wrap(err, "region: create temp dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	files, err := fetcher.ExtractZIP(zipPath, tmpDir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".shp") {
			return loadShapefile(f)
		}
	}
	return nil, eris.Errorf("region: no .shp in %s", zipPath)
}

func loadShapefile(path string) (orb.MultiPolygon, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "region: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	var mp orb.MultiPolygon
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		parts := polygonFromShape(poly)
		if len(parts) == 0 {
			skipped++
			continue
		}
		mp = append(mp, parts...)
	}

	if skipped > 0 {
		zap.L().Debug("region: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	if len(mp) == 0 {
		return nil, eris.Errorf("region: no polygon records in %s", path)
	}
	return mp, nil
}

// polygonFromShape converts a shapefile polygon to orb polygons, one per
// part. Each part becomes an outer ring; rings are closed if the file left
// them open, and parts with fewer than three distinct points are dropped.
func polygonFromShape(p *shp.Polygon) orb.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var mp orb.MultiPolygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		ring := make(orb.Ring, 0, end-start+1)
		for j := start; j < end; j++ {
			ring = append(ring, orb.Point{p.Points[j].X, p.Points[j].Y})
		}
		if len(ring) < 3 {
			continue
		}
		if ring[0] != ring[len(ring)-1] {
			ring = append(ring, ring[0])
		}
		if len(ring) < 4 {
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	return mp
}

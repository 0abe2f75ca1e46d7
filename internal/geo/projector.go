package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/plumesight/aerofuse/internal/config"
)

// ProjectionError reports a geometry that could not be projected or buffered.
// It is fatal to the geometry, not to the run: callers skip the record and
// keep going.
type ProjectionError struct {
	CRS    string
	Reason string
}

func (e *ProjectionError) Error() string {
	if e.CRS == "" {
		return fmt.Sprintf("geo: %s", e.Reason)
	}
	return fmt.Sprintf("geo: %s (%s)", e.Reason, e.CRS)
}

// Projector transforms geometries from a source CRS into a metric CRS,
// dilates satellite footprints there, and returns results in the source CRS.
type Projector struct {
	src    *CRS
	metric *CRS
	buffer float64
}

// NewProjector builds a projector from configuration. The metric CRS must be
// a projected system when buffering is requested; buffering in degrees is the
// exact mistake this type exists to prevent.
func NewProjector(cfg config.GeometryConfig) (*Projector, error) {
	src, err := LookupCRS(cfg.SourceCRS)
	if err != nil {
		return nil, err
	}
	metric, err := LookupCRS(cfg.MetricCRS)
	if err != nil {
		return nil, err
	}
	if cfg.BufferMeters > 0 && !metric.Metric {
		return nil, &ProjectionError{CRS: metric.Code, Reason: "buffer CRS is not metric"}
	}
	return &Projector{src: src, metric: metric, buffer: cfg.BufferMeters}, nil
}

// BufferMeters returns the configured footprint dilation radius.
func (p *Projector) BufferMeters() float64 { return p.buffer }

// ProjectAndBuffer validates a geometry and, when applyBuffer is set, dilates
// it by the configured radius in the metric CRS with a square cap. The result
// comes back expressed in the source CRS. Without applyBuffer the validated
// geometry is returned untouched so coordinates never pick up round-trip
// noise.
func (p *Projector) ProjectAndBuffer(g orb.Geometry, applyBuffer bool) (orb.Geometry, error) {
	if err := p.validate(g); err != nil {
		return nil, err
	}
	if !applyBuffer {
		return g, nil
	}

	toMetric := func(pt orb.Point) orb.Point { return p.metric.Forward(p.src.Inverse(pt)) }
	toSource := func(pt orb.Point) orb.Point { return p.src.Forward(p.metric.Inverse(pt)) }

	switch g := g.(type) {
	case orb.Point:
		if p.buffer <= 0 {
			return nil, &ProjectionError{CRS: p.metric.Code, Reason: "point footprint needs a positive buffer"}
		}
		sq := squareAround(project.Point(g, toMetric), p.buffer)
		return project.Polygon(orb.Polygon{sq}, toSource), nil
	case orb.Polygon:
		metric := project.Polygon(g.Clone(), toMetric)
		dilated, err := dilateSquare(metric, p.buffer)
		if err != nil {
			return nil, err
		}
		return project.Polygon(dilated, toSource), nil
	default:
		return nil, &ProjectionError{CRS: p.src.Code, Reason: fmt.Sprintf("unsupported geometry type %s", g.GeoJSONType())}
	}
}

// validate rejects empty and degenerate geometry before any math runs on it.
func (p *Projector) validate(g orb.Geometry) error {
	switch g := g.(type) {
	case orb.Point:
		if !finitePoint(g) {
			return &ProjectionError{CRS: p.src.Code, Reason: "non-finite point coordinate"}
		}
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return &ProjectionError{CRS: p.src.Code, Reason: "empty polygon"}
		}
		ring := g[0]
		for _, pt := range ring {
			if !finitePoint(pt) {
				return &ProjectionError{CRS: p.src.Code, Reason: "non-finite polygon coordinate"}
			}
		}
		if len(ring) < 4 || !ring.Closed() {
			return &ProjectionError{CRS: p.src.Code, Reason: "open or undersized polygon ring"}
		}
		if math.Abs(planar.Area(g)) == 0 {
			return &ProjectionError{CRS: p.src.Code, Reason: "zero-area polygon"}
		}
	case nil:
		return &ProjectionError{CRS: p.src.Code, Reason: "nil geometry"}
	default:
		return &ProjectionError{CRS: p.src.Code, Reason: fmt.Sprintf("unsupported geometry type %s", g.GeoJSONType())}
	}
	return nil
}

func finitePoint(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsInf(p[0], 0) &&
		!math.IsNaN(p[1]) && !math.IsInf(p[1], 0)
}

// Package geo projects measurement geometries between coordinate reference
// systems and dilates satellite footprints in a metric CRS.
package geo

import (
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// WGS84 ellipsoid constants and the UTM scale/offset conventions.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1.0 / 298.257223563

	utmScale        = 0.9996
	utmFalseEasting = 500000.0
	utmFalseNorthS  = 10000000.0
)

// CRS is a coordinate reference system the registry can project into and out
// of. Forward maps EPSG:4326 lon/lat points into the CRS; Inverse maps back.
// For EPSG:4326 itself both are the identity.
type CRS struct {
	Code    string
	Metric  bool
	Forward orb.Projection
	Inverse orb.Projection
}

// LookupCRS resolves an EPSG code. Supported systems are EPSG:4326 and the
// UTM zones EPSG:32601-32660 (north) and EPSG:32701-32760 (south).
func LookupCRS(code string) (*CRS, error) {
	norm := strings.ToUpper(strings.TrimSpace(code))
	if norm == "EPSG:4326" {
		ident := func(p orb.Point) orb.Point { return p }
		return &CRS{Code: norm, Forward: ident, Inverse: ident}, nil
	}

	num, ok := strings.CutPrefix(norm, "EPSG:")
	if !ok {
		return nil, &ProjectionError{CRS: code, Reason: "not an EPSG code"}
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return nil, &ProjectionError{CRS: code, Reason: "malformed EPSG code"}
	}

	var zone int
	var south bool
	switch {
	case n >= 32601 && n <= 32660:
		zone = n - 32600
	case n >= 32701 && n <= 32760:
		zone = n - 32700
		south = true
	default:
		return nil, &ProjectionError{CRS: code, Reason: "unsupported EPSG code"}
	}

	tm := newTransverseMercator(zone, south)
	return &CRS{
		Code:    norm,
		Metric:  true,
		Forward: tm.forward,
		Inverse: tm.inverse,
	}, nil
}

// transverseMercator evaluates the UTM projection for one zone using the
// Krueger series in terms of the third flattening. Series truncation error is
// below a millimeter anywhere inside the zone.
type transverseMercator struct {
	lon0          float64
	falseNorthing float64
	scaledRadius  float64 // k0 times the rectifying radius
	eccentricity  float64
	alpha         [3]float64
	beta          [3]float64
	delta         [3]float64
}

func newTransverseMercator(zone int, south bool) *transverseMercator {
	n := flattening / (2 - flattening)
	n2, n3 := n*n, n*n*n

	tm := &transverseMercator{
		lon0:         float64(zone*6-183) * math.Pi / 180,
		scaledRadius: utmScale * semiMajorAxis / (1 + n) * (1 + n2/4 + n2*n2/64),
		eccentricity: 2 * math.Sqrt(n) / (1 + n),
	}
	if south {
		tm.falseNorthing = utmFalseNorthS
	}

	tm.alpha = [3]float64{
		n/2 - 2*n2/3 + 5*n3/16,
		13*n2/48 - 3*n3/5,
		61 * n3 / 240,
	}
	tm.beta = [3]float64{
		n/2 - 2*n2/3 + 37*n3/96,
		n2/48 + n3/15,
		17 * n3 / 480,
	}
	tm.delta = [3]float64{
		2*n - 2*n2/3 - 2*n3,
		7*n2/3 - 8*n3/5,
		56 * n3 / 15,
	}
	return tm
}

// forward maps a lon/lat point to easting/northing meters.
func (tm *transverseMercator) forward(p orb.Point) orb.Point {
	lat := p.Lat() * math.Pi / 180
	dLon := p.Lon()*math.Pi/180 - tm.lon0

	// Conformal latitude, expressed through its tangent.
	sinLat := math.Sin(lat)
	t := math.Sinh(math.Atanh(sinLat) - tm.eccentricity*math.Atanh(tm.eccentricity*sinLat))

	xiP := math.Atan2(t, math.Cos(dLon))
	etaP := math.Asinh(math.Sin(dLon) / math.Hypot(t, math.Cos(dLon)))

	xi, eta := xiP, etaP
	for j := 0; j < 3; j++ {
		k := float64(2 * (j + 1))
		xi += tm.alpha[j] * math.Sin(k*xiP) * math.Cosh(k*etaP)
		eta += tm.alpha[j] * math.Cos(k*xiP) * math.Sinh(k*etaP)
	}

	return orb.Point{
		utmFalseEasting + tm.scaledRadius*eta,
		tm.falseNorthing + tm.scaledRadius*xi,
	}
}

// inverse maps easting/northing meters back to lon/lat degrees.
func (tm *transverseMercator) inverse(p orb.Point) orb.Point {
	xi := (p.Y() - tm.falseNorthing) / tm.scaledRadius
	eta := (p.X() - utmFalseEasting) / tm.scaledRadius

	xiP, etaP := xi, eta
	for j := 0; j < 3; j++ {
		k := float64(2 * (j + 1))
		xiP -= tm.beta[j] * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= tm.beta[j] * math.Cos(k*xi) * math.Sinh(k*eta)
	}

	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	lat := chi
	for j := 0; j < 3; j++ {
		k := float64(2 * (j + 1))
		lat += tm.delta[j] * math.Sin(k*chi)
	}

	lon := tm.lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))
	return orb.Point{lon * 180 / math.Pi, lat * 180 / math.Pi}
}

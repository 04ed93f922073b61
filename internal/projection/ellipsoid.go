package projection

import "math"

// Ellipsoid is a reference ellipsoid given by its semi-major axis and
// inverse flattening.
type Ellipsoid struct {
	Name string
	A    float64
	InvF float64
}

var (
	GRS80      = Ellipsoid{Name: "GRS80", A: 6378137, InvF: 298.257222101}
	WGS84      = Ellipsoid{Name: "WGS84", A: 6378137, InvF: 298.257223563}
	Bessel1841 = Ellipsoid{Name: "Bessel1841", A: 6377397.155, InvF: 299.1528128}
)

// F returns the flattening.
func (e Ellipsoid) F() float64 { return 1 / e.InvF }

// E2 returns the first eccentricity squared.
func (e Ellipsoid) E2() float64 {
	f := e.F()
	return f * (2 - f)
}

// N returns the third flattening (a-b)/(a+b).
func (e Ellipsoid) N() float64 {
	f := e.F()
	return f / (2 - f)
}

// toGeocentric converts geodetic coordinates in degrees and metres to
// earth-centred cartesian coordinates.
func (e Ellipsoid) toGeocentric(lon, lat, h float64) (x, y, z float64) {
	phi := lat * deg2rad
	lam := lon * deg2rad
	e2 := e.E2()
	sinPhi, cosPhi := math.Sincos(phi)
	n := e.A / math.Sqrt(1-e2*sinPhi*sinPhi)

	x = (n + h) * cosPhi * math.Cos(lam)
	y = (n + h) * cosPhi * math.Sin(lam)
	z = (n*(1-e2) + h) * sinPhi
	return x, y, z
}

// fromGeocentric is the inverse of toGeocentric.
func (e Ellipsoid) fromGeocentric(x, y, z float64) (lon, lat, h float64, err error) {
	e2 := e.E2()
	p := math.Hypot(x, y)
	lam := math.Atan2(y, x)

	phi := math.Atan2(z, p*(1-e2))
	for i := 0; i < maxIterations; i++ {
		sinPhi, cosPhi := math.Sincos(phi)
		n := e.A / math.Sqrt(1-e2*sinPhi*sinPhi)
		h = p/cosPhi - n
		next := math.Atan2(z, p*(1-e2*n/(n+h)))
		if math.Abs(next-phi) < 1e-14 {
			return lam * rad2deg, next * rad2deg, h, nil
		}
		phi = next
	}
	return 0, 0, 0, ErrNotConverged
}

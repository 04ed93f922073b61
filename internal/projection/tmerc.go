package projection

import "math"

const (
	deg2rad       = math.Pi / 180
	rad2deg       = 180 / math.Pi
	maxIterations = 20

	// maxMeridianOffset bounds |lon - lon_0| for the forward transform.
	maxMeridianOffset = 60.0
)

// tmerc is an ellipsoidal transverse Mercator using the sixth order Krüger
// series, accurate to well below a millimetre across the width of Korea.
type tmerc struct {
	e      float64 // first eccentricity
	e2     float64
	lon0   float64 // radians
	k0     float64
	x0, y0 float64
	ka     float64 // k0 times the rectifying radius
	xi0    float64 // xi of the latitude of origin on the central meridian
	alpha  [6]float64
	beta   [6]float64
}

func newTmerc(ell Ellipsoid, lat0, lon0, k0, x0, y0 float64) *tmerc {
	n := ell.N()
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	n5 := n4 * n
	n6 := n5 * n

	t := &tmerc{
		e2:   ell.E2(),
		lon0: lon0 * deg2rad,
		k0:   k0,
		x0:   x0,
		y0:   y0,
	}
	t.e = math.Sqrt(t.e2)
	rect := ell.A / (1 + n) * (1 + n2/4 + n4/64 + n6/256)
	t.ka = k0 * rect

	t.alpha = [6]float64{
		n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180 - 127*n5/288 + 7891*n6/37800,
		13*n2/48 - 3*n3/5 + 557*n4/1440 + 281*n5/630 - 1983433*n6/1935360,
		61*n3/240 - 103*n4/140 + 15061*n5/26880 + 167603*n6/181440,
		49561*n4/161280 - 179*n5/168 + 6601661*n6/7257600,
		34729*n5/80640 - 3418889*n6/1995840,
		212378941 * n6 / 319334400,
	}
	t.beta = [6]float64{
		n/2 - 2*n2/3 + 37*n3/96 - n4/360 - 81*n5/512 + 96199*n6/604800,
		n2/48 + n3/15 - 437*n4/1440 + 46*n5/105 - 1118711*n6/3870720,
		17*n3/480 - 37*n4/840 - 209*n5/4480 + 5569*n6/90720,
		4397*n4/161280 - 11*n5/504 - 830251*n6/7257600,
		4583*n5/161280 - 108847*n6/3991680,
		20648693 * n6 / 638668800,
	}

	xi, _ := t.gauss(lat0*deg2rad, 0)
	t.xi0 = xi
	return t
}

// taup maps tan(phi) to the tangent of the conformal latitude.
func (t *tmerc) taup(tau float64) float64 {
	tau1 := math.Hypot(1, tau)
	sig := math.Sinh(t.e * math.Atanh(t.e*tau/tau1))
	return math.Hypot(1, sig)*tau - sig*tau1
}

// tauFromTaup inverts taup with Newton's method.
func (t *tmerc) tauFromTaup(taup float64) (float64, error) {
	tau := taup / (1 - t.e2)
	for i := 0; i < maxIterations; i++ {
		tp := t.taup(tau)
		dtau := (taup - tp) * (1 + (1-t.e2)*tau*tau) /
			((1 - t.e2) * math.Hypot(1, tp) * math.Hypot(1, tau))
		tau += dtau
		if math.Abs(dtau) <= 1e-15*math.Max(1, math.Abs(tau)) {
			return tau, nil
		}
	}
	return 0, ErrNotConverged
}

// gauss returns the Krüger series coordinates (xi, eta) for a latitude and a
// longitude offset from the central meridian, both in radians.
func (t *tmerc) gauss(phi, dlam float64) (xi, eta float64) {
	tp := t.taup(math.Tan(phi))
	xip := math.Atan2(tp, math.Cos(dlam))
	etap := math.Asinh(math.Sin(dlam) / math.Hypot(tp, math.Cos(dlam)))

	xi, eta = xip, etap
	for j := 1; j <= 6; j++ {
		a := t.alpha[j-1]
		jj := float64(2 * j)
		xi += a * math.Sin(jj*xip) * math.Cosh(jj*etap)
		eta += a * math.Cos(jj*xip) * math.Sinh(jj*etap)
	}
	return xi, eta
}

func (t *tmerc) forward(lon, lat float64) (x, y float64, err error) {
	dlam := lon*deg2rad - t.lon0
	dlam = math.Remainder(dlam, 2*math.Pi)
	if math.Abs(dlam) > maxMeridianOffset*deg2rad || math.Abs(lat) > 90 {
		return 0, 0, ErrOutOfRange
	}
	xi, eta := t.gauss(lat*deg2rad, dlam)
	x = t.x0 + t.ka*eta
	y = t.y0 + t.ka*(xi-t.xi0)
	return x, y, nil
}

func (t *tmerc) inverse(x, y float64) (lon, lat float64, err error) {
	xi := (y-t.y0)/t.ka + t.xi0
	eta := (x - t.x0) / t.ka

	xip, etap := xi, eta
	for j := 1; j <= 6; j++ {
		b := t.beta[j-1]
		jj := float64(2 * j)
		xip -= b * math.Sin(jj*xi) * math.Cosh(jj*eta)
		etap -= b * math.Cos(jj*xi) * math.Sinh(jj*eta)
	}

	if math.Abs(xip) > math.Pi/2 {
		return 0, 0, ErrOutOfRange
	}

	// conformal latitude and longitude offset on the sphere
	sinhEta := math.Sinh(etap)
	sinXi, cosXi := math.Sincos(xip)
	r := math.Hypot(sinhEta, cosXi)
	taup := sinXi / r
	dlam := math.Atan2(sinhEta, cosXi)

	tau, err := t.tauFromTaup(taup)
	if err != nil {
		return 0, 0, err
	}
	lat = math.Atan(tau) * rad2deg
	lon = (t.lon0 + dlam) * rad2deg
	return lon, lat, nil
}

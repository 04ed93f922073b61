package projection

import (
	"math"
	"strconv"
	"strings"
)

const arcsec = math.Pi / (180 * 3600)

// Helmert holds a seven parameter shift to WGS84 in the position vector
// convention used by proj's +towgs84: translations in metres, rotations in
// arc seconds and scale in parts per million.
type Helmert struct {
	DX, DY, DZ float64
	RX, RY, RZ float64
	DS         float64
}

// ParseTowgs84 parses a "dx,dy,dz[,rx,ry,rz,ds]" parameter list.
func ParseTowgs84(s string) (*Helmert, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 && len(parts) != 7 {
		return nil, false
	}
	v := make([]float64, 7)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		v[i] = f
	}
	return &Helmert{DX: v[0], DY: v[1], DZ: v[2], RX: v[3], RY: v[4], RZ: v[5], DS: v[6]}, true
}

// IsZero reports whether the shift is the identity.
func (h *Helmert) IsZero() bool {
	return h == nil || *h == Helmert{}
}

func (h *Helmert) matrix() (m [3][3]float64, scale float64) {
	rx, ry, rz := h.RX*arcsec, h.RY*arcsec, h.RZ*arcsec
	m = [3][3]float64{
		{1, -rz, ry},
		{rz, 1, -rx},
		{-ry, rx, 1},
	}
	return m, 1 + h.DS*1e-6
}

// apply shifts source datum geocentric coordinates to WGS84.
func (h *Helmert) apply(x, y, z float64) (float64, float64, float64) {
	m, s := h.matrix()
	return h.DX + s*(m[0][0]*x+m[0][1]*y+m[0][2]*z),
		h.DY + s*(m[1][0]*x+m[1][1]*y+m[1][2]*z),
		h.DZ + s*(m[2][0]*x+m[2][1]*y+m[2][2]*z)
}

// invert is the exact inverse of apply, solving the linear system rather
// than negating the parameters.
func (h *Helmert) invert(x, y, z float64) (float64, float64, float64) {
	m, s := h.matrix()
	x, y, z = (x-h.DX)/s, (y-h.DY)/s, (z-h.DZ)/s

	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])

	inv := [3][3]float64{
		{m[1][1]*m[2][2] - m[1][2]*m[2][1], m[0][2]*m[2][1] - m[0][1]*m[2][2], m[0][1]*m[1][2] - m[0][2]*m[1][1]},
		{m[1][2]*m[2][0] - m[1][0]*m[2][2], m[0][0]*m[2][2] - m[0][2]*m[2][0], m[0][2]*m[1][0] - m[0][0]*m[1][2]},
		{m[1][0]*m[2][1] - m[1][1]*m[2][0], m[0][1]*m[2][0] - m[0][0]*m[2][1], m[0][0]*m[1][1] - m[0][1]*m[1][0]},
	}
	return (inv[0][0]*x + inv[0][1]*y + inv[0][2]*z) / det,
		(inv[1][0]*x + inv[1][1]*y + inv[1][2]*z) / det,
		(inv[2][0]*x + inv[2][1]*y + inv[2][2]*z) / det
}

// datumShift moves points between a source datum and WGS84. Geographic
// coordinates are taken to lie on the surface of the source ellipsoid, so
// toWGS84 and fromWGS84 are exact inverses of each other.
type datumShift struct {
	src Ellipsoid
	h   *Helmert
}

func (d datumShift) toWGS84(lon, lat float64) (float64, float64, error) {
	x, y, z := d.src.toGeocentric(lon, lat, 0)
	x, y, z = d.h.apply(x, y, z)
	lon, lat, _, err := WGS84.fromGeocentric(x, y, z)
	return lon, lat, err
}

func (d datumShift) fromWGS84(lon, lat float64) (float64, float64, error) {
	// find the WGS84 height that lands on the source ellipsoid surface
	var h float64
	for i := 0; i < maxIterations; i++ {
		x, y, z := WGS84.toGeocentric(lon, lat, h)
		x, y, z = d.h.invert(x, y, z)
		slon, slat, sh, err := d.src.fromGeocentric(x, y, z)
		if err != nil {
			return 0, 0, err
		}
		if math.Abs(sh) < 1e-7 {
			return slon, slat, nil
		}
		h -= sh
	}
	return 0, 0, ErrNotConverged
}

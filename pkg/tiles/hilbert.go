package tiles

// TileID is the position of a tile along the archive's space-filling curve.
//
// All tiles of zoom z come after every tile of zooms < z: the ID is the
// number of tiles in lower zooms, (4^z - 1) / 3, plus the Hilbert distance
// of (x, y) inside the 2^z by 2^z grid. Sorting by TileID therefore visits
// zooms in ascending order and, within a zoom, keeps neighbours close.
type TileID uint64

// zoomBase returns the number of tiles in all zooms below z.
func zoomBase(z uint8) uint64 {
	return ((uint64(1) << (2 * uint64(z))) - 1) / 3
}

// ZxyToID converts a tile coordinate to its TileID.
func ZxyToID(z uint8, x, y uint32) TileID {
	n := uint64(1) << z
	tx, ty := uint64(x), uint64(y)

	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		tx, ty = rotate(n, tx, ty, rx, ry)
	}

	return TileID(zoomBase(z) + d)
}

// IDToZxy converts a TileID back to its tile coordinate.
func IDToZxy(id TileID) (z uint8, x, y uint32) {
	var acc uint64
	for z = 0; z <= MaxZoom; z++ {
		count := uint64(1) << (2 * uint64(z))
		if acc+count > uint64(id) {
			break
		}
		acc += count
	}

	n := uint64(1) << z
	t := uint64(id) - acc

	var tx, ty uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		tx, ty = rotate(s, tx, ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}

	return z, uint32(tx), uint32(ty)
}

// Coord converts the TileID to a TileCoord.
func (id TileID) Coord() TileCoord {
	z, x, y := IDToZxy(id)
	return TileCoord{X: int(x), Y: int(y), Zoom: int(z)}
}

// rotate flips and transposes a quadrant so the sub-curve keeps the
// orientation of its parent.
func rotate(n, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = n - 1 - x
			y = n - 1 - y
		}
		return y, x
	}
	return x, y
}

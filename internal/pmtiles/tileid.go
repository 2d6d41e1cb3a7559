// Package pmtiles reads single-file tile archives over a range fetcher.
// The format packs a fixed 127-byte header, varint-compressed directories
// ordered on a Hilbert curve, and a tile data section; serving one tile
// costs at most three small range reads against the source.
package pmtiles

import (
	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// MaxZoom is the deepest zoom addressable by a 64-bit tile id.
const MaxZoom = 31

// ZxyToID maps a tile coordinate to its Hilbert-ordered archive id.
func ZxyToID(z uint8, x, y uint32) (uint64, error) {
	if z > MaxZoom {
		return 0, apperr.Validationf("zoom %d exceeds maximum %d", z, MaxZoom)
	}
	if uint64(x) >= 1<<z || uint64(y) >= 1<<z {
		return 0, apperr.Validationf("tile %d/%d/%d out of bounds for zoom", z, x, y)
	}
	if z == 0 {
		return 0, nil
	}

	// Ids for all zooms above this one come first.
	acc := (uint64(1)<<(2*uint64(z)) - 1) / 3

	tx, ty := uint64(x), uint64(y)
	var d uint64
	for s := uint64(1) << (z - 1); s > 0; s >>= 1 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		hilbertRotate(s, &tx, &ty, rx, ry)
	}
	return acc + d, nil
}

// IDToZxy inverts ZxyToID.
func IDToZxy(id uint64) (uint8, uint32, uint32, error) {
	var acc uint64
	for z := uint8(0); z <= MaxZoom; z++ {
		numTiles := uint64(1) << (2 * uint64(z))
		if id < acc+numTiles {
			x, y := hilbertPosition(id-acc, z)
			return z, x, y, nil
		}
		acc += numTiles
	}
	return 0, 0, 0, apperr.Validationf("tile id %d exceeds addressable range", id)
}

func hilbertPosition(pos uint64, z uint8) (uint32, uint32) {
	n := uint64(1) << z
	var tx, ty uint64
	t := pos
	for s := uint64(1); s < n; s <<= 1 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		hilbertRotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return uint32(tx), uint32(ty)
}

func hilbertRotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

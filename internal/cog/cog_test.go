package cog

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

type memFetcher struct {
	data []byte
}

func (m *memFetcher) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > int64(len(m.data)) {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat, "range out of bounds")
	}
	return m.data[offset : offset+length], nil
}

func (m *memFetcher) Stat(context.Context) (*rangeio.Info, error) {
	return &rangeio.Info{Size: int64(len(m.data))}, nil
}

func (m *memFetcher) Close() error { return nil }

// tiffEntry is one directory entry for the synthetic writer.
type tiffEntry struct {
	tag   uint16
	ftype uint16
	vals  []uint64
	fvals []float64
}

// buildTIFF assembles a little-endian classic TIFF with one IFD, external
// value arrays, and raw tile payloads appended at the end. Returns the file
// bytes with tile offsets patched in.
func buildTIFF(t *testing.T, entries []tiffEntry, tiles [][]byte) []byte {
	t.Helper()
	le := binary.LittleEndian

	// Layout: header | IFD | external values | tile data.
	ifdSize := 2 + len(entries)*12 + 4
	extOffset := 8 + ifdSize

	// First pass: compute external sizes.
	sizeOf := func(e tiffEntry) int {
		n := len(e.vals) + len(e.fvals)
		return n * int(typeSizes[e.ftype])
	}
	ext := extOffset
	extPos := make([]int, len(entries))
	for i, e := range entries {
		if sizeOf(e) > 4 {
			extPos[i] = ext
			ext += sizeOf(e)
		}
	}
	dataStart := ext
	tileOffsets := make([]uint64, len(tiles))
	pos := dataStart
	for i, td := range tiles {
		tileOffsets[i] = uint64(pos)
		pos += len(td)
	}

	// Patch tile offsets into the entry set.
	for i := range entries {
		if entries[i].tag == tagTileOffsets {
			entries[i].vals = tileOffsets
		}
	}

	buf := make([]byte, pos)
	copy(buf, "II")
	le.PutUint16(buf[2:], 42)
	le.PutUint32(buf[4:], 8)

	le.PutUint16(buf[8:], uint16(len(entries)))
	writeVals := func(dst []byte, e tiffEntry) {
		switch e.ftype {
		case typeShort:
			for i, v := range e.vals {
				le.PutUint16(dst[i*2:], uint16(v))
			}
		case typeLong:
			for i, v := range e.vals {
				le.PutUint32(dst[i*4:], uint32(v))
			}
		case typeDouble:
			for i, v := range e.fvals {
				le.PutUint64(dst[i*8:], math.Float64bits(v))
			}
		default:
			t.Fatalf("unhandled field type %d", e.ftype)
		}
	}
	for i, e := range entries {
		off := 10 + i*12
		le.PutUint16(buf[off:], e.tag)
		le.PutUint16(buf[off+2:], e.ftype)
		le.PutUint32(buf[off+4:], uint32(len(e.vals)+len(e.fvals)))
		if sizeOf(e) > 4 {
			le.PutUint32(buf[off+8:], uint32(extPos[i]))
			writeVals(buf[extPos[i]:], e)
		} else {
			writeVals(buf[off+8:off+12], e)
		}
	}
	// next IFD pointer stays zero
	for i, td := range tiles {
		copy(buf[tileOffsets[i]:], td)
	}
	return buf
}

// geoKeys3857 is a minimal projected GeoKeyDirectory.
func geoKeys3857() []uint64 {
	return []uint64{
		1, 1, 0, 2, // version, revision, minor, key count
		keyModelType, 0, 1, modelTypeProjected,
		keyProjectedCS, 0, 1, EPSGWebMercator,
	}
}

// worldTIFF builds a 32x32 single-band raster covering the full web
// mercator extent, tiled 16x16, with one constant value per block.
func worldTIFF(t *testing.T, blockVals [4]byte, compression uint64) []byte {
	tiles := make([][]byte, 4)
	for i, v := range blockVals {
		td := bytes.Repeat([]byte{v}, 16*16)
		if compression == compressionDeflate {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			_, err := zw.Write(td)
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			td = zbuf.Bytes()
		}
		tiles[i] = td
	}
	counts := make([]uint64, 4)
	for i, td := range tiles {
		counts[i] = uint64(len(td))
	}
	pixel := mercatorWorld / 32

	entries := []tiffEntry{
		{tag: tagImageWidth, ftype: typeShort, vals: []uint64{32}},
		{tag: tagImageLength, ftype: typeShort, vals: []uint64{32}},
		{tag: tagBitsPerSample, ftype: typeShort, vals: []uint64{8}},
		{tag: tagCompression, ftype: typeShort, vals: []uint64{compression}},
		{tag: tagSamplesPerPixel, ftype: typeShort, vals: []uint64{1}},
		{tag: tagTileWidth, ftype: typeShort, vals: []uint64{16}},
		{tag: tagTileLength, ftype: typeShort, vals: []uint64{16}},
		{tag: tagTileOffsets, ftype: typeLong, vals: make([]uint64, 4)},
		{tag: tagTileByteCounts, ftype: typeLong, vals: counts},
		{tag: tagModelPixelScale, ftype: typeDouble, fvals: []float64{pixel, pixel, 0}},
		{tag: tagModelTiepoint, ftype: typeDouble, fvals: []float64{0, 0, 0, -mercatorHalf, mercatorHalf, 0}},
		{tag: tagGeoKeyDirectory, ftype: typeShort, vals: geoKeys3857()},
	}
	return buildTIFF(t, entries, tiles)
}

func TestOpenWorldRaster(t *testing.T) {
	data := worldTIFF(t, [4]byte{10, 20, 30, 40}, compressionNone)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, EPSGWebMercator, r.EPSG())
	w, h := r.Size()
	assert.Equal(t, uint64(32), w)
	assert.Equal(t, uint64(32), h)
	assert.Equal(t, 1, r.Levels())
	assert.Equal(t, 1, r.SamplesPerPixel())

	minLon, minLat, maxLon, maxLat := r.GeographicBounds()
	assert.InDelta(t, -180, minLon, 1e-6)
	assert.InDelta(t, 180, maxLon, 1e-6)
	assert.InDelta(t, -85.051128, minLat, 1e-3)
	assert.InDelta(t, 85.051128, maxLat, 1e-3)
}

func TestReadTile_WholeWorld(t *testing.T) {
	// Blocks: top-left 10, top-right 20, bottom-left 30, bottom-right 40.
	data := worldTIFF(t, [4]byte{10, 20, 30, 40}, compressionNone)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	img, err := r.ReadTile(context.Background(), 0, 0, 0, ReadOptions{Categorical: true})
	require.NoError(t, err)
	assert.Equal(t, TileSize, img.Bounds().Dx())

	quadrant := func(x, y int) uint8 { return img.NRGBAAt(x, y).R }
	assert.Equal(t, uint8(10), quadrant(64, 64))
	assert.Equal(t, uint8(20), quadrant(192, 64))
	assert.Equal(t, uint8(30), quadrant(64, 192))
	assert.Equal(t, uint8(40), quadrant(192, 192))

	// Gray band replicated, opaque alpha.
	px := img.NRGBAAt(64, 64)
	assert.Equal(t, px.R, px.G)
	assert.Equal(t, px.R, px.B)
	assert.Equal(t, uint8(255), px.A)
}

func TestReadTile_SubTileWindow(t *testing.T) {
	data := worldTIFF(t, [4]byte{10, 20, 30, 40}, compressionNone)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	// z=1 x=1 y=0 is the top-right quadrant.
	img, err := r.ReadTile(context.Background(), 1, 1, 0, ReadOptions{Categorical: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(20), img.NRGBAAt(128, 128).R)
}

func TestReadTile_DeflateBlocks(t *testing.T) {
	data := worldTIFF(t, [4]byte{7, 7, 7, 7}, compressionDeflate)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	img, err := r.ReadTile(context.Background(), 0, 0, 0, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint8(7), img.NRGBAAt(128, 128).R)
}

func TestReadTile_BandMappingValidatedBeforeIO(t *testing.T) {
	data := worldTIFF(t, [4]byte{1, 2, 3, 4}, compressionNone)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	_, err = r.ReadTile(context.Background(), 0, 0, 0, ReadOptions{Bands: []int{1, 2}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidBandMapping, apperr.KindOf(err))

	_, err = r.ReadTile(context.Background(), 0, 0, 0, ReadOptions{Bands: []int{5}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidBandMapping, apperr.KindOf(err))

	_, err = r.ReadTile(context.Background(), 0, 0, 0, ReadOptions{Bands: []int{0, 1, 1}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidBandMapping, apperr.KindOf(err))
}

func TestReadTile_OutsideCoverageIsTransparent(t *testing.T) {
	// Shrink the raster to the top-left world quadrant by halving scale.
	data := worldTIFF(t, [4]byte{10, 20, 30, 40}, compressionNone)
	r, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)
	r.scaleX /= 2
	r.scaleY /= 2
	for i := range r.levels {
		r.levels[i].pixelSize /= 2
	}

	// Bottom-right world quadrant has no data.
	img, err := r.ReadTile(context.Background(), 1, 1, 1, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.NRGBAAt(128, 128).A)
}

func TestOpen_NotTiled(t *testing.T) {
	pixel := mercatorWorld / 32
	entries := []tiffEntry{
		{tag: tagImageWidth, ftype: typeShort, vals: []uint64{32}},
		{tag: tagImageLength, ftype: typeShort, vals: []uint64{32}},
		{tag: tagBitsPerSample, ftype: typeShort, vals: []uint64{8}},
		{tag: tagCompression, ftype: typeShort, vals: []uint64{1}},
		{tag: tagSamplesPerPixel, ftype: typeShort, vals: []uint64{1}},
		{tag: tagModelPixelScale, ftype: typeDouble, fvals: []float64{pixel, pixel, 0}},
		{tag: tagModelTiepoint, ftype: typeDouble, fvals: []float64{0, 0, 0, -mercatorHalf, mercatorHalf, 0}},
		{tag: tagGeoKeyDirectory, ftype: typeShort, vals: geoKeys3857()},
	}
	data := buildTIFF(t, entries, nil)

	_, err := Open(context.Background(), &memFetcher{data: data})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "not tiled")
}

func TestOpen_Rejects16BitSamples(t *testing.T) {
	pixel := mercatorWorld / 32
	entries := []tiffEntry{
		{tag: tagImageWidth, ftype: typeShort, vals: []uint64{32}},
		{tag: tagImageLength, ftype: typeShort, vals: []uint64{32}},
		{tag: tagBitsPerSample, ftype: typeShort, vals: []uint64{16}},
		{tag: tagCompression, ftype: typeShort, vals: []uint64{1}},
		{tag: tagSamplesPerPixel, ftype: typeShort, vals: []uint64{1}},
		{tag: tagTileWidth, ftype: typeShort, vals: []uint64{16}},
		{tag: tagTileLength, ftype: typeShort, vals: []uint64{16}},
		{tag: tagTileOffsets, ftype: typeLong, vals: make([]uint64, 4)},
		{tag: tagTileByteCounts, ftype: typeLong, vals: []uint64{0, 0, 0, 0}},
		{tag: tagModelPixelScale, ftype: typeDouble, fvals: []float64{pixel, pixel, 0}},
		{tag: tagModelTiepoint, ftype: typeDouble, fvals: []float64{0, 0, 0, -mercatorHalf, mercatorHalf, 0}},
		{tag: tagGeoKeyDirectory, ftype: typeShort, vals: geoKeys3857()},
	}
	data := buildTIFF(t, entries, [][]byte{{}, {}, {}, {}})

	_, err := Open(context.Background(), &memFetcher{data: data})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "bits per sample")
}

func TestOpen_NotATIFF(t *testing.T) {
	_, err := Open(context.Background(), &memFetcher{data: bytes.Repeat([]byte{0xAB}, 64)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
}

func TestParseGeoKeys(t *testing.T) {
	epsg, err := parseGeoKeys(geoKeys3857())
	require.NoError(t, err)
	assert.Equal(t, EPSGWebMercator, epsg)

	geographic := []uint64{
		1, 1, 0, 2,
		keyModelType, 0, 1, modelTypeGeographic,
		keyGeographicCS, 0, 1, EPSGWGS84,
	}
	epsg, err = parseGeoKeys(geographic)
	require.NoError(t, err)
	assert.Equal(t, EPSGWGS84, epsg)

	utm := []uint64{
		1, 1, 0, 2,
		keyModelType, 0, 1, modelTypeProjected,
		keyProjectedCS, 0, 1, 32654,
	}
	_, err = parseGeoKeys(utm)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "32654")

	_, err = parseGeoKeys([]uint64{1, 1, 0, 0})
	require.Error(t, err)

	_, err = parseGeoKeys(nil)
	require.Error(t, err)
}

func TestSelectLevel(t *testing.T) {
	r := &Raster{levels: []level{
		{pixelSize: 10}, // base
		{pixelSize: 20}, // overview 1
		{pixelSize: 40}, // overview 2
		{pixelSize: 80}, // overview 3
	}}

	assert.Equal(t, 40.0, r.selectLevel(50).pixelSize)
	assert.Equal(t, 80.0, r.selectLevel(80).pixelSize)
	assert.Equal(t, 80.0, r.selectLevel(500).pixelSize)
	// Sharper than base: magnify the base rather than fail.
	assert.Equal(t, 10.0, r.selectLevel(3).pixelSize)
	assert.Equal(t, 10.0, r.selectLevel(10).pixelSize)
}

func TestUndoHorizontalPredictor(t *testing.T) {
	// Row of deltas: 5, +1, +1, -2 -> 5, 6, 7, 5.
	data := []byte{5, 1, 1, 254}
	undoHorizontalPredictor(data, 4, 1)
	assert.Equal(t, []byte{5, 6, 7, 5}, data)

	// Interleaved two-sample pixels difference per channel.
	rgb := []byte{10, 100, 1, 1, 2, 2}
	undoHorizontalPredictor(rgb, 3, 2)
	assert.Equal(t, []byte{10, 100, 11, 101, 13, 103}, rgb)
}

func TestMergeJPEGTables(t *testing.T) {
	tables := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xCC, 0xFF, 0xD9}
	data := []byte{0xFF, 0xD8, 0x11, 0x22, 0xFF, 0xD9}
	merged := mergeJPEGTables(tables, data)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xCC, 0x11, 0x22, 0xFF, 0xD9}, merged)

	// Without tables the stream passes through.
	assert.Equal(t, data, mergeJPEGTables(nil, data))
}

func TestMercatorRoundTrip(t *testing.T) {
	x, y := LonLatToMercator(139.7671, 35.6812)
	lon, lat := mercatorToLonLat(x, y)
	assert.InDelta(t, 139.7671, lon, 1e-9)
	assert.InDelta(t, 35.6812, lat, 1e-9)
}

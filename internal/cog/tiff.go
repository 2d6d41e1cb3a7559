// Package cog reads cloud-optimized GeoTIFF rasters over a range fetcher.
// Only the tiled layout is supported: strip-organized files force full
// scans and defeat windowed access, so they are rejected as invalid.
package cog

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

// TIFF tags used by the reader.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagSamplesPerPixel = 277
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagJPEGTables      = 347
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
)

// Compression schemes supported by the block decoder.
const (
	compressionNone       = 1
	compressionJPEG       = 7
	compressionDeflate    = 8
	compressionDeflateOld = 32946
)

const predictorHorizontal = 2

// field types
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeUndefined = 7
	typeFloat     = 11
	typeDouble    = 12
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

var typeSizes = map[uint16]uint64{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeUndefined: 1, typeFloat: 4, typeDouble: 8,
	typeLong8: 8, typeSLong8: 8, typeIFD8: 8,
}

// ifd is one decoded image file directory: either the full-resolution image
// or an overview.
type ifd struct {
	width, height   uint64
	tileWidth       uint64
	tileLength      uint64
	bitsPerSample   []uint64
	samplesPerPixel uint64
	compression     uint64
	predictor       uint64
	tileOffsets     []uint64
	tileByteCounts  []uint64
	jpegTables      []byte
	pixelScale      []float64
	tiepoint        []float64
	geoKeys         []uint64
}

type tiffReader struct {
	fetcher rangeio.Fetcher
	order   binary.ByteOrder
	big     bool
}

// parseTIFF reads the header and walks every IFD. The first IFD is the full
// resolution image; the rest are overviews.
func parseTIFF(ctx context.Context, fetcher rangeio.Fetcher) (*tiffReader, []ifd, error) {
	head, err := fetcher.ReadRange(ctx, 0, 16)
	if err != nil {
		return nil, nil, err
	}

	r := &tiffReader{fetcher: fetcher}
	switch string(head[:2]) {
	case "II":
		r.order = binary.LittleEndian
	case "MM":
		r.order = binary.BigEndian
	default:
		return nil, nil, apperr.New(apperr.KindInvalidArchiveFormat, "not a TIFF file")
	}

	var next uint64
	switch r.order.Uint16(head[2:]) {
	case 42:
		next = uint64(r.order.Uint32(head[4:]))
	case 43:
		if r.order.Uint16(head[4:]) != 8 || r.order.Uint16(head[6:]) != 0 {
			return nil, nil, apperr.New(apperr.KindInvalidArchiveFormat, "malformed BigTIFF header")
		}
		r.big = true
		next = r.order.Uint64(head[8:])
	default:
		return nil, nil, apperr.New(apperr.KindInvalidArchiveFormat, "bad TIFF magic")
	}

	var ifds []ifd
	for next != 0 {
		d, n, err := r.readIFD(ctx, next)
		if err != nil {
			return nil, nil, err
		}
		ifds = append(ifds, *d)
		next = n
		if len(ifds) > 64 {
			return nil, nil, apperr.New(apperr.KindInvalidArchiveFormat, "too many directories")
		}
	}
	if len(ifds) == 0 {
		return nil, nil, apperr.New(apperr.KindInvalidArchiveFormat, "no image directories")
	}
	return r, ifds, nil
}

func (r *tiffReader) readIFD(ctx context.Context, offset uint64) (*ifd, uint64, error) {
	var (
		entrySize  uint64 = 12
		countSize  uint64 = 2
		nextSize   uint64 = 4
		entryCount uint64
	)
	if r.big {
		entrySize, countSize, nextSize = 20, 8, 8
	}

	countBytes, err := r.fetcher.ReadRange(ctx, int64(offset), int64(countSize))
	if err != nil {
		return nil, 0, err
	}
	if r.big {
		entryCount = r.order.Uint64(countBytes)
	} else {
		entryCount = uint64(r.order.Uint16(countBytes))
	}
	if entryCount == 0 || entryCount > 4096 {
		return nil, 0, apperr.New(apperr.KindInvalidArchiveFormat,
			"implausible directory entry count %d", entryCount)
	}

	body, err := r.fetcher.ReadRange(ctx, int64(offset+countSize), int64(entryCount*entrySize+nextSize))
	if err != nil {
		return nil, 0, err
	}

	d := &ifd{samplesPerPixel: 1, compression: compressionNone, predictor: 1}
	for i := uint64(0); i < entryCount; i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		if err := r.applyEntry(ctx, d, e); err != nil {
			return nil, 0, err
		}
	}

	var next uint64
	nb := body[entryCount*entrySize:]
	if r.big {
		next = r.order.Uint64(nb)
	} else {
		next = uint64(r.order.Uint32(nb))
	}
	return d, next, nil
}

func (r *tiffReader) applyEntry(ctx context.Context, d *ifd, e []byte) error {
	tag := r.order.Uint16(e[0:])
	ftype := r.order.Uint16(e[2:])

	var count uint64
	var valueField []byte
	if r.big {
		count = r.order.Uint64(e[4:])
		valueField = e[12:20]
	} else {
		count = uint64(r.order.Uint32(e[4:]))
		valueField = e[8:12]
	}

	size, ok := typeSizes[ftype]
	if !ok {
		return nil // unknown field type, skip
	}
	total := size * count

	var raw []byte
	if total <= uint64(len(valueField)) {
		raw = valueField[:total]
	} else {
		var off uint64
		if r.big {
			off = r.order.Uint64(valueField)
		} else {
			off = uint64(r.order.Uint32(valueField))
		}
		var err error
		raw, err = r.fetcher.ReadRange(ctx, int64(off), int64(total))
		if err != nil {
			return err
		}
	}

	switch tag {
	case tagImageWidth:
		d.width = r.scalar(raw, ftype)
	case tagImageLength:
		d.height = r.scalar(raw, ftype)
	case tagTileWidth:
		d.tileWidth = r.scalar(raw, ftype)
	case tagTileLength:
		d.tileLength = r.scalar(raw, ftype)
	case tagSamplesPerPixel:
		d.samplesPerPixel = r.scalar(raw, ftype)
	case tagCompression:
		d.compression = r.scalar(raw, ftype)
	case tagPredictor:
		d.predictor = r.scalar(raw, ftype)
	case tagBitsPerSample:
		d.bitsPerSample = r.uintSlice(raw, ftype, count)
	case tagSampleFormat:
		// parsed for completeness; only unsigned integer samples are served
	case tagTileOffsets:
		d.tileOffsets = r.uintSlice(raw, ftype, count)
	case tagTileByteCounts:
		d.tileByteCounts = r.uintSlice(raw, ftype, count)
	case tagJPEGTables:
		d.jpegTables = append([]byte(nil), raw...)
	case tagModelPixelScale:
		d.pixelScale = r.floatSlice(raw, ftype, count)
	case tagModelTiepoint:
		d.tiepoint = r.floatSlice(raw, ftype, count)
	case tagGeoKeyDirectory:
		d.geoKeys = r.uintSlice(raw, ftype, count)
	}
	return nil
}

func (r *tiffReader) scalar(raw []byte, ftype uint16) uint64 {
	vals := r.uintSlice(raw, ftype, 1)
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}

func (r *tiffReader) uintSlice(raw []byte, ftype uint16, count uint64) []uint64 {
	out := make([]uint64, 0, count)
	size := typeSizes[ftype]
	for i := uint64(0); i < count && (i+1)*size <= uint64(len(raw)); i++ {
		b := raw[i*size:]
		switch ftype {
		case typeByte, typeASCII, typeUndefined:
			out = append(out, uint64(b[0]))
		case typeShort:
			out = append(out, uint64(r.order.Uint16(b)))
		case typeLong:
			out = append(out, uint64(r.order.Uint32(b)))
		case typeLong8, typeSLong8, typeIFD8:
			out = append(out, r.order.Uint64(b))
		}
	}
	return out
}

func (r *tiffReader) floatSlice(raw []byte, ftype uint16, count uint64) []float64 {
	out := make([]float64, 0, count)
	size := typeSizes[ftype]
	for i := uint64(0); i < count && (i+1)*size <= uint64(len(raw)); i++ {
		b := raw[i*size:]
		switch ftype {
		case typeFloat:
			out = append(out, float64(math.Float32frombits(r.order.Uint32(b))))
		case typeDouble:
			out = append(out, math.Float64frombits(r.order.Uint64(b)))
		}
	}
	return out
}

// validate checks that an IFD is a servable tiled image.
func (d *ifd) validate() error {
	if d.width == 0 || d.height == 0 {
		return apperr.New(apperr.KindInvalidArchiveFormat, "directory missing image dimensions")
	}
	if d.tileWidth == 0 || d.tileLength == 0 {
		return apperr.New(apperr.KindInvalidArchiveFormat,
			"raster is not tiled; only tiled layouts support windowed reads")
	}
	switch d.compression {
	case compressionNone, compressionJPEG, compressionDeflate, compressionDeflateOld:
	default:
		return apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported compression scheme %d", d.compression)
	}
	// Only 8-bit samples are served; wider samples would need byte-order
	// handling through the predictor and band mapping.
	for _, b := range d.bitsPerSample {
		if b != 8 {
			return apperr.New(apperr.KindInvalidArchiveFormat,
				"unsupported bits per sample %d; only 8-bit rasters are served", b)
		}
	}
	tilesAcross := (d.width + d.tileWidth - 1) / d.tileWidth
	tilesDown := (d.height + d.tileLength - 1) / d.tileLength
	if uint64(len(d.tileOffsets)) < tilesAcross*tilesDown {
		return apperr.New(apperr.KindInvalidArchiveFormat,
			"tile offset table shorter than tile grid")
	}
	return nil
}

func (d *ifd) bits() uint64 {
	if len(d.bitsPerSample) > 0 {
		return d.bitsPerSample[0]
	}
	return 8
}

package pmtiles

import (
	"encoding/binary"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// HeaderLen is the fixed byte length of the archive header.
const HeaderLen = 127

const magic = "PMTiles"

// Compression identifies how directories or tile payloads are compressed.
type Compression uint8

// Compression values.
const (
	CompressionUnknown Compression = 0
	CompressionNone    Compression = 1
	CompressionGzip    Compression = 2
	CompressionBrotli  Compression = 3
	CompressionZstd    Compression = 4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionBrotli:
		return "brotli"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// TileType identifies the payload format of the archive's tiles.
type TileType uint8

// TileType values.
const (
	TileTypeUnknown TileType = 0
	TileTypeMVT     TileType = 1
	TileTypePNG     TileType = 2
	TileTypeJPEG    TileType = 3
	TileTypeWebP    TileType = 4
	TileTypeAVIF    TileType = 5
)

func (t TileType) String() string {
	switch t {
	case TileTypeMVT:
		return "mvt"
	case TileTypePNG:
		return "png"
	case TileTypeJPEG:
		return "jpeg"
	case TileTypeWebP:
		return "webp"
	case TileTypeAVIF:
		return "avif"
	default:
		return "unknown"
	}
}

// ContentType returns the HTTP content type for the tile payload.
func (t TileType) ContentType() string {
	switch t {
	case TileTypeMVT:
		return "application/vnd.mapbox-vector-tile"
	case TileTypePNG:
		return "image/png"
	case TileTypeJPEG:
		return "image/jpeg"
	case TileTypeWebP:
		return "image/webp"
	case TileTypeAVIF:
		return "image/avif"
	default:
		return "application/octet-stream"
	}
}

// Header is the decoded archive header. Bounds and center are stored as
// E7-scaled integers on the wire and exposed as degrees here.
type Header struct {
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTiles      uint64
	TileEntries         uint64
	TileContents        uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLon              float64
	MinLat              float64
	MaxLon              float64
	MaxLat              float64
	CenterZoom          uint8
	CenterLon           float64
	CenterLat           float64
}

// parseHeader decodes the 127-byte header.
func parseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"header truncated: %d bytes", len(b))
	}
	if string(b[:7]) != magic {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat, "bad magic, not a tile archive")
	}
	if b[7] != 3 {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported archive version %d", b[7])
	}

	h := &Header{
		RootOffset:          binary.LittleEndian.Uint64(b[8:]),
		RootLength:          binary.LittleEndian.Uint64(b[16:]),
		MetadataOffset:      binary.LittleEndian.Uint64(b[24:]),
		MetadataLength:      binary.LittleEndian.Uint64(b[32:]),
		LeafDirectoryOffset: binary.LittleEndian.Uint64(b[40:]),
		LeafDirectoryLength: binary.LittleEndian.Uint64(b[48:]),
		TileDataOffset:      binary.LittleEndian.Uint64(b[56:]),
		TileDataLength:      binary.LittleEndian.Uint64(b[64:]),
		AddressedTiles:      binary.LittleEndian.Uint64(b[72:]),
		TileEntries:         binary.LittleEndian.Uint64(b[80:]),
		TileContents:        binary.LittleEndian.Uint64(b[88:]),
		Clustered:           b[96] == 1,
		InternalCompression: Compression(b[97]),
		TileCompression:     Compression(b[98]),
		TileType:            TileType(b[99]),
		MinZoom:             b[100],
		MaxZoom:             b[101],
		MinLon:              e7(b[102:]),
		MinLat:              e7(b[106:]),
		MaxLon:              e7(b[110:]),
		MaxLat:              e7(b[114:]),
		CenterZoom:          b[118],
		CenterLon:           e7(b[119:]),
		CenterLat:           e7(b[123:]),
	}
	if h.MinZoom > h.MaxZoom {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"zoom range inverted: %d > %d", h.MinZoom, h.MaxZoom)
	}
	return h, nil
}

// serializeHeader is the inverse of parseHeader. The archive command uses it
// when writing archives; tests build synthetic archives with it.
func serializeHeader(h *Header) []byte {
	b := make([]byte, HeaderLen)
	copy(b, magic)
	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:], h.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:], h.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:], h.AddressedTiles)
	binary.LittleEndian.PutUint64(b[80:], h.TileEntries)
	binary.LittleEndian.PutUint64(b[88:], h.TileContents)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = byte(h.InternalCompression)
	b[98] = byte(h.TileCompression)
	b[99] = byte(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	putE7(b[102:], h.MinLon)
	putE7(b[106:], h.MinLat)
	putE7(b[110:], h.MaxLon)
	putE7(b[114:], h.MaxLat)
	b[118] = h.CenterZoom
	putE7(b[119:], h.CenterLon)
	putE7(b[123:], h.CenterLat)
	return b
}

func e7(b []byte) float64 {
	return float64(int32(binary.LittleEndian.Uint32(b))) / 1e7
}

func putE7(b []byte, deg float64) {
	binary.LittleEndian.PutUint32(b, uint32(int32(deg*1e7)))
}

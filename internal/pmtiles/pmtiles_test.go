package pmtiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

// memFetcher serves ranges from an in-memory archive.
type memFetcher struct {
	data []byte
}

func (m *memFetcher) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > int64(len(m.data)) {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"range %d+%d out of bounds", offset, length)
	}
	return m.data[offset : offset+length], nil
}

func (m *memFetcher) Stat(context.Context) (*rangeio.Info, error) {
	return &rangeio.Info{Size: int64(len(m.data))}, nil
}

func (m *memFetcher) Close() error { return nil }

func TestZxyToID_KnownValues(t *testing.T) {
	cases := []struct {
		z    uint8
		x, y uint32
		id   uint64
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{1, 0, 1, 2},
		{1, 1, 1, 3},
		{1, 1, 0, 4},
		{2, 0, 0, 5},
	}
	for _, c := range cases {
		id, err := ZxyToID(c.z, c.x, c.y)
		require.NoError(t, err)
		assert.Equal(t, c.id, id, "z=%d x=%d y=%d", c.z, c.x, c.y)
	}
}

func TestZxyToID_Validation(t *testing.T) {
	_, err := ZxyToID(32, 0, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = ZxyToID(2, 4, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTileIDRoundTrip(t *testing.T) {
	cases := []struct {
		z    uint8
		x, y uint32
	}{
		{0, 0, 0}, {1, 1, 0}, {4, 3, 9}, {8, 227, 99}, {12, 3654, 1612}, {18, 232798, 103246},
	}
	for _, c := range cases {
		id, err := ZxyToID(c.z, c.x, c.y)
		require.NoError(t, err)
		z, x, y, err := IDToZxy(id)
		require.NoError(t, err)
		assert.Equal(t, c.z, z)
		assert.Equal(t, c.x, x)
		assert.Equal(t, c.y, y)
	}
}

func TestTileIDOrderPreservesZoomBlocks(t *testing.T) {
	// All zoom-n ids precede all zoom-(n+1) ids.
	var top uint64
	for x := uint32(0); x < 16; x++ {
		for y := uint32(0); y < 16; y++ {
			id, err := ZxyToID(4, x, y)
			require.NoError(t, err)
			if id > top {
				top = id
			}
		}
	}
	minZ5, err := ZxyToID(5, 0, 0)
	require.NoError(t, err)
	assert.Less(t, top, minZ5)
}

func TestDirectoryRoundTrip(t *testing.T) {
	entries := []Entry{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 50, RunLength: 3},
		{TileID: 10, Offset: 150, Length: 200, RunLength: 1},
		{TileID: 40, Offset: 500, Length: 64, RunLength: 0}, // leaf pointer
	}
	decoded, err := deserializeDirectory(serializeDirectory(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestDirectoryContiguousOffsets(t *testing.T) {
	// Entries 2 and 3 are contiguous with their predecessors; the encoder
	// should emit the zero marker and the decoder should rebuild offsets.
	entries := []Entry{
		{TileID: 0, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 1, Offset: 10, Length: 20, RunLength: 1},
		{TileID: 2, Offset: 30, Length: 5, RunLength: 1},
	}
	data := serializeDirectory(entries)
	decoded, err := deserializeDirectory(data)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestDeserializeDirectory_Truncated(t *testing.T) {
	data := serializeDirectory([]Entry{{TileID: 5, Offset: 0, Length: 10, RunLength: 1}})
	_, err := deserializeDirectory(data[:len(data)-2])
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
}

func TestFindEntry(t *testing.T) {
	entries := []Entry{
		{TileID: 5, Offset: 0, Length: 10, RunLength: 2},
		{TileID: 10, Offset: 10, Length: 10, RunLength: 1},
		{TileID: 20, Offset: 100, Length: 64, RunLength: 0},
	}

	e, ok := findEntry(entries, 5)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.TileID)

	// Within the run.
	e, ok = findEntry(entries, 6)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.TileID)

	// Past the run, before the next entry.
	_, ok = findEntry(entries, 7)
	assert.False(t, ok)

	// Before the first entry.
	_, ok = findEntry(entries, 3)
	assert.False(t, ok)

	// A leaf pointer matches any id at or past its TileID.
	e, ok = findEntry(entries, 1000)
	require.True(t, ok)
	assert.Equal(t, uint32(0), e.RunLength)
}

func buildArchive(t *testing.T, tiles []TileData, opts WriteOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, tiles, opts))
	return buf.Bytes()
}

func TestArchiveRoundTrip(t *testing.T) {
	tiles := []TileData{
		{Z: 0, X: 0, Y: 0, Data: []byte("tile-0-0-0")},
		{Z: 1, X: 0, Y: 0, Data: []byte("tile-1-0-0")},
		{Z: 1, X: 1, Y: 1, Data: []byte("tile-1-1-1")},
		{Z: 8, X: 227, Y: 99, Data: []byte("tile-8-227-99")},
	}
	data := buildArchive(t, tiles, WriteOptions{
		TileType: TileTypeMVT,
		Metadata: json.RawMessage(`{"name":"test"}`),
		Bounds:   [4]float64{139.0, 35.0, 141.0, 37.0},
	})

	a, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)
	defer a.Close()

	h := a.Header()
	assert.Equal(t, uint8(0), h.MinZoom)
	assert.Equal(t, uint8(8), h.MaxZoom)
	assert.Equal(t, TileTypeMVT, h.TileType)
	assert.True(t, h.Clustered)
	assert.InDelta(t, 139.0, h.MinLon, 1e-6)
	assert.InDelta(t, 37.0, h.MaxLat, 1e-6)

	for _, tile := range tiles {
		got, err := a.ReadTile(context.Background(), tile.Z, tile.X, tile.Y)
		require.NoError(t, err)
		assert.Equal(t, tile.Data, got, "tile %d/%d/%d", tile.Z, tile.X, tile.Y)
	}

	meta, err := a.Metadata(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"test"}`, string(meta))
}

func TestArchiveTileNotFound(t *testing.T) {
	data := buildArchive(t, []TileData{
		{Z: 1, X: 0, Y: 0, Data: []byte("only")},
		{Z: 3, X: 1, Y: 1, Data: []byte("other")},
	}, WriteOptions{TileType: TileTypeMVT})

	a, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	_, err = a.ReadTile(context.Background(), 1, 1, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTileNotFound, apperr.KindOf(err))

	// Out of the header's zoom range is also a miss, not an error class.
	_, err = a.ReadTile(context.Background(), 12, 0, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTileNotFound, apperr.KindOf(err))
}

func TestArchiveDeduplicatesPayloads(t *testing.T) {
	ocean := []byte("ocean-tile")
	tiles := []TileData{
		{Z: 2, X: 0, Y: 0, Data: ocean},
		{Z: 2, X: 1, Y: 0, Data: ocean},
		{Z: 2, X: 2, Y: 0, Data: ocean},
		{Z: 2, X: 3, Y: 0, Data: []byte("land")},
	}
	data := buildArchive(t, tiles, WriteOptions{TileType: TileTypePNG})

	a, err := Open(context.Background(), &memFetcher{data: data})
	require.NoError(t, err)

	h := a.Header()
	assert.Equal(t, uint64(4), h.AddressedTiles)
	assert.Equal(t, uint64(2), h.TileContents)

	got, err := a.ReadTile(context.Background(), 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, ocean, got)
}

func TestOpen_BadMagic(t *testing.T) {
	data := make([]byte, 512)
	copy(data, "GARBAGE")
	_, err := Open(context.Background(), &memFetcher{data: data})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
}

func TestOpen_UnsupportedVersion(t *testing.T) {
	data := buildArchive(t, []TileData{{Z: 0, X: 0, Y: 0, Data: []byte("x")}},
		WriteOptions{TileType: TileTypeMVT})
	data[7] = 2
	_, err := Open(context.Background(), &memFetcher{data: data})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "version")
}

func TestDecompress_UnsupportedCompression(t *testing.T) {
	for _, c := range []Compression{CompressionBrotli, CompressionZstd} {
		_, err := decompress([]byte("x"), c)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidArchiveFormat, apperr.KindOf(err))
		assert.Contains(t, err.Error(), c.String())
	}
}

func TestArchiveWithLeafDirectory(t *testing.T) {
	// Hand-assembled archive: root holds a single leaf pointer, the leaf
	// addresses one uncompressed tile.
	tileID, err := ZxyToID(2, 1, 1)
	require.NoError(t, err)
	payload := []byte("leaf-tile")

	leaf := serializeDirectory([]Entry{
		{TileID: tileID, Offset: 0, Length: uint32(len(payload)), RunLength: 1},
	})
	leafGz, err := compress(leaf, CompressionGzip)
	require.NoError(t, err)

	root := serializeDirectory([]Entry{
		{TileID: tileID, Offset: 0, Length: uint32(len(leafGz)), RunLength: 0},
	})
	rootGz, err := compress(root, CompressionGzip)
	require.NoError(t, err)

	rootOff := uint64(HeaderLen)
	leafOff := rootOff + uint64(len(rootGz))
	dataOff := leafOff + uint64(len(leafGz))

	h := &Header{
		RootOffset:          rootOff,
		RootLength:          uint64(len(rootGz)),
		MetadataOffset:      dataOff,
		MetadataLength:      0,
		LeafDirectoryOffset: leafOff,
		LeafDirectoryLength: uint64(len(leafGz)),
		TileDataOffset:      dataOff,
		TileDataLength:      uint64(len(payload)),
		AddressedTiles:      1,
		TileEntries:         1,
		TileContents:        1,
		InternalCompression: CompressionGzip,
		TileCompression:     CompressionNone,
		TileType:            TileTypeMVT,
		MinZoom:             0,
		MaxZoom:             4,
	}

	var buf bytes.Buffer
	buf.Write(serializeHeader(h))
	buf.Write(rootGz)
	buf.Write(leafGz)
	buf.Write(payload)

	a, err := Open(context.Background(), &memFetcher{data: buf.Bytes()})
	require.NoError(t, err)

	got, err := a.ReadTile(context.Background(), 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	meta, err := a.Metadata(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(meta))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		RootOffset: 127, RootLength: 42, MetadataOffset: 169, MetadataLength: 7,
		LeafDirectoryOffset: 176, LeafDirectoryLength: 0,
		TileDataOffset: 176, TileDataLength: 9000,
		AddressedTiles: 10, TileEntries: 8, TileContents: 6,
		Clustered:           true,
		InternalCompression: CompressionGzip,
		TileCompression:     CompressionNone,
		TileType:            TileTypeWebP,
		MinZoom:             2, MaxZoom: 14,
		MinLon: -139.1234567, MinLat: -35.5, MaxLon: 141.0, MaxLat: 37.25,
		CenterZoom: 8, CenterLon: 139.7671, CenterLat: 35.6812,
	}
	got, err := parseHeader(serializeHeader(h))
	require.NoError(t, err)
	assert.InDelta(t, h.MinLon, got.MinLon, 1e-6)
	assert.InDelta(t, h.CenterLat, got.CenterLat, 1e-6)
	got.MinLon, got.MinLat, got.MaxLon, got.MaxLat = h.MinLon, h.MinLat, h.MaxLon, h.MaxLat
	got.CenterLon, got.CenterLat = h.CenterLon, h.CenterLat
	assert.Equal(t, h, got)
}

func TestWriteArchive_DuplicateTileRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteArchive(&buf, []TileData{
		{Z: 1, X: 0, Y: 0, Data: []byte("a")},
		{Z: 1, X: 0, Y: 0, Data: []byte("b")},
	}, WriteOptions{TileType: TileTypeMVT})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCompressionString(t *testing.T) {
	for c, want := range map[Compression]string{
		CompressionNone: "none", CompressionGzip: "gzip",
		CompressionBrotli: "brotli", CompressionZstd: "zstd",
		CompressionUnknown: "unknown",
	} {
		assert.Equal(t, want, fmt.Sprint(c.String()))
	}
}

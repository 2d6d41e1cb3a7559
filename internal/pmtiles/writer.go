package pmtiles

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// TileData is one tile payload destined for an archive.
type TileData struct {
	Z    uint8
	X, Y uint32
	Data []byte
}

// WriteOptions configures archive writing.
type WriteOptions struct {
	TileType        TileType
	TileCompression Compression
	Metadata        json.RawMessage
	Bounds          [4]float64 // min lon, min lat, max lon, max lat
	CenterZoom      uint8
	CenterLon       float64
	CenterLat       float64
}

// WriteArchive assembles a clustered single-root archive from tiles.
// Identical payloads are stored once; adjacent ids sharing a payload
// collapse into runs. Directories are always gzip-compressed.
func WriteArchive(w io.Writer, tiles []TileData, opts WriteOptions) error {
	if len(tiles) == 0 {
		return apperr.Validationf("archive requires at least one tile")
	}
	if opts.TileCompression == CompressionUnknown {
		opts.TileCompression = CompressionGzip
	}

	type addressed struct {
		id   uint64
		data []byte
	}
	addr := make([]addressed, 0, len(tiles))
	minZoom, maxZoom := tiles[0].Z, tiles[0].Z
	for _, t := range tiles {
		id, err := ZxyToID(t.Z, t.X, t.Y)
		if err != nil {
			return err
		}
		addr = append(addr, addressed{id: id, data: t.Data})
		if t.Z < minZoom {
			minZoom = t.Z
		}
		if t.Z > maxZoom {
			maxZoom = t.Z
		}
	}
	sort.Slice(addr, func(i, j int) bool { return addr[i].id < addr[j].id })
	for i := 1; i < len(addr); i++ {
		if addr[i].id == addr[i-1].id {
			return apperr.Validationf("duplicate tile id %d in archive input", addr[i].id)
		}
	}

	// Content-address payloads so duplicate tiles (ocean, empty land) are
	// stored once.
	var (
		tileData []byte
		entries  []Entry
		seen     = make(map[string]Entry)
		contents uint64
	)
	for _, a := range addr {
		key := string(a.data)
		if prev, ok := seen[key]; ok {
			entries = append(entries, Entry{
				TileID: a.id, Offset: prev.Offset, Length: prev.Length, RunLength: 1,
			})
			continue
		}
		compressed, err := compress(a.data, opts.TileCompression)
		if err != nil {
			return err
		}
		e := Entry{
			TileID:    a.id,
			Offset:    uint64(len(tileData)),
			Length:    uint32(len(compressed)),
			RunLength: 1,
		}
		tileData = append(tileData, compressed...)
		entries = append(entries, e)
		seen[key] = e
		contents++
	}

	rootBytes, err := compress(serializeDirectory(entries), CompressionGzip)
	if err != nil {
		return err
	}

	meta := opts.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	metaBytes, err := compress(meta, CompressionGzip)
	if err != nil {
		return err
	}

	rootOffset := uint64(HeaderLen)
	metaOffset := rootOffset + uint64(len(rootBytes))
	dataOffset := metaOffset + uint64(len(metaBytes))

	h := &Header{
		RootOffset:          rootOffset,
		RootLength:          uint64(len(rootBytes)),
		MetadataOffset:      metaOffset,
		MetadataLength:      uint64(len(metaBytes)),
		LeafDirectoryOffset: dataOffset,
		LeafDirectoryLength: 0,
		TileDataOffset:      dataOffset,
		TileDataLength:      uint64(len(tileData)),
		AddressedTiles:      uint64(len(addr)),
		TileEntries:         uint64(len(entries)),
		TileContents:        contents,
		Clustered:           true,
		InternalCompression: CompressionGzip,
		TileCompression:     opts.TileCompression,
		TileType:            opts.TileType,
		MinZoom:             minZoom,
		MaxZoom:             maxZoom,
		MinLon:              opts.Bounds[0],
		MinLat:              opts.Bounds[1],
		MaxLon:              opts.Bounds[2],
		MaxLat:              opts.Bounds[3],
		CenterZoom:          opts.CenterZoom,
		CenterLon:           opts.CenterLon,
		CenterLat:           opts.CenterLat,
	}

	for _, chunk := range [][]byte{serializeHeader(h), rootBytes, metaBytes, tileData} {
		if _, err := w.Write(chunk); err != nil {
			return eris.Wrap(err, "pmtiles: write archive")
		}
	}
	return nil
}

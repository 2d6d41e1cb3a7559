package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

// maxDirectoryDepth bounds the root-to-leaf walk. The format allows one
// level of leaf directories, so anything deeper is corrupt.
const maxDirectoryDepth = 3

// Archive is an open tile archive. The header and root directory are read
// once at open; tile reads cost one range read for runs resolved by the
// root, or two when a leaf directory is involved.
type Archive struct {
	fetcher rangeio.Fetcher
	header  *Header
	root    []Entry
	log     *zap.Logger
}

// Open reads and validates the archive header and root directory.
func Open(ctx context.Context, fetcher rangeio.Fetcher) (*Archive, error) {
	hdrBytes, err := fetcher.ReadRange(ctx, 0, HeaderLen)
	if err != nil {
		return nil, err
	}
	header, err := parseHeader(hdrBytes)
	if err != nil {
		return nil, err
	}

	rootBytes, err := fetcher.ReadRange(ctx, int64(header.RootOffset), int64(header.RootLength))
	if err != nil {
		return nil, err
	}
	rootBytes, err = decompress(rootBytes, header.InternalCompression)
	if err != nil {
		return nil, err
	}
	root, err := deserializeDirectory(rootBytes)
	if err != nil {
		return nil, err
	}

	return &Archive{
		fetcher: fetcher,
		header:  header,
		root:    root,
		log:     zap.L().With(zap.String("component", "pmtiles")),
	}, nil
}

// Header returns the decoded archive header.
func (a *Archive) Header() *Header { return a.header }

// ReadTile returns the decompressed payload for a tile coordinate.
// Tiles absent from the directories yield a tile-not-found error.
func (a *Archive) ReadTile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	id, err := ZxyToID(z, x, y)
	if err != nil {
		return nil, err
	}
	if z < a.header.MinZoom || z > a.header.MaxZoom {
		return nil, apperr.TileNotFound(int(z), int(x), int(y))
	}

	dir := a.root
	for depth := 0; depth < maxDirectoryDepth; depth++ {
		e, ok := findEntry(dir, id)
		if !ok {
			return nil, apperr.TileNotFound(int(z), int(x), int(y))
		}
		if e.RunLength > 0 {
			data, err := a.fetcher.ReadRange(ctx,
				int64(a.header.TileDataOffset+e.Offset), int64(e.Length))
			if err != nil {
				return nil, err
			}
			return decompress(data, a.header.TileCompression)
		}

		// Leaf pointer: its offset is relative to the leaf section.
		leafBytes, err := a.fetcher.ReadRange(ctx,
			int64(a.header.LeafDirectoryOffset+e.Offset), int64(e.Length))
		if err != nil {
			return nil, err
		}
		leafBytes, err = decompress(leafBytes, a.header.InternalCompression)
		if err != nil {
			return nil, err
		}
		if dir, err = deserializeDirectory(leafBytes); err != nil {
			return nil, err
		}
	}
	return nil, apperr.New(apperr.KindInvalidArchiveFormat,
		"directory nesting exceeds %d levels", maxDirectoryDepth)
}

// Metadata returns the archive's embedded JSON metadata.
func (a *Archive) Metadata(ctx context.Context) (json.RawMessage, error) {
	if a.header.MetadataLength == 0 {
		return json.RawMessage(`{}`), nil
	}
	data, err := a.fetcher.ReadRange(ctx,
		int64(a.header.MetadataOffset), int64(a.header.MetadataLength))
	if err != nil {
		return nil, err
	}
	data, err = decompress(data, a.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat, "metadata is not valid JSON")
	}
	return data, nil
}

// Close releases the underlying fetcher.
func (a *Archive) Close() error {
	return a.fetcher.Close()
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, CompressionUnknown:
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "open gzip stream")
		}
		defer zr.Close() //nolint:errcheck
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "decompress gzip stream")
		}
		return out, nil
	default:
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported compression %q", c)
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, CompressionUnknown:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, eris.Wrap(err, "pmtiles: gzip write")
		}
		if err := zw.Close(); err != nil {
			return nil, eris.Wrap(err, "pmtiles: gzip close")
		}
		return buf.Bytes(), nil
	default:
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported compression %q", c)
	}
}

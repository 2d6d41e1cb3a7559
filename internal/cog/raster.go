package cog

import (
	"bytes"
	"compress/zlib"
	"context"
	"image"
	"image/jpeg"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

// TileSize is the edge length of rendered output tiles.
const TileSize = 256

const (
	earthRadius   = 6378137.0
	mercatorHalf  = earthRadius * math.Pi
	mercatorWorld = 2 * mercatorHalf
)

// ReadOptions tunes a windowed tile render.
type ReadOptions struct {
	// Bands maps output channels to 1-based source bands. Length must be
	// 1 (gray), 3 (RGB), or 4 (RGBA). Empty means identity mapping from
	// the source's own channel count.
	Bands []int
	// Categorical selects nearest-neighbor resampling so class values are
	// never blended into nonexistent classes.
	Categorical bool
	// BlockConcurrency bounds parallel block fetches. Zero means 4.
	BlockConcurrency int
}

// level is one resolution of the pyramid with its ground pixel size.
type level struct {
	ifd       ifd
	pixelSize float64 // CRS units per pixel
}

// Raster is an open cloud-optimized GeoTIFF.
type Raster struct {
	reader  *tiffReader
	levels  []level // finest first
	epsg    int
	scaleX  float64
	scaleY  float64
	originX float64
	originY float64
}

// Open parses the pyramid structure and georeferencing. Every directory is
// validated up front so malformed files fail at registration, not at serve
// time.
func Open(ctx context.Context, fetcher rangeio.Fetcher) (*Raster, error) {
	reader, ifds, err := parseTIFF(ctx, fetcher)
	if err != nil {
		return nil, err
	}

	base := ifds[0]
	if len(base.pixelScale) < 2 || len(base.tiepoint) < 6 {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"raster missing pixel scale or tiepoint georeferencing")
	}
	epsg, err := parseGeoKeys(base.geoKeys)
	if err != nil {
		return nil, err
	}

	r := &Raster{
		reader:  reader,
		epsg:    epsg,
		scaleX:  base.pixelScale[0],
		scaleY:  base.pixelScale[1],
		originX: base.tiepoint[3],
		originY: base.tiepoint[4],
	}
	for _, d := range ifds {
		if err := d.validate(); err != nil {
			return nil, err
		}
		r.levels = append(r.levels, level{
			ifd:       d,
			pixelSize: r.scaleX * float64(base.width) / float64(d.width),
		})
	}
	return r, nil
}

// EPSG returns the source coordinate system.
func (r *Raster) EPSG() int { return r.epsg }

// Size returns the full-resolution dimensions.
func (r *Raster) Size() (width, height uint64) {
	return r.levels[0].ifd.width, r.levels[0].ifd.height
}

// Levels returns the pyramid depth including the base image.
func (r *Raster) Levels() int { return len(r.levels) }

// SamplesPerPixel returns the band count of the base image.
func (r *Raster) SamplesPerPixel() int { return int(r.levels[0].ifd.samplesPerPixel) }

// BlockSize returns the internal tiling of the base image.
func (r *Raster) BlockSize() (width, height uint64) {
	return r.levels[0].ifd.tileWidth, r.levels[0].ifd.tileLength
}

// Bounds returns the georeferenced extent in source CRS coordinates.
func (r *Raster) Bounds() (minX, minY, maxX, maxY float64) {
	base := r.levels[0].ifd
	minX = r.originX
	maxY = r.originY
	maxX = r.originX + float64(base.width)*r.scaleX
	minY = r.originY - float64(base.height)*r.scaleY
	return
}

// GeographicBounds returns the extent in WGS84 degrees.
func (r *Raster) GeographicBounds() (minLon, minLat, maxLon, maxLat float64) {
	minX, minY, maxX, maxY := r.Bounds()
	if r.epsg == EPSGWGS84 {
		return minX, minY, maxX, maxY
	}
	minLon, minLat = mercatorToLonLat(minX, minY)
	maxLon, maxLat = mercatorToLonLat(maxX, maxY)
	return
}

// Close releases the underlying fetcher.
func (r *Raster) Close() error { return r.reader.fetcher.Close() }

// ReadTile renders the web mercator tile z/x/y as a 256x256 image.
// Regions outside the raster's coverage come back fully transparent.
func (r *Raster) ReadTile(ctx context.Context, z uint8, x, y uint32, opts ReadOptions) (*image.NRGBA, error) {
	if uint64(x) >= 1<<z || uint64(y) >= 1<<z {
		return nil, apperr.Validationf("tile %d/%d/%d out of bounds for zoom", z, x, y)
	}
	bands, err := r.resolveBands(opts.Bands)
	if err != nil {
		return nil, err
	}

	// Tile bounds in web mercator, then in the source CRS.
	tileSpan := mercatorWorld / float64(uint64(1)<<z)
	mercMinX := -mercatorHalf + float64(x)*tileSpan
	mercMaxY := mercatorHalf - float64(y)*tileSpan
	mercMaxX := mercMinX + tileSpan
	mercMinY := mercMaxY - tileSpan

	srcMinX, srcMinY := mercMinX, mercMinY
	srcMaxX, srcMaxY := mercMaxX, mercMaxY
	if r.epsg == EPSGWGS84 {
		srcMinX, srcMinY = mercatorToLonLat(mercMinX, mercMinY)
		srcMaxX, srcMaxY = mercatorToLonLat(mercMaxX, mercMaxY)
	}

	lv := r.selectLevel((srcMaxX - srcMinX) / TileSize)

	// Window in level pixel coordinates.
	px0 := int(math.Floor((srcMinX - r.originX) / lv.pixelSize))
	px1 := int(math.Ceil((srcMaxX - r.originX) / lv.pixelSize))
	py0 := int(math.Floor((r.originY - srcMaxY) / lv.pixelSize))
	py1 := int(math.Ceil((r.originY - srcMinY) / lv.pixelSize))

	out := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	win, w, h, err := r.readWindow(ctx, lv, px0, py0, px1, py1, opts.BlockConcurrency)
	if err != nil {
		return nil, err
	}
	if win == nil {
		return out, nil // no coverage
	}

	src := r.windowToImage(win, w, h, int(lv.ifd.samplesPerPixel), bands)

	scaler := draw.Scaler(draw.BiLinear)
	if opts.Categorical {
		scaler = draw.NearestNeighbor
	}
	scaler.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	return out, nil
}

// resolveBands validates the mapping before any block I/O happens.
func (r *Raster) resolveBands(bands []int) ([]int, error) {
	spp := r.SamplesPerPixel()
	if len(bands) == 0 {
		switch spp {
		case 1:
			return []int{1}, nil
		case 2:
			return []int{1}, nil // gray + alpha sources serve the gray band
		case 3:
			return []int{1, 2, 3}, nil
		default:
			return []int{1, 2, 3, 4}, nil
		}
	}
	switch len(bands) {
	case 1, 3, 4:
	default:
		return nil, apperr.New(apperr.KindInvalidBandMapping,
			"band mapping must select 1, 3, or 4 bands, got %d", len(bands))
	}
	for _, b := range bands {
		if b < 1 || b > spp {
			return nil, apperr.New(apperr.KindInvalidBandMapping,
				"band %d out of range; raster has %d bands", b, spp)
		}
	}
	return bands, nil
}

// selectLevel picks the coarsest overview that still meets the target
// ground resolution, falling back to the base image when even it is too
// coarse (the tile is then magnified).
func (r *Raster) selectLevel(targetPixelSize float64) *level {
	best := &r.levels[0]
	for i := range r.levels {
		lv := &r.levels[i]
		if lv.pixelSize <= targetPixelSize && lv.pixelSize > best.pixelSize {
			best = lv
		}
	}
	return best
}

// readWindow fetches and decodes every block intersecting the pixel window
// and assembles the interleaved samples. Returns nil when the window is
// entirely outside the level.
func (r *Raster) readWindow(ctx context.Context, lv *level, px0, py0, px1, py1, concurrency int) ([]uint8, int, int, error) {
	d := &lv.ifd
	if px1 <= 0 || py1 <= 0 || px0 >= int(d.width) || py0 >= int(d.height) {
		return nil, 0, 0, nil
	}
	if px0 < 0 {
		px0 = 0
	}
	if py0 < 0 {
		py0 = 0
	}
	if px1 > int(d.width) {
		px1 = int(d.width)
	}
	if py1 > int(d.height) {
		py1 = int(d.height)
	}
	w, h := px1-px0, py1-py0
	if w <= 0 || h <= 0 {
		return nil, 0, 0, nil
	}

	spp := int(d.samplesPerPixel)
	bytesPerSample := int(d.bits()) / 8
	win := make([]uint8, w*h*spp*bytesPerSample)

	tw, th := int(d.tileWidth), int(d.tileLength)
	tilesAcross := (int(d.width) + tw - 1) / tw
	bx0, bx1 := px0/tw, (px1-1)/tw
	by0, by1 := py0/th, (py1-1)/th

	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for by := by0; by <= by1; by++ {
		for bx := bx0; bx <= bx1; bx++ {
			bx, by := bx, by
			g.Go(func() error {
				block, err := r.readBlock(gctx, d, by*tilesAcross+bx)
				if err != nil {
					return err
				}
				// Copy the intersecting rows into the window.
				rowBytes := tw * spp * bytesPerSample
				for row := 0; row < th; row++ {
					gy := by*th + row
					if gy < py0 || gy >= py1 {
						continue
					}
					gx0 := bx * tw
					copyX0 := max(gx0, px0)
					copyX1 := min(gx0+tw, px1)
					if copyX1 <= copyX0 {
						continue
					}
					srcOff := row*rowBytes + (copyX0-gx0)*spp*bytesPerSample
					dstOff := ((gy-py0)*w + (copyX0 - px0)) * spp * bytesPerSample
					n := (copyX1 - copyX0) * spp * bytesPerSample
					if srcOff+n > len(block) {
						return apperr.New(apperr.KindInvalidArchiveFormat,
							"decoded block %d shorter than tile dimensions", by*tilesAcross+bx)
					}
					copy(win[dstOff:dstOff+n], block[srcOff:srcOff+n])
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, 0, 0, err
	}
	return win, w, h, nil
}

// readBlock fetches one tile block and decodes it to raw interleaved
// samples.
func (r *Raster) readBlock(ctx context.Context, d *ifd, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(d.tileOffsets) {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat, "block index %d out of range", idx)
	}
	length := int64(d.tileByteCounts[idx])
	if length == 0 {
		// Sparse block: all zero samples.
		return make([]byte, d.tileWidth*d.tileLength*d.samplesPerPixel*(d.bits()/8)), nil
	}
	raw, err := r.reader.fetcher.ReadRange(ctx, int64(d.tileOffsets[idx]), length)
	if err != nil {
		return nil, err
	}

	switch d.compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "open deflate block")
		}
		defer zr.Close() //nolint:errcheck
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "decompress deflate block")
		}
		if d.predictor == predictorHorizontal {
			undoHorizontalPredictor(out, int(d.tileWidth), int(d.samplesPerPixel))
		}
		return out, nil
	case compressionJPEG:
		img, err := jpeg.Decode(bytes.NewReader(mergeJPEGTables(d.jpegTables, raw)))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "decode jpeg block")
		}
		return flattenJPEG(img, int(d.tileWidth), int(d.tileLength), int(d.samplesPerPixel)), nil
	default:
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"unsupported compression scheme %d", d.compression)
	}
}

// mergeJPEGTables splices the shared quantization/huffman tables into an
// abbreviated tile stream: tables minus its SOI/EOI, inserted after the
// tile's SOI marker.
func mergeJPEGTables(tables, data []byte) []byte {
	if len(tables) <= 4 || len(data) < 2 {
		return data
	}
	merged := make([]byte, 0, len(tables)+len(data)-4)
	merged = append(merged, data[:2]...)
	merged = append(merged, tables[2:len(tables)-2]...)
	merged = append(merged, data[2:]...)
	return merged
}

func flattenJPEG(img image.Image, w, h, spp int) []byte {
	out := make([]byte, w*h*spp)
	b := img.Bounds()
	for y := 0; y < h && y < b.Dy(); y++ {
		for x := 0; x < w && x < b.Dx(); x++ {
			cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := (y*w + x) * spp
			switch spp {
			case 1:
				out[off] = uint8(cr >> 8)
			default:
				out[off] = uint8(cr >> 8)
				if spp > 1 {
					out[off+1] = uint8(cg >> 8)
				}
				if spp > 2 {
					out[off+2] = uint8(cb >> 8)
				}
				if spp > 3 {
					out[off+3] = 255
				}
			}
		}
	}
	return out
}

// undoHorizontalPredictor reverses per-row horizontal differencing of
// 8-bit samples in place. ifd.validate rejects wider samples.
func undoHorizontalPredictor(data []byte, width, spp int) {
	rowBytes := width * spp
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		for i := spp; i < rowBytes; i++ {
			data[row+i] += data[row+i-spp]
		}
	}
}

// windowToImage maps interleaved window samples through the band mapping
// into an NRGBA image.
func (r *Raster) windowToImage(win []uint8, w, h, spp int, bands []int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	sample := func(px, band int) uint8 {
		off := px*spp + (band - 1)
		if off >= len(win) {
			return 0
		}
		return win[off]
	}

	for p := 0; p < w*h; p++ {
		var cr, cg, cb, ca uint8
		switch len(bands) {
		case 1:
			v := sample(p, bands[0])
			cr, cg, cb, ca = v, v, v, 255
		case 3:
			cr, cg, cb, ca = sample(p, bands[0]), sample(p, bands[1]), sample(p, bands[2]), 255
		case 4:
			cr, cg, cb, ca = sample(p, bands[0]), sample(p, bands[1]), sample(p, bands[2]), sample(p, bands[3])
		}
		i := p * 4
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = cr, cg, cb, ca
	}
	return img
}

func mercatorToLonLat(x, y float64) (lon, lat float64) {
	lon = x / mercatorHalf * 180
	lat = math.Atan(math.Sinh(y/earthRadius)) * 180 / math.Pi
	return
}

// LonLatToMercator projects WGS84 degrees to web mercator meters.
func LonLatToMercator(lon, lat float64) (x, y float64) {
	x = lon / 180 * mercatorHalf
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return
}

package tileserver

import (
	"bytes"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/cog"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

const tileCacheControl = "public, max-age=3600"

type tileRequest struct {
	tilesetID string
	z         uint8
	x, y      uint32
	format    string
}

func parseTileRequest(r *http.Request) (*tileRequest, error) {
	tilesetID := chi.URLParam(r, "tileset")
	if _, err := uuid.Parse(tilesetID); err != nil {
		return nil, apperr.Validationf("tileset id %q is not a valid uuid", tilesetID)
	}

	z, err := strconv.ParseUint(chi.URLParam(r, "z"), 10, 8)
	if err != nil || z > 31 {
		return nil, apperr.Validationf("invalid zoom %q", chi.URLParam(r, "z"))
	}
	x, err := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	if err != nil {
		return nil, apperr.Validationf("invalid tile x %q", chi.URLParam(r, "x"))
	}
	y, err := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if err != nil {
		return nil, apperr.Validationf("invalid tile y %q", chi.URLParam(r, "y"))
	}
	if x >= 1<<z || y >= 1<<z {
		return nil, apperr.Validationf("tile %d/%d/%d out of bounds for zoom", z, x, y)
	}

	format := chi.URLParam(r, "format")
	switch format {
	case "mvt", "pbf", "png", "webp", "jpg", "jpeg":
	default:
		return nil, apperr.Validationf("unsupported tile format %q", format)
	}

	return &tileRequest{
		tilesetID: tilesetID,
		z:         uint8(z),
		x:         uint32(x),
		y:         uint32(y),
		format:    format,
	}, nil
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	req, err := parseTileRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ts, err := s.store.GetTileset(r.Context(), req.tilesetID)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	switch ts.Kind {
	case geostore.KindVector:
		err = s.serveVectorTile(w, r, ts, req)
	case geostore.KindArchive:
		err = s.serveArchiveTile(w, r, ts, req)
	case geostore.KindRaster:
		err = s.serveRasterTile(w, r, ts, req)
	default:
		err = apperr.New(apperr.KindInternal, "tileset %s has unknown kind %q", ts.ID, ts.Kind)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveTile(ts.Kind, string(apperr.KindOf(err)), time.Since(start))
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveTile(ts.Kind, "ok", time.Since(start))
	}
}

// serveVectorTile encodes from the feature store. Requests outside the
// tileset's zoom range, and tiles that encode to nothing, answer 204: the
// tile legitimately has no content, which is different from an archive miss.
func (s *Server) serveVectorTile(w http.ResponseWriter, r *http.Request, ts *geostore.Tileset, req *tileRequest) error {
	if req.format != "mvt" && req.format != "pbf" {
		return apperr.Validationf("vector tilesets serve mvt/pbf, not %q", req.format)
	}
	// Unlike an archive miss (404), a zoom outside the declared range is an
	// explicit empty tile, so it answers 204.
	if int(req.z) < ts.MinZoom || int(req.z) > ts.MaxZoom {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if data := s.tileCache.Get(ts.ID, req.z, req.x, req.y, req.format); data != nil {
		if s.metrics != nil {
			s.metrics.IncCache("tile", "hit")
		}
		writeTile(w, data, "application/vnd.mapbox-vector-tile", "HIT")
		return nil
	}
	if s.metrics != nil {
		s.metrics.IncCache("tile", "miss")
	}

	data, err := s.encoder.EncodeTile(r.Context(), ts, req.z, req.x, req.y, "")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	s.tileCache.Put(ts.ID, req.z, req.x, req.y, req.format, data)
	writeTile(w, data, "application/vnd.mapbox-vector-tile", "MISS")
	return nil
}

func (s *Server) serveArchiveTile(w http.ResponseWriter, r *http.Request, ts *geostore.Tileset, req *tileRequest) error {
	ds, err := s.store.GetDatasourceByTileset(r.Context(), ts.ID)
	if err != nil {
		return err
	}
	archive, err := s.sources.Archive(r.Context(), ds.URL)
	if err != nil {
		return err
	}
	data, err := archive.ReadTile(r.Context(), req.z, req.x, req.y)
	if err != nil {
		return err
	}
	writeTile(w, data, archive.Header().TileType.ContentType(), "")
	return nil
}

func (s *Server) serveRasterTile(w http.ResponseWriter, r *http.Request, ts *geostore.Tileset, req *tileRequest) error {
	if req.format != "png" && req.format != "webp" {
		return apperr.Validationf("raster tilesets serve png/webp, not %q", req.format)
	}
	ds, err := s.store.GetDatasourceByTileset(r.Context(), ts.ID)
	if err != nil {
		return err
	}
	raster, err := s.sources.Raster(r.Context(), ds.URL)
	if err != nil {
		return err
	}

	img, err := raster.ReadTile(r.Context(), req.z, req.x, req.y, cog.ReadOptions{
		Bands:            ds.BandMapping,
		Categorical:      ds.Categorical,
		BlockConcurrency: s.cfg.Sources.BlockConcurrency,
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	var contentType string
	switch req.format {
	case "webp":
		contentType = "image/webp"
		err = nativewebp.Encode(&buf, img, nil)
	default:
		contentType = "image/png"
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode raster tile")
	}
	writeTile(w, buf.Bytes(), contentType, "")
	return nil
}

func writeTile(w http.ResponseWriter, data []byte, contentType, cacheState string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", tileCacheControl)
	if cacheState != "" {
		w.Header().Set("X-Cache", cacheState)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package tileserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

// tileJSON is the TileJSON 2.2.0 document served per tileset.
type tileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name"`
	Format       string        `json:"format,omitempty"`
	Tiles        []string      `json:"tiles"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Bounds       *[4]float64   `json:"bounds,omitempty"`
	Center       *[3]float64   `json:"center,omitempty"`
	VectorLayers []vectorLayer `json:"vector_layers,omitempty"`
}

type vectorLayer struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) handleTileJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tileset")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, apperr.Validationf("tileset id %q is not a valid uuid", id))
		return
	}
	ts, err := s.store.GetTileset(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	doc := tileJSON{
		TileJSON: "2.2.0",
		Name:     ts.Name,
		Format:   ts.Format,
		Tiles:    []string{tileURLTemplate(r, ts)},
		MinZoom:  ts.MinZoom,
		MaxZoom:  ts.MaxZoom,
	}
	if ts.Bounds != nil {
		doc.Bounds = &[4]float64{ts.Bounds.MinLng, ts.Bounds.MinLat, ts.Bounds.MaxLng, ts.Bounds.MaxLat}
	}
	if ts.Center != nil {
		doc.Center = &[3]float64{ts.Center.Lng, ts.Center.Lat, float64(ts.MinZoom)}
	}

	switch ts.Kind {
	case geostore.KindVector:
		if err := s.fillVectorLayers(r, ts, &doc); err != nil {
			writeError(w, err)
			return
		}
	case geostore.KindArchive:
		if err := s.fillFromArchive(r, ts, &doc); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) fillVectorLayers(r *http.Request, ts *geostore.Tileset, doc *tileJSON) error {
	if doc.Format == "" {
		doc.Format = "mvt"
	}
	fields, err := s.store.LayerFields(r.Context(), ts.ID)
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(fields) {
		layer := vectorLayer{ID: name, Fields: map[string]string{}}
		for _, key := range fields[name] {
			layer.Fields[key] = "String"
		}
		doc.VectorLayers = append(doc.VectorLayers, layer)
	}
	return nil
}

// fillFromArchive overlays header and metadata from the backing archive:
// the archive is the authority on its own zoom range, bounds and layers.
func (s *Server) fillFromArchive(r *http.Request, ts *geostore.Tileset, doc *tileJSON) error {
	ds, err := s.store.GetDatasourceByTileset(r.Context(), ts.ID)
	if err != nil {
		return err
	}
	archive, err := s.sources.Archive(r.Context(), ds.URL)
	if err != nil {
		return err
	}
	h := archive.Header()

	doc.Format = h.TileType.String()
	doc.MinZoom = int(h.MinZoom)
	doc.MaxZoom = int(h.MaxZoom)
	doc.Bounds = &[4]float64{h.MinLon, h.MinLat, h.MaxLon, h.MaxLat}
	doc.Center = &[3]float64{h.CenterLon, h.CenterLat, float64(h.CenterZoom)}

	meta, err := archive.Metadata(r.Context())
	if err != nil {
		return err
	}
	var parsed struct {
		VectorLayers []struct {
			ID     string            `json:"id"`
			Fields map[string]string `json:"fields"`
		} `json:"vector_layers"`
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &parsed); err == nil {
			for _, vl := range parsed.VectorLayers {
				doc.VectorLayers = append(doc.VectorLayers, vectorLayer{ID: vl.ID, Fields: vl.Fields})
			}
		}
	}
	return nil
}

func tileURLTemplate(r *http.Request, ts *geostore.Tileset) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	format := ts.Format
	if format == "" {
		switch ts.Kind {
		case geostore.KindVector:
			format = "mvt"
		default:
			format = "png"
		}
	}
	return fmt.Sprintf("%s://%s/tiles/%s/{z}/{x}/{y}.%s", scheme, r.Host, ts.ID, format)
}

func (s *Server) handleListTilesets(w http.ResponseWriter, r *http.Request) {
	tilesets, err := s.store.ListTilesets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tilesets": tilesets,
		"count":    len(tilesets),
	})
}

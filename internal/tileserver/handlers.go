package tileserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/query"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, err, "store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearchGet accepts the query as URL parameters, for map clients that
// can only issue GETs.
func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		TilesetID: q.Get("tileset_id"),
		Layer:     q.Get("layer"),
		PropKey:   q.Get("property_key"),
		PropValue: q.Get("property_value"),
	}

	if raw := q.Get("bbox"); raw != "" {
		bbox, err := parseBBoxParam(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		req.BBox = bbox
	}
	var err error
	if req.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		writeError(w, err)
		return
	}
	if req.Offset, err = parseIntParam(q.Get("offset"), "offset"); err != nil {
		writeError(w, err)
		return
	}

	s.runSearch(w, r, req)
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.runSearch(w, r, req)
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, req query.Request) {
	resp, err := s.queries.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	runAnalytics(s, w, r, "distance", s.analytics.Distance)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	runAnalyticsCtx(s, w, r, "nearest", s.analytics.Nearest)
}

func (s *Server) handleDensity(w http.ResponseWriter, r *http.Request) {
	runAnalyticsCtx(s, w, r, "density", s.analytics.DensityGrid)
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	runAnalyticsCtx(s, w, r, "clusters", s.analytics.Clusters)
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	runAnalyticsCtx(s, w, r, "ring", s.analytics.Ring)
}

func (s *Server) handleAreaStats(w http.ResponseWriter, r *http.Request) {
	runAnalyticsCtx(s, w, r, "area", s.analytics.AreaStats)
}

func (s *Server) handleGetDatasource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, apperr.Validationf("datasource id %q is not a valid uuid", id))
		return
	}
	ds, err := s.store.GetDatasource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleProbeDatasource runs an on-demand probe and persists the result. An
// unreachable source is a successful probe with an error status, not a
// failed request.
func (s *Server) handleProbeDatasource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, apperr.Validationf("datasource id %q is not a valid uuid", id))
		return
	}
	res, err := s.prober.ProbeAndStore(r.Context(), s.store, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncProbe(res.Status)
	}
	writeJSON(w, http.StatusOK, res)
}

// runAnalytics covers store-free operations; runAnalyticsCtx the rest.
func runAnalytics[Req, Res any](s *Server, w http.ResponseWriter, r *http.Request, name string, fn func(Req) (*Res, error)) {
	var req Req
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := fn(req)
	s.finishAnalytics(w, name, res, err)
}

func runAnalyticsCtx[Req, Res any](s *Server, w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, req Req) (*Res, error)) {
	var req Req
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := fn(r.Context(), req)
	s.finishAnalytics(w, name, res, err)
}

func (s *Server) finishAnalytics(w http.ResponseWriter, name string, res any, err error) {
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncAnalytics(name, string(apperr.KindOf(err)))
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncAnalytics(name, "ok")
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

func parseBBoxParam(raw string) (*geostore.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, apperr.Validationf("bbox must be min_lng,min_lat,max_lng,max_lat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, apperr.Validationf("bbox component %q is not a number", p)
		}
		vals[i] = f
	}
	return &geostore.BBox{MinLng: vals[0], MinLat: vals[1], MaxLng: vals[2], MaxLat: vals[3]}, nil
}

func parseIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validationf("%s %q is not an integer", name, raw)
	}
	return n, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

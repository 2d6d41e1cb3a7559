// Package tileserver is the HTTP surface: tile delivery for vector, archive
// and raster tilesets, TileJSON, feature search, spatial analytics, and
// datasource management.
package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/analytics"
	"github.com/mopinfish/geo-base-sub001/internal/config"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/metrics"
	"github.com/mopinfish/geo-base-sub001/internal/probe"
	"github.com/mopinfish/geo-base-sub001/internal/query"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
	"github.com/mopinfish/geo-base-sub001/internal/tileenc"
)

// Server wires the serving-path components behind one router.
type Server struct {
	cfg       *config.Config
	store     geostore.Store
	encoder   *tileenc.Encoder
	queries   *query.Engine
	analytics *analytics.Engine
	prober    *probe.Prober
	sources   *Sources
	tileCache *TileCache
	metrics   *metrics.Provider
	router    chi.Router
	log       *zap.Logger
}

func New(cfg *config.Config, store geostore.Store, m *metrics.Provider) (*Server, error) {
	sources, err := NewSources(cfg.Sources, cfg.Cache)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		encoder: tileenc.New(store, tileenc.Options{
			Extent:              cfg.Tiles.Extent,
			Buffer:              cfg.Tiles.Buffer,
			SimplifyPixels:      cfg.Tiles.SimplifyPixels,
			SimplifyMaxZoom:     cfg.Tiles.SimplifyMaxZoom,
			MaxCoordsPerFeature: cfg.Tiles.MaxCoordsPerFeature,
		}),
		queries: query.New(store, cfg.Store.MaxLimit),
		analytics: analytics.New(store, analytics.Options{
			SampleLimit: cfg.Analytics.SampleLimit,
			GridSize:    cfg.Analytics.GridSize,
			TopK:        cfg.Analytics.TopK,
		}),
		prober: probe.New(rangeio.Options{
			Timeout:       cfg.Sources.Timeout,
			MaxPerOrigin:  cfg.Sources.MaxPerOrigin,
			RatePerSecond: cfg.Sources.RatePerSecond,
			UserAgent:     cfg.Sources.UserAgent,
		}),
		sources:   sources,
		tileCache: NewTileCache(cfg.Cache.TileEntries, cfg.Cache.TileTTL),
		metrics:   m,
		log:       zap.L().With(zap.String("component", "tileserver")),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.cfg.Server.EnableMetrics && s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/tiles/{tileset}/{z}/{x}/{y}.{format}", s.handleTile)
	r.Get("/tilesets/{tileset}.json", s.handleTileJSON)
	r.Get("/tilesets", s.handleListTilesets)

	r.Get("/search", s.handleSearchGet)
	r.Post("/search", s.handleSearchPost)

	r.Route("/analytics", func(r chi.Router) {
		r.Post("/distance", s.handleDistance)
		r.Post("/nearest", s.handleNearest)
		r.Post("/density", s.handleDensity)
		r.Post("/clusters", s.handleClusters)
		r.Post("/ring", s.handleRing)
		r.Post("/area", s.handleAreaStats)
	})

	r.Get("/datasources/{id}", s.handleGetDatasource)
	r.Post("/datasources/{id}/probe", s.handleProbeDatasource)

	return r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// observe logs each request and feeds the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, ww.Status(), elapsed)
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// Run serves until ctx is cancelled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listen", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.sources.Close()
		return err
	case err := <-errCh:
		s.sources.Close()
		return err
	}
}

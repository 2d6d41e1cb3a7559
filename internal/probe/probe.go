// Package probe checks that registered datasources are reachable and well
// formed, and snapshots what it learned about them.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/cog"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/pmtiles"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

// Probe statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is one connectivity check. A failed probe is a Result with
// StatusError, not a Go error; callers only see errors for invalid input.
type Result struct {
	Status    string         `json:"status"`
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Hint      string         `json:"hint,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Store is the slice of the geometry store the prober persists through.
type Store interface {
	GetDatasource(ctx context.Context, id string) (*geostore.Datasource, error)
	ListDatasources(ctx context.Context) ([]geostore.Datasource, error)
	SetDatasourceProbe(ctx context.Context, id string, probed json.RawMessage, at time.Time) error
}

// Prober runs connectivity checks against archive and raster datasources.
type Prober struct {
	opts rangeio.Options
	open func(rawURL string, opts rangeio.Options) (rangeio.Fetcher, error)
	now  func() time.Time
	log  *zap.Logger
}

func New(opts rangeio.Options) *Prober {
	return &Prober{
		opts: opts,
		open: rangeio.Open,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "probe")),
	}
}

// Probe checks one datasource. The result's metadata is a snapshot of the
// source's structure, suitable for persisting and for TileJSON enrichment.
func (p *Prober) Probe(ctx context.Context, ds *geostore.Datasource) (*Result, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Type: ds.Kind, CheckedAt: p.now().UTC()}

	fetcher, err := p.open(ds.URL, p.opts)
	if err != nil {
		return p.fail(res, err), nil
	}
	defer fetcher.Close() //nolint:errcheck

	switch ds.Kind {
	case geostore.KindArchive:
		p.probeArchive(ctx, fetcher, res)
	case geostore.KindRaster:
		p.probeRaster(ctx, fetcher, res)
	default:
		return nil, apperr.Validationf("datasource kind %q cannot be probed", ds.Kind)
	}

	if res.Status != StatusOK {
		p.log.Warn("datasource probe failed",
			zap.String("datasource", ds.ID),
			zap.String("kind", ds.Kind),
			zap.String("message", res.Message))
	}
	return res, nil
}

func (p *Prober) probeArchive(ctx context.Context, fetcher rangeio.Fetcher, res *Result) {
	archive, err := pmtiles.Open(ctx, fetcher)
	if err != nil {
		p.fail(res, err)
		return
	}
	h := archive.Header()

	meta := map[string]any{
		"tile_type":        h.TileType.String(),
		"tile_compression": h.TileCompression.String(),
		"min_zoom":         int(h.MinZoom),
		"max_zoom":         int(h.MaxZoom),
		"bounds":           []float64{h.MinLon, h.MinLat, h.MaxLon, h.MaxLat},
		"center":           []float64{h.CenterLon, h.CenterLat},
		"center_zoom":      int(h.CenterZoom),
		"addressed_tiles":  h.AddressedTiles,
	}
	if raw, err := archive.Metadata(ctx); err == nil {
		var doc struct {
			VectorLayers []json.RawMessage `json:"vector_layers"`
		}
		if json.Unmarshal(raw, &doc) == nil {
			meta["layer_count"] = len(doc.VectorLayers)
		}
	}

	res.Status = StatusOK
	res.Metadata = meta
}

func (p *Prober) probeRaster(ctx context.Context, fetcher rangeio.Fetcher, res *Result) {
	raster, err := cog.Open(ctx, fetcher)
	if err != nil {
		p.fail(res, err)
		return
	}
	w, h := raster.Size()
	bw, bh := raster.BlockSize()

	res.Status = StatusOK
	res.Metadata = map[string]any{
		"band_count":     raster.SamplesPerPixel(),
		"native_crs":     fmt.Sprintf("EPSG:%d", raster.EPSG()),
		"width":          w,
		"height":         h,
		"overview_count": raster.Levels() - 1,
		"block_width":    bw,
		"block_height":   bh,
	}
}

func (p *Prober) fail(res *Result, err error) *Result {
	res.Status = StatusError
	res.Message = err.Error()
	res.Hint = apperr.HintOf(err)
	return res
}

// ProbeAndStore probes a datasource by id and persists the snapshot.
func (p *Prober) ProbeAndStore(ctx context.Context, store Store, id string) (*Result, error) {
	ds, err := store.GetDatasource(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := p.Probe(ctx, ds)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "probe: marshal result")
	}
	if err := store.SetDatasourceProbe(ctx, ds.ID, raw, res.CheckedAt); err != nil {
		return nil, err
	}
	return res, nil
}

// Watcher re-probes every registered datasource on an interval and records
// status transitions.
type Watcher struct {
	prober   *Prober
	store    Store
	interval time.Duration
	last     map[string]string
}

func NewWatcher(prober *Prober, store Store, interval time.Duration) *Watcher {
	return &Watcher{
		prober:   prober,
		store:    store,
		interval: interval,
		last:     make(map[string]string),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "probe.watcher"))
	log.Info("starting datasource watcher", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("datasource watcher stopped")
			return
		case <-ticker.C:
			w.sweep(ctx, log)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context, log *zap.Logger) {
	sources, err := w.store.ListDatasources(ctx)
	if err != nil {
		log.Error("watcher: failed to list datasources", zap.Error(err))
		return
	}

	checked, failed := 0, 0
	for i := range sources {
		ds := &sources[i]
		res, err := w.prober.ProbeAndStore(ctx, w.store, ds.ID)
		if err != nil {
			log.Error("watcher: probe failed", zap.String("datasource", ds.ID), zap.Error(err))
			continue
		}
		checked++
		if res.Status != StatusOK {
			failed++
		}
		if prev, ok := w.last[ds.ID]; ok && prev != res.Status {
			log.Warn("datasource status changed",
				zap.String("datasource", ds.ID),
				zap.String("from", prev),
				zap.String("to", res.Status))
		}
		w.last[ds.ID] = res.Status
	}
	log.Debug("watcher: sweep complete", zap.Int("checked", checked), zap.Int("failed", failed))
}

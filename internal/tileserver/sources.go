package tileserver

import (
	"context"

	"github.com/mopinfish/geo-base-sub001/internal/cog"
	"github.com/mopinfish/geo-base-sub001/internal/config"
	"github.com/mopinfish/geo-base-sub001/internal/pmtiles"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
	"github.com/mopinfish/geo-base-sub001/internal/srccache"
)

// Sources hands out open archive and raster readers keyed by URL. Readers
// stay cached across requests; after the freshness window the origin's
// validator is re-checked and a changed source is reopened. Evicted readers
// are closed.
type Sources struct {
	opts     rangeio.Options
	open     func(rawURL string, opts rangeio.Options) (rangeio.Fetcher, error)
	archives *srccache.Cache[*pmtiles.Archive]
	rasters  *srccache.Cache[*cog.Raster]
}

func NewSources(src config.SourcesConfig, cache config.CacheConfig) (*Sources, error) {
	s := &Sources{
		opts: rangeio.Options{
			Timeout:       src.Timeout,
			MaxPerOrigin:  src.MaxPerOrigin,
			RatePerSecond: src.RatePerSecond,
			UserAgent:     src.UserAgent,
		},
		open: rangeio.Open,
	}

	archives, err := srccache.New[*pmtiles.Archive](cache.SourceEntries, cache.RevalidateAfter)
	if err != nil {
		return nil, err
	}
	archives.OnEvict = func(_ string, a *pmtiles.Archive) { _ = a.Close() }

	rasters, err := srccache.New[*cog.Raster](cache.SourceEntries, cache.RevalidateAfter)
	if err != nil {
		return nil, err
	}
	rasters.OnEvict = func(_ string, r *cog.Raster) { _ = r.Close() }

	s.archives = archives
	s.rasters = rasters
	return s, nil
}

// Archive returns the open archive for url, loading it on first use.
func (s *Sources) Archive(ctx context.Context, url string) (*pmtiles.Archive, error) {
	return s.archives.Get(ctx, url, s.validator(url), func(ctx context.Context) (*pmtiles.Archive, string, error) {
		fetcher, err := s.open(url, s.opts)
		if err != nil {
			return nil, "", err
		}
		archive, err := pmtiles.Open(ctx, fetcher)
		if err != nil {
			_ = fetcher.Close()
			return nil, "", err
		}
		validator, err := s.stat(ctx, fetcher)
		if err != nil {
			_ = archive.Close()
			return nil, "", err
		}
		return archive, validator, nil
	})
}

// Raster returns the open raster for url, loading it on first use.
func (s *Sources) Raster(ctx context.Context, url string) (*cog.Raster, error) {
	return s.rasters.Get(ctx, url, s.validator(url), func(ctx context.Context) (*cog.Raster, string, error) {
		fetcher, err := s.open(url, s.opts)
		if err != nil {
			return nil, "", err
		}
		raster, err := cog.Open(ctx, fetcher)
		if err != nil {
			_ = fetcher.Close()
			return nil, "", err
		}
		validator, err := s.stat(ctx, fetcher)
		if err != nil {
			_ = raster.Close()
			return nil, "", err
		}
		return raster, validator, nil
	})
}

// validator builds the freshness check: a fresh Stat against the origin.
func (s *Sources) validator(url string) srccache.ValidateFunc {
	return func(ctx context.Context) (string, error) {
		fetcher, err := s.open(url, s.opts)
		if err != nil {
			return "", err
		}
		defer fetcher.Close() //nolint:errcheck
		return s.stat(ctx, fetcher)
	}
}

func (s *Sources) stat(ctx context.Context, fetcher rangeio.Fetcher) (string, error) {
	info, err := fetcher.Stat(ctx)
	if err != nil {
		return "", err
	}
	return info.Validator(), nil
}

// Close drops every cached reader, closing each.
func (s *Sources) Close() {
	s.archives.Purge()
	s.rasters.Purge()
}

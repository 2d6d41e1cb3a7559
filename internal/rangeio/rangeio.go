// Package rangeio provides random-access byte-range reads over the source
// schemes the tile server pulls archives and rasters from: http(s), local
// files, and ftp. Remote reads are capped per origin so one hot tileset
// cannot exhaust a provider's connection budget.
package rangeio

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// Info describes a source object at a point in time.
type Info struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// Validator returns a token that changes when the underlying object changes.
// ETag wins when present; otherwise last-modified plus size.
func (i Info) Validator() string {
	if i.ETag != "" {
		return i.ETag
	}
	return fmt.Sprintf("%d-%d", i.LastModified.Unix(), i.Size)
}

// Fetcher reads arbitrary byte ranges from a single source object.
type Fetcher interface {
	// ReadRange returns exactly length bytes starting at offset.
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	// Stat returns size and change-detection metadata.
	Stat(ctx context.Context) (*Info, error)
	Close() error
}

// Options tunes remote access. Zero values fall back to defaults.
type Options struct {
	Timeout       time.Duration
	MaxPerOrigin  int64
	RatePerSecond float64
	UserAgent     string
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxPerOrigin == 0 {
		o.MaxPerOrigin = 8
	}
	if o.RatePerSecond == 0 {
		o.RatePerSecond = 50
	}
	if o.UserAgent == "" {
		o.UserAgent = "geo-base/1.0"
	}
	return o
}

// Open dispatches on the URL scheme. Scheme-less URLs are treated as local
// file paths.
func Open(rawURL string, opts Options) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.Validationf("invalid source url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPFetcher(rawURL, opts), nil
	case "ftp":
		return NewFTPFetcher(u, opts), nil
	case "file":
		return NewFileFetcher(u.Path)
	case "":
		return NewFileFetcher(rawURL)
	default:
		return nil, apperr.Validationf("unsupported source scheme %q", u.Scheme)
	}
}

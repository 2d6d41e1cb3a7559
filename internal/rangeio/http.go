package rangeio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// originGate throttles one origin: a connection cap plus a request rate.
type originGate struct {
	sem *semaphore.Weighted
	lim *rate.Limiter
}

var (
	gatesMu sync.Mutex
	gates   = make(map[string]*originGate)
)

func gateFor(host string, opts Options) *originGate {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	g, ok := gates[host]
	if !ok {
		g = &originGate{
			sem: semaphore.NewWeighted(opts.MaxPerOrigin),
			lim: rate.NewLimiter(rate.Limit(opts.RatePerSecond), int(opts.RatePerSecond)),
		}
		gates[host] = g
	}
	return g
}

// HTTPFetcher reads byte ranges with Range requests. Servers that ignore
// Range and reply 200 with the full body are tolerated by slicing the
// response.
type HTTPFetcher struct {
	url    string
	client *http.Client
	opts   Options
	gate   *originGate
	log    *zap.Logger
}

// NewHTTPFetcher creates a fetcher for one http(s) URL.
func NewHTTPFetcher(rawURL string, opts Options) *HTTPFetcher {
	opts = opts.withDefaults()
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		url: rawURL,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
		gate: gateFor(host, opts),
		log:  zap.L().With(zap.String("component", "rangeio.http")),
	}
}

// ReadRange implements Fetcher.
func (f *HTTPFetcher) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, apperr.Validationf("invalid range offset=%d length=%d", offset, length)
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.gate.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "rangeio: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "fetch %s", f.url)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		data, err := io.ReadAll(io.LimitReader(resp.Body, length))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "read range body from %s", f.url)
		}
		if int64(len(data)) < length {
			return nil, apperr.New(apperr.KindUpstreamUnreachable,
				"short range read from %s: got %d of %d bytes", f.url, len(data), length)
		}
		return data, nil
	case resp.StatusCode == http.StatusOK:
		// Server ignored the Range header. Discard the prefix and slice.
		f.log.Debug("server ignored range request, slicing full body",
			zap.String("url", f.url), zap.Int64("offset", offset))
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "skip to offset in %s", f.url)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, length))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "read body from %s", f.url)
		}
		if int64(len(data)) < length {
			return nil, apperr.New(apperr.KindUpstreamUnreachable,
				"short read from %s: got %d of %d bytes", f.url, len(data), length)
		}
		return data, nil
	default:
		return nil, statusError(resp.StatusCode, f.url)
	}
}

// Stat implements Fetcher.
func (f *HTTPFetcher) Stat(ctx context.Context) (*Info, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.gate.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "rangeio: create head request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "head %s", f.url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, f.url)
	}

	info := &Info{ETag: resp.Header.Get("ETag")}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = n
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Close implements Fetcher.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *HTTPFetcher) acquire(ctx context.Context) error {
	if err := f.gate.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "rangeio: acquire origin slot")
	}
	if err := f.gate.lim.Wait(ctx); err != nil {
		f.gate.sem.Release(1)
		return eris.Wrap(err, "rangeio: rate limiter wait")
	}
	return nil
}

func statusError(status int, url string) error {
	switch {
	case status == http.StatusNotFound:
		return apperr.NotFoundf("source %s not found (404)", url)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindUpstreamUnreachable, "status %d from %s", status, url).
			WithHint("source may be private; verify credentials")
	default:
		return apperr.New(apperr.KindUpstreamUnreachable, "status %d from %s", status, url)
	}
}

package rangeio

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// FTPFetcher reads ranges from an FTP server using REST (resume) offsets.
// A fresh control connection is dialed per operation; FTP servers are rare
// enough as tile sources that connection reuse is not worth the state
// tracking.
type FTPFetcher struct {
	addr string
	path string
	user string
	pass string
	opts Options
}

// NewFTPFetcher creates a fetcher for one ftp URL.
func NewFTPFetcher(u *url.URL, opts Options) *FTPFetcher {
	addr := u.Host
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	return &FTPFetcher{addr: addr, path: u.Path, user: user, pass: pass, opts: opts.withDefaults()}
}

func (f *FTPFetcher) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(f.addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(f.opts.Timeout),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "dial ftp %s", f.addr)
	}
	if err := conn.Login(f.user, f.pass); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err, "login ftp %s", f.addr).
			WithHint("source may be private; verify credentials")
	}
	return conn, nil
}

// ReadRange implements Fetcher.
func (f *FTPFetcher) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, apperr.Validationf("invalid range offset=%d length=%d", offset, length)
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	resp, err := conn.RetrFrom(f.path, uint64(offset))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "ftp retrieve %s", f.path)
	}
	defer resp.Close() //nolint:errcheck

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp, buf); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, err,
			"short ftp read from %s at %d", f.path, offset)
	}
	return buf, nil
}

// Stat implements Fetcher.
func (f *FTPFetcher) Stat(ctx context.Context) (*Info, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	size, err := conn.FileSize(f.path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "ftp size %s", f.path)
	}
	info := &Info{Size: size}
	if t, err := conn.GetTime(f.path); err == nil {
		info.LastModified = t
	}
	return info, nil
}

// Close implements Fetcher.
func (f *FTPFetcher) Close() error { return nil }

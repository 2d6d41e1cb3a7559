package rangeio

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// FileFetcher serves ranges from a local file via ReadAt.
type FileFetcher struct {
	path string
	f    *os.File
}

// NewFileFetcher opens the file at path.
func NewFileFetcher(path string) (*FileFetcher, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("source file %s not found", path)
		}
		return nil, eris.Wrapf(err, "rangeio: open %s", path)
	}
	return &FileFetcher{path: path, f: f}, nil
}

// ReadRange implements Fetcher.
func (f *FileFetcher) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, apperr.Validationf("invalid range offset=%d length=%d", offset, length)
	}
	buf := make([]byte, length)
	n, err := f.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, eris.Wrapf(err, "rangeio: read %s at %d", f.path, offset)
	}
	if int64(n) < length {
		return nil, apperr.New(apperr.KindInvalidArchiveFormat,
			"range %d+%d extends past end of %s", offset, length, f.path)
	}
	return buf, nil
}

// Stat implements Fetcher.
func (f *FileFetcher) Stat(context.Context) (*Info, error) {
	st, err := f.f.Stat()
	if err != nil {
		return nil, eris.Wrapf(err, "rangeio: stat %s", f.path)
	}
	return &Info{Size: st.Size(), LastModified: st.ModTime()}, nil
}

// Close implements Fetcher.
func (f *FileFetcher) Close() error {
	return f.f.Close()
}

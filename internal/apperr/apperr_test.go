package apperr

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := Validationf("bbox out of order")
	assert.Equal(t, KindValidation, KindOf(err))

	// Kind survives wrapping.
	wrapped := eris.Wrap(err, "query: search")
	assert.Equal(t, KindValidation, KindOf(wrapped))

	// Plain errors fall back to internal.
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUpstreamUnreachable, cause, "fetch https://example.com/a.pmtiles")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindUpstreamUnreachable, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithHint(t *testing.T) {
	base := New(KindUpstreamUnreachable, "status 403")
	hinted := base.WithHint("source may be private; verify credentials")

	assert.Equal(t, "source may be private; verify credentials", HintOf(hinted))
	// Original is untouched.
	assert.Empty(t, HintOf(base))
}

func TestTileNotFound(t *testing.T) {
	err := TileNotFound(8, 227, 99)
	assert.True(t, IsKind(err, KindTileNotFound))
	assert.Contains(t, err.Error(), "8/227/99")
}

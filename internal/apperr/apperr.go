// Package apperr defines the error taxonomy shared by the tile and query
// surfaces. Every error that crosses a component boundary carries a stable
// kind tag and an optional remediation hint.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable error category tag.
type Kind string

const (
	// KindValidation marks malformed input (id, bbox, radii, band mapping).
	// Rejected before any I/O, never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown tileset, feature, or datasource.
	KindNotFound Kind = "not_found"
	// KindTileNotFound marks a (z,x,y) absent from an archive directory.
	// A normal outcome for sparse coverage, not a parse error.
	KindTileNotFound Kind = "tile_not_found"
	// KindUpstreamUnreachable marks a network failure against an archive or
	// raster source. Retry policy, if any, belongs to the caller.
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	// KindInvalidArchiveFormat marks a corrupt or unsupported tile archive.
	KindInvalidArchiveFormat Kind = "invalid_archive_format"
	// KindInvalidBandMapping marks a datasource band mapping that does not
	// match the raster's samples per pixel.
	KindInvalidBandMapping Kind = "invalid_band_mapping"
	// KindInternal is the fallback for errors with no taxonomy kind.
	KindInternal Kind = "internal"
)

// Error is a kinded error with an optional remediation hint.
type Error struct {
	ErrKind Kind
	Message string
	Hint    string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of the error carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// New creates an error with the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// TileNotFound creates a tile-not-found error for a tile coordinate.
func TileNotFound(z, x, y int) *Error {
	return New(KindTileNotFound, "tile %d/%d/%d not present", z, x, y)
}

// KindOf extracts the kind from an error chain. Errors without an *Error in
// the chain report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	return KindInternal
}

// HintOf extracts the remediation hint from an error chain, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

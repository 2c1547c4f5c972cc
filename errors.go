package quarry

import "github.com/quarryhq/quarry/pkg/qerr"

// The error taxonomy lives in pkg/qerr so component packages can tag errors
// without importing this package. Re-exported here so library consumers work
// against quarry.* only.

// Kind classifies a failure so callers can pick a recovery policy without
// string-matching error text.
type Kind = qerr.Kind

const (
	KindUnknown           = qerr.KindUnknown
	KindInvalidInput      = qerr.KindInvalidInput
	KindConflict          = qerr.KindConflict
	KindStoreUnavailable  = qerr.KindStoreUnavailable
	KindModelUnavailable  = qerr.KindModelUnavailable
	KindResourceExhausted = qerr.KindResourceExhausted
	KindRetrievalFailed   = qerr.KindRetrievalFailed
	KindCancelled         = qerr.KindCancelled
	KindTimeout           = qerr.KindTimeout
	KindStreamTerminated  = qerr.KindStreamTerminated
)

// Error is the tagged error carried across component boundaries.
type Error = qerr.Error

// E builds a tagged error.
func E(kind Kind, op string, err error) error { return qerr.E(kind, op, err) }

// Ef builds a tagged error from a format string.
func Ef(kind Kind, op, format string, args ...any) error {
	return qerr.Ef(kind, op, format, args...)
}

// KindOf walks the wrap chain and returns the first classification it finds.
func KindOf(err error) Kind { return qerr.KindOf(err) }

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return qerr.IsKind(err, kind) }

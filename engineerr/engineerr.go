// Package engineerr defines the error kinds surfaced across the storage
// engine (block manager, pager, btree, WAL, session) and a small typed
// wrapper so callers can switch on Kind while still getting a wrapped,
// stack-annotated cause from github.com/pkg/errors at the point an
// OS-level failure crosses into engine code.
package engineerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error categories named in the storage engine's
// error handling design.
type Kind int

const (
	// KindCorruption covers page and WAL record CRC mismatches.
	KindCorruption Kind = iota
	// KindHeaderCorrupt is returned when both checkpoint slots fail CRC.
	KindHeaderCorrupt
	// KindIO covers disk read/write failures, fatal for the transaction.
	KindIO
	// KindCachePressure is returned when the page cache has no evictable
	// entry and is at capacity.
	KindCachePressure
	// KindPageFull is handled internally by split and never surfaced.
	KindPageFull
	// KindDuplicateKey is returned by PutUnique on an existing key.
	KindDuplicateKey
	// KindActiveTxnInFlight is returned when Checkpoint is attempted while
	// a transaction is active on the session.
	KindActiveTxnInFlight
	// KindNotFound is returned by cursor Get when the key is absent.
	KindNotFound
	// KindWalVersionMismatch signals an incompatible WAL header version.
	KindWalVersionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindCorruption:
		return "Corruption"
	case KindHeaderCorrupt:
		return "HeaderCorrupt"
	case KindIO:
		return "Io"
	case KindCachePressure:
		return "CachePressure"
	case KindPageFull:
		return "PageFull"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindActiveTxnInFlight:
		return "ActiveTxnInFlight"
	case KindNotFound:
		return "NotFound"
	case KindWalVersionMismatch:
		return "WalVersionMismatch"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by engine components.
type Error struct {
	Kind    Kind
	Context string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.Context != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, engineerr.Sentinel(engineerr.KindCorruption))
// work by comparing kinds rather than requiring both sides to be the
// exact same *Error instance.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New creates a bare Error of the given kind with a context string.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap annotates cause with a stack trace (via pkg/errors) and attaches
// the given Kind and context, for errors crossing an OS/library boundary.
func Wrap(kind Kind, context string, cause error) *Error {
	if cause == nil {
		return New(kind, context)
	}
	return &Error{Kind: kind, Context: context, cause: errors.Wrap(cause, context)}
}

// Sentinel returns a zero-context Error of the given kind, suitable for
// use with errors.Is: errors.Is(err, engineerr.Sentinel(engineerr.KindNotFound)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

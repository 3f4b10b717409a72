package session

import "errors"

// Session-layer usage errors. These sit outside engineerr.Kind on
// purpose: engineerr's taxonomy covers storage-engine failure modes
// (corruption, IO, page pressure); these are caller misuse of the
// session API and have nothing to do with the storage engine's own
// health, so a plain sentinel is the right fit (SPEC_FULL.md §7).
var (
	ErrTransactionActive = errors.New("session: a transaction is already active")
	ErrNoTransaction     = errors.New("session: no active transaction")
	ErrUnsupportedURI    = errors.New("session: unsupported cursor uri")
	ErrReadOnlyCursor    = errors.New("session: cursor is read-only")
	ErrConnectionClosed  = errors.New("session: connection is closed")
)

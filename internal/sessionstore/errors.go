package sessionstore

import "errors"

// Domain-specific errors for session state operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrPersistence is returned when session state could not be durably
	// written. Continuing to encrypt after this would risk ratchet reuse,
	// so callers must treat it as fatal for the device's encryption path.
	ErrPersistence = errors.New("sessionstore: state could not be persisted")

	// ErrUnknownSession is returned when no session exists for the given
	// device or session identifier.
	ErrUnknownSession = errors.New("sessionstore: unknown session")

	// ErrReplayedIndex is returned when an inbound message index is at or
	// below an index that was already accepted for the same chain.
	ErrReplayedIndex = errors.New("sessionstore: message index already accepted")

	// ErrSessionExists is returned when importing a session that is
	// already known.
	ErrSessionExists = errors.New("sessionstore: session already imported")
)

package megolm

import "errors"

// Domain-specific errors for Megolm operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidMessage is returned when a ciphertext message cannot be
	// parsed: wrong version byte, truncated fields, or trailing garbage.
	ErrInvalidMessage = errors.New("megolm: invalid message format")

	// ErrInvalidSessionKey is returned when an exported session key fails
	// to parse or its embedded signature does not verify.
	ErrInvalidSessionKey = errors.New("megolm: invalid session key")

	// ErrSessionMismatch is returned when a message's session identifier
	// does not match the session asked to decrypt it.
	ErrSessionMismatch = errors.New("megolm: message belongs to a different session")

	// ErrMACInvalid is returned when the message authentication code does
	// not verify. The ciphertext was corrupted or forged.
	ErrMACInvalid = errors.New("megolm: MAC verification failed")

	// ErrSignatureInvalid is returned when the Ed25519 signature over a
	// message or session export does not verify.
	ErrSignatureInvalid = errors.New("megolm: signature verification failed")

	// ErrUnknownMessageIndex is returned when a message's ratchet index
	// precedes the earliest state known to the inbound session. Keys for
	// earlier indices cannot be derived.
	ErrUnknownMessageIndex = errors.New("megolm: message index before first known ratchet state")

	// ErrDecryptFailed is returned when AES-CBC decryption yields invalid
	// padding despite a valid MAC. This should not happen and indicates a
	// construction bug or a malformed encryptor.
	ErrDecryptFailed = errors.New("megolm: decryption failed")

	// ErrInvalidPickle is returned when a pickled session cannot be
	// decrypted or parsed, usually because the pickle key is wrong.
	ErrInvalidPickle = errors.New("megolm: invalid pickle")
)

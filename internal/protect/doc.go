// Package protect selects and applies per-channel payload protection.
//
// An Engine turns a telemetry envelope into the payload published to the
// broker and back. Two implementations exist: Megolm, which encrypts
// through a durable ratchet session store, and Passthrough, which
// publishes the plain JSON envelope for channels that opt out of
// encryption.
//
// Megolm's Protect never releases ciphertext before the ratchet advance
// behind it is durable, and its Unprotect never returns partial
// plaintext: authentication failures, unknown sessions and replayed
// indices all fail before any decrypted byte is exposed.
package protect

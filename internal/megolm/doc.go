// Package megolm implements the Megolm group ratchet used to protect
// telemetry payloads.
//
// A sender owns a GroupSession: a four-part one-way ratchet plus an
// Ed25519 signing key. Each Encrypt call derives per-message AES-256-CBC
// and HMAC-SHA256 keys from the current ratchet state, then advances the
// ratchet by one step. A receiver holds an InboundGroupSession built from
// an exported session key; it can derive keys for any message index at or
// after the export point, but never earlier (forward secrecy).
//
// The construction follows the published Megolm scheme: the ratchet is
// 4 x 32 bytes, part R(h) is reseeded via HMAC-SHA256 whenever the
// message counter crosses a 2^(8*(3-h)) boundary, and message keys come
// from HKDF-SHA256 over the full ratchet state with info "MEGOLM_KEYS".
//
// Reusing a ratchet step for two different plaintexts is catastrophic
// (CBC IV and MAC key reuse), so callers must persist the advanced state
// before releasing ciphertext. The sessionstore package provides that
// durability; this package is purely computational.
package megolm

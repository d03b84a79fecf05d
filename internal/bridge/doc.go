// Package bridge wires the telemetry pipeline together: OPC-UA value
// changes in, canonical envelopes out on MQTT, optionally protected by
// a per-device Megolm ratchet.
//
// The bridge owns one lifecycle per configured device channel. Each
// channel moves through starting → subscribing → streaming, loops
// through reconnecting on transient connector trouble, and reaches
// failed only when the connector reports a fatal error or when a
// mandatory-encryption channel can no longer persist ratchet state.
// One channel's failure never stops another's pipeline.
//
// Failure handling follows the error's class: undecodable samples are
// dropped and counted, crypto failures drop the affected message and
// are logged as errors, and persistence failures stop the channel's
// encryption path rather than ever publishing in the clear when
// encryption is mandatory.
package bridge

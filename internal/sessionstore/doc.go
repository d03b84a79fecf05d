// Package sessionstore owns persistent Megolm session state, keyed by
// device for outbound sessions and by session identifier for inbound
// ones.
//
// The store is the only component that mutates ratchet state. Outbound
// advances are serialized per device and committed to SQLite before the
// step's key material is returned, so a crash between advance and
// publish can at worst skip a ratchet index, never reuse one. Inbound
// acceptance is two-phase: AcceptInbound validates the replay guard and
// hands out decrypt material, ConfirmInbound durably records the index
// after a successful decrypt - a forged message can therefore never
// poison the guard.
//
// Raw chain state never leaves the package except as one-shot step
// material; callers cannot mutate a session out of order.
package sessionstore

// Package envelope defines the canonical telemetry record and the codec
// that maps OPC-UA data values onto it.
//
// An Envelope is the protocol-agnostic unit the rest of the pipeline
// operates on: device, node, per-channel sequence number, UTC
// timestamps, quality and a closed typed value. The codec is pure and
// total over the closed variant set - any OPC-UA type outside it fails
// with ErrUnsupportedType so the orchestrator can drop the sample and
// keep the channel alive.
//
// Timestamps follow the source-then-server-then-receive preference and
// are always normalized to UTC. A missing status code is treated as
// Good, matching OPC-UA semantics where servers omit the field for
// healthy samples.
package envelope

// Package opc manages the agent's OPC-UA subscriptions.
//
// The Connector owns one client connection to the configured server and
// one OPC-UA subscription per configured sampling interval, with one
// monitored item per node. Data changes arrive on a single channel
// (Events), so per-node delivery order matches notification order; a
// second channel (States) reports lifecycle transitions to the
// orchestrator.
//
// # Failure handling
//
// Transient failures reconnect automatically: the gopcua client restores
// the transport and its subscriptions, and the Connector's outer loop
// re-dials with exponential backoff plus jitter, capped at the configured
// maximum. Nodes that fail to parse are logged and skipped rather than
// failing the whole subscription. Fatal failures — rejected credentials,
// or the configured retry budget exhausted — stop the Connector and
// surface from Run.
package opc

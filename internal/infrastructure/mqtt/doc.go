// Package mqtt provides the agent's MQTT connectivity: a paho client
// wrapper with auto-reconnect and Last Will and Testament, plus a
// Publisher that delivers telemetry through a bounded, order-preserving
// queue.
//
// # Architecture
//
// The agent is a one-way telemetry source. Each device channel renders
// its topic template once at startup and hands payloads to the shared
// Publisher; a single delivery goroutine drains the queue so per-topic
// publish order always matches enqueue order.
//
//	OPC-UA server → agent → MQTT broker → consumers
//
// # Broker outages
//
// The paho client reconnects on its own with exponential backoff. While
// it is down, queued messages wait; Enqueue either blocks (default) or
// drops-and-counts depending on the configured full policy. Delivery
// retries in place, so an outage delays telemetry rather than reordering
// or silently losing it.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Payload confidentiality beyond TLS comes from the encryption
//     engine upstream, not from this package
package mqtt

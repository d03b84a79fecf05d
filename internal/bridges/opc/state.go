package opc

import "time"

// State is the connector's lifecycle state as seen by the orchestrator.
type State string

// Connector lifecycle states.
const (
	// StateConnecting is the initial dial of the configured endpoint.
	StateConnecting State = "connecting"

	// StateConnected means subscriptions are established and streaming.
	StateConnected State = "connected"

	// StateReconnecting means the connection was lost and is being
	// re-established with backoff.
	StateReconnecting State = "reconnecting"

	// StateFailed is terminal: a fatal error or exhausted retries.
	StateFailed State = "failed"
)

// StateChange is one lifecycle transition, with the error that caused
// it where applicable.
type StateChange struct {
	State State
	Err   error
	Time  time.Time
}

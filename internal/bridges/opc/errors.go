package opc

import "errors"

// Domain-specific errors for OPC-UA operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("opc: connection failed")

	// ErrNoMatchingEndpoint is returned when the server offers no
	// endpoint matching the configured security policy and mode.
	ErrNoMatchingEndpoint = errors.New("opc: no matching endpoint")

	// ErrAuthFailed is returned when the server rejects the configured
	// credentials. This is fatal: retrying cannot help.
	ErrAuthFailed = errors.New("opc: authentication rejected")

	// ErrRetriesExhausted is returned when the configured number of
	// consecutive reconnect attempts has been used up.
	ErrRetriesExhausted = errors.New("opc: reconnect attempts exhausted")

	// ErrNoNodes is returned when no configured node resolves to a
	// monitorable item.
	ErrNoNodes = errors.New("opc: no monitorable nodes")
)

// Package logging provides structured logging for the OPC-UA agent.
//
// It wraps Go's standard log/slog package so every component logs in a
// consistent, machine-parsable shape.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// Never log secrets: broker passwords, OPC-UA credentials, pickle keys
// and ratchet material must not appear in log fields.
package logging

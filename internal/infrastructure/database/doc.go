// Package database provides SQLite connectivity for the agent's state store.
//
// The state store holds Megolm ratchet session state: outbound sessions
// (ratchet parts, counter, signing key) and the inbound replay guard.
// Durability matters more than throughput here - an outbound ratchet
// advance must be committed before the corresponding ciphertext leaves
// the process, so the store is tuned for a single writer with short
// transactions.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Schema migrations embedded into the binary
//   - Connection lifecycle and health checks
//
// Security considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (ratchet state is key material)
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database

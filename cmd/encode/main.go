// encode protects one telemetry envelope offline.
//
// It reads a JSON envelope from stdin, advances the device's persisted
// outbound session exactly as the agent would, and prints the base64
// ciphertext. Useful for producing test vectors and for verifying a
// consumer's inbound chain without a broker.
//
// Usage:
//
//	echo '{"device":"pump-1",...}' | encode -db data/opcua-agent.db -device pump-1
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	_ "github.com/edgelink-io/opcua-agent/migrations"

	"github.com/edgelink-io/opcua-agent/internal/envelope"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/database"
	"github.com/edgelink-io/opcua-agent/internal/protect"
	"github.com/edgelink-io/opcua-agent/internal/sessionstore"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	dbPath := fs.String("db", "data/opcua-agent.db", "path to the agent state database")
	device := fs.String("device", "", "device channel to encrypt for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}

	plaintext, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	// Reject garbage before it costs a ratchet step.
	if _, err := envelope.Unmarshal(plaintext); err != nil {
		return fmt.Errorf("input is not a telemetry envelope: %w", err)
	}

	ctx := context.Background()

	db, err := database.Open(database.Config{
		Path:        *dbPath,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	engine := protect.NewMegolm(sessionstore.New(db))
	payload, err := engine.Protect(ctx, *device, plaintext)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, string(payload))
	return nil
}

// decode recovers a telemetry envelope from a protected payload.
//
// It reads the base64 ciphertext from stdin, decrypts it against the
// matching inbound session in the state database (imported beforehand
// with megolmctl import-key), and prints the JSON envelope. The replay
// guard applies exactly as in the agent: decoding the same ciphertext
// twice fails.
//
// Usage:
//
//	decode -db data/consumer.db < ciphertext.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/edgelink-io/opcua-agent/migrations"

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
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	dbPath := fs.String("db", "data/opcua-agent.db", "path to the state database holding the inbound session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return fmt.Errorf("stdin is empty")
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
	plaintext, err := engine.Unprotect(ctx, []byte(payload))
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, string(plaintext))
	return nil
}

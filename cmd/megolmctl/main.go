// megolmctl manages the agent's persisted Megolm sessions offline.
//
// It operates directly on the SQLite state database, with no broker or
// OPC-UA connectivity: rotate a device's outbound session, export or
// import session material for a consumer, move pickled sessions between
// agents, and list what the store knows.
//
// Usage:
//
//	megolmctl -db data/opcua-agent.db rotate -device pump-1
//	megolmctl -db data/opcua-agent.db export-key -device pump-1
//	megolmctl -db data/opcua-agent.db import-key -device pump-1 -key <base64>
//	megolmctl -db data/opcua-agent.db export-pickle -device pump-1
//	megolmctl -db data/opcua-agent.db import-pickle -device pump-1 < pickle.txt
//	megolmctl -db data/opcua-agent.db list
//
// Pickle commands read the pickle key from OPCAGENT_PICKLE_KEY.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/edgelink-io/opcua-agent/migrations"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/database"
	"github.com/edgelink-io/opcua-agent/internal/sessionstore"
)

// pickleKeyEnv names the environment variable holding the pickle key.
const pickleKeyEnv = "OPCAGENT_PICKLE_KEY"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses the global flags, dispatches the subcommand and prints its
// output. Separated from main for testability.
func run(args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("megolmctl", flag.ContinueOnError)
	dbPath := global.String("db", "data/opcua-agent.db", "path to the agent state database")
	global.Usage = func() { usage(global) }

	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(global)
		return fmt.Errorf("a command is required")
	}

	ctx := context.Background()

	store, closeDB, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer closeDB()

	command, args := rest[0], rest[1:]
	switch command {
	case "rotate":
		return cmdRotate(ctx, store, args, stdout)
	case "export-key":
		return cmdExportKey(ctx, store, args, stdout)
	case "import-key":
		return cmdImportKey(ctx, store, args, stdin, stdout)
	case "export-pickle":
		return cmdExportPickle(ctx, store, args, stdout)
	case "import-pickle":
		return cmdImportPickle(ctx, store, args, stdin, stdout)
	case "list":
		return cmdList(ctx, store, stdout)
	default:
		usage(global)
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(fs.Output(), "Usage: megolmctl [-db PATH] COMMAND [flags]")
	fmt.Fprintln(fs.Output(), "Commands: rotate, export-key, import-key, export-pickle, import-pickle, list")
	fs.PrintDefaults()
}

// openStore opens and migrates the state database.
func openStore(ctx context.Context, path string) (*sessionstore.Store, func(), error) {
	db, err := database.Open(database.Config{
		Path:        path,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return sessionstore.New(db), func() { db.Close() }, nil
}

// cmdRotate creates a fresh outbound session for a device, replacing
// any existing one. Consumers need the new session key before they can
// decrypt again.
func cmdRotate(ctx context.Context, store *sessionstore.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	device := fs.String("device", "", "device identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}

	sessionID, err := store.Rotate(ctx, *device)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "rotated %s: session %s\n", *device, sessionID)
	return nil
}

// cmdExportKey prints the device's outbound session key export, the
// material a consumer imports to build the matching inbound chain.
func cmdExportKey(ctx context.Context, store *sessionstore.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export-key", flag.ContinueOnError)
	device := fs.String("device", "", "device identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}

	exported, err := store.ExportSessionKey(ctx, *device)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, exported)
	return nil
}

// cmdImportKey registers an inbound session from an exported key, read
// from -key or stdin.
func cmdImportKey(ctx context.Context, store *sessionstore.Store, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("import-key", flag.ContinueOnError)
	device := fs.String("device", "", "device identifier")
	key := fs.String("key", "", "exported session key (reads stdin when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}

	material := *key
	if material == "" {
		read, err := readTrimmed(stdin)
		if err != nil {
			return err
		}
		material = read
	}

	sessionID, err := store.ImportInbound(ctx, *device, material)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported inbound session %s for %s\n", sessionID, *device)
	return nil
}

// cmdExportPickle prints the device's outbound session pickle,
// encrypted with the pickle key, for transfer to another agent.
func cmdExportPickle(ctx context.Context, store *sessionstore.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export-pickle", flag.ContinueOnError)
	device := fs.String("device", "", "device identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	pickleKey, err := pickleKey()
	if err != nil {
		return err
	}

	pickled, err := store.ExportPickle(ctx, *device, pickleKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, pickled)
	return nil
}

// cmdImportPickle restores an outbound session from a pickle read from
// stdin, replacing the device's current session.
func cmdImportPickle(ctx context.Context, store *sessionstore.Store, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("import-pickle", flag.ContinueOnError)
	device := fs.String("device", "", "device identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *device == "" {
		return fmt.Errorf("-device is required")
	}
	pickleKey, err := pickleKey()
	if err != nil {
		return err
	}

	pickled, err := readTrimmed(stdin)
	if err != nil {
		return err
	}
	if err := store.ImportPickle(ctx, *device, pickled, pickleKey); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported outbound session for %s\n", *device)
	return nil
}

// cmdList prints every session the store knows, outbound first.
func cmdList(ctx context.Context, store *sessionstore.Store, stdout io.Writer) error {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "no sessions")
		return nil
	}

	w := bufio.NewWriter(stdout)
	defer w.Flush()
	for _, s := range sessions {
		direction := "outbound"
		if s.Inbound {
			direction = "inbound"
		}
		fmt.Fprintf(w, "%-8s %-20s %s index=%d\n", direction, s.Device, s.SessionID, s.Index)
	}
	return nil
}

// pickleKey reads the pickle key from the environment.
func pickleKey() ([]byte, error) {
	key := os.Getenv(pickleKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s is not set", pickleKeyEnv)
	}
	return []byte(key), nil
}

// readTrimmed reads all of stdin and strips surrounding whitespace.
func readTrimmed(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("stdin is empty")
	}
	return trimmed, nil
}

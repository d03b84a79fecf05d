package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// runCtl invokes the tool against a database path and captures stdout.
func runCtl(t *testing.T, dbPath string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(append([]string{"-db", dbPath}, args...), strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestRotateExportImportList(t *testing.T) {
	senderDB := filepath.Join(t.TempDir(), "sender.db")
	receiverDB := filepath.Join(t.TempDir(), "receiver.db")

	out, err := runCtl(t, senderDB, "", "rotate", "-device", "pump-1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !strings.Contains(out, "rotated pump-1") {
		t.Errorf("rotate output = %q", out)
	}

	exported, err := runCtl(t, senderDB, "", "export-key", "-device", "pump-1")
	if err != nil {
		t.Fatalf("export-key: %v", err)
	}
	exported = strings.TrimSpace(exported)
	if exported == "" {
		t.Fatal("export-key printed nothing")
	}

	out, err = runCtl(t, receiverDB, "", "import-key", "-device", "pump-1", "-key", exported)
	if err != nil {
		t.Fatalf("import-key: %v", err)
	}
	if !strings.Contains(out, "imported inbound session") {
		t.Errorf("import-key output = %q", out)
	}

	out, err = runCtl(t, receiverDB, "", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "inbound") || !strings.Contains(out, "pump-1") {
		t.Errorf("list output = %q", out)
	}
}

func TestImportKeyFromStdin(t *testing.T) {
	senderDB := filepath.Join(t.TempDir(), "sender.db")
	receiverDB := filepath.Join(t.TempDir(), "receiver.db")

	if _, err := runCtl(t, senderDB, "", "rotate", "-device", "valve-2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	exported, err := runCtl(t, senderDB, "", "export-key", "-device", "valve-2")
	if err != nil {
		t.Fatalf("export-key: %v", err)
	}

	if _, err := runCtl(t, receiverDB, exported+"\n", "import-key", "-device", "valve-2"); err != nil {
		t.Fatalf("import-key from stdin: %v", err)
	}
}

func TestPickleTransfer(t *testing.T) {
	t.Setenv("OPCAGENT_PICKLE_KEY", "test-pickle-key-0123456789")

	sourceDB := filepath.Join(t.TempDir(), "source.db")
	targetDB := filepath.Join(t.TempDir(), "target.db")

	if _, err := runCtl(t, sourceDB, "", "rotate", "-device", "pump-1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	pickled, err := runCtl(t, sourceDB, "", "export-pickle", "-device", "pump-1")
	if err != nil {
		t.Fatalf("export-pickle: %v", err)
	}

	if _, err := runCtl(t, targetDB, pickled, "import-pickle", "-device", "pump-1"); err != nil {
		t.Fatalf("import-pickle: %v", err)
	}

	// Both stores must now export the same session key.
	sourceKey, err := runCtl(t, sourceDB, "", "export-key", "-device", "pump-1")
	if err != nil {
		t.Fatalf("export-key source: %v", err)
	}
	targetKey, err := runCtl(t, targetDB, "", "export-key", "-device", "pump-1")
	if err != nil {
		t.Fatalf("export-key target: %v", err)
	}
	if sourceKey != targetKey {
		t.Error("transferred session exports a different key")
	}
}

func TestPickleRequiresKey(t *testing.T) {
	t.Setenv("OPCAGENT_PICKLE_KEY", "")

	dbPath := filepath.Join(t.TempDir(), "state.db")
	if _, err := runCtl(t, dbPath, "", "rotate", "-device", "pump-1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := runCtl(t, dbPath, "", "export-pickle", "-device", "pump-1"); err == nil {
		t.Error("export-pickle succeeded without a pickle key")
	}
}

func TestUnknownCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	if _, err := runCtl(t, dbPath, "", "frobnicate"); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestExportKeyUnknownDevice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	if _, err := runCtl(t, dbPath, "", "export-key", "-device", "ghost"); err == nil {
		t.Error("export-key succeeded for a device with no session")
	}
}

package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	box, err := Open(filepath.Join(t.TempDir(), ".key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	token, err := box.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if token == "hunter2" {
		t.Fatal("token must not equal plaintext")
	}

	got, err := box.OpenSealed(token)
	if err != nil {
		t.Fatalf("OpenSealed: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("roundtrip = %q", got)
	}
}

func TestKeyPersistsAcrossOpens(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "sub", ".key")

	first, err := Open(keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	token, err := first.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := Open(keyPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.OpenSealed(token)
	if err != nil {
		t.Fatalf("OpenSealed after reopen: %v", err)
	}
	if got != "secret" {
		t.Errorf("roundtrip = %q", got)
	}
}

func TestOpenSealedRejectsGarbage(t *testing.T) {
	box, err := Open(filepath.Join(t.TempDir(), ".key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := box.OpenSealed("not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := box.OpenSealed("AAAA"); err == nil {
		t.Error("expected error for truncated token")
	}
}

func TestOpenRejectsWrongSizeKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".key")
	if err := os.WriteFile(keyPath, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(keyPath); err == nil {
		t.Error("expected error for wrong key size")
	}
}

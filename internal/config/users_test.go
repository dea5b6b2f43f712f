package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeUserFile(t *testing.T, masterKey []byte, users map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgagroal_users.conf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	f.WriteString("# comment line\n\n")
	salt := []byte("abcdefgh")
	for user, password := range users {
		ciphertext, err := EncryptPassword(password, masterKey, salt)
		if err != nil {
			t.Fatalf("EncryptPassword: %v", err)
		}
		f.WriteString(user + ":" + base64.StdEncoding.EncodeToString(ciphertext) + "\n")
	}
	return path
}

func TestLoadUserFileDecryptsEntries(t *testing.T) {
	masterKey := []byte("test-master-key")
	path := writeUserFile(t, masterKey, map[string]string{"alice": "wonderland", "bob": "builder"})

	table, err := LoadUserFile(path, masterKey)
	if err != nil {
		t.Fatalf("LoadUserFile: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(table))
	}

	got, ok := table.Lookup("alice")
	if !ok || got != "wonderland" {
		t.Fatalf("expected alice -> wonderland, got %q ok=%v", got, ok)
	}
}

func TestLoadUserFileEmptyPathIsNotAnError(t *testing.T) {
	table, err := LoadUserFile("", []byte("key"))
	if err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
	if table != nil {
		t.Fatalf("expected nil table for empty path")
	}
}

func TestLoadUserFileMissingFileIsNotAnError(t *testing.T) {
	table, err := LoadUserFile(filepath.Join(t.TempDir(), "missing.conf"), []byte("key"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if table != nil {
		t.Fatalf("expected nil table for missing file")
	}
}

func TestLoadSuperuserFileRejectsMultipleEntries(t *testing.T) {
	masterKey := []byte("test-master-key")
	path := writeUserFile(t, masterKey, map[string]string{"su1": "pw1", "su2": "pw2"})

	if _, err := LoadSuperuserFile(path, masterKey); err == nil {
		t.Fatalf("expected rejection of a superuser table with more than one entry")
	}
}

func TestLoadUserFileRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("no-colon-here\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadUserFile(path, []byte("key")); err == nil {
		t.Fatalf("expected error for a line missing ':'")
	}
}

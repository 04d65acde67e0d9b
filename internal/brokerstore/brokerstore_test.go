package brokerstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), "test", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	e := &Entry{
		Venue:  "alpaca",
		Fields: map[string]string{"api_key": "PKTEST123", "api_secret": "supersecretkey"},
	}

	if err := s.Save("alpaca", e); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !s.Exists("alpaca") {
		t.Fatal("Exists() = false after Save")
	}

	info, err := os.Stat(s.path("alpaca"))
	if err != nil {
		t.Fatalf("stat error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file permissions = %o, want 600", info.Mode().Perm())
	}

	loaded, err := s.Load("alpaca")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Venue != "alpaca" {
		t.Errorf("Venue = %q, want alpaca", loaded.Venue)
	}
	if loaded.Fields["api_key"] != "PKTEST123" {
		t.Errorf("api_key = %q, want PKTEST123", loaded.Fields["api_key"])
	}
	if loaded.Fields["api_secret"] != "supersecretkey" {
		t.Errorf("api_secret = %q, want supersecretkey", loaded.Fields["api_secret"])
	}
	if loaded.SavedAt == "" {
		t.Error("SavedAt should be auto-populated")
	}

	if err := s.Delete("alpaca"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists("alpaca") {
		t.Fatal("Exists() = true after Delete")
	}
}

func TestStoreLoadNonexistent(t *testing.T) {
	s := &Store{dir: t.TempDir(), profile: "test"}

	e, err := s.Load("nonexistent")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if e != nil {
		t.Fatalf("Load() = %v, want nil", e)
	}
}

func TestStoreDeleteNonexistent(t *testing.T) {
	s := &Store{dir: t.TempDir(), profile: "test"}

	if err := s.Delete("nonexistent"); err != nil {
		t.Fatalf("Delete() error = %v, want nil", err)
	}
}

func TestStoreFilePath(t *testing.T) {
	s := &Store{dir: "/tmp/tradegate", profile: "default"}
	expected := filepath.Join("/tmp/tradegate", "broker.default.alpaca.enc")
	if s.path("alpaca") != expected {
		t.Errorf("path = %q, want %q", s.path("alpaca"), expected)
	}
}

func TestStoreFileIsEncrypted(t *testing.T) {
	s := &Store{dir: t.TempDir(), profile: "test", box: mustSealer(t, "", "test")}

	e := &Entry{Venue: "binance", Fields: map[string]string{"api_key": "PKTEST123"}, TOTPSecret: "JBSWY3DPEHPK3PXP"}
	if err := s.Save("binance", e); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(s.path("binance"))
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	content := string(raw)
	if strings.Contains(content, "PKTEST123") || strings.Contains(content, "JBSWY3DPEHPK3PXP") {
		t.Error("encrypted file should not contain plaintext credentials")
	}
}

func TestStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	a := &Store{dir: dir, profile: "test", box: mustSealer(t, "one", "test")}
	if err := a.Save("oanda", &Entry{Venue: "oanda", Fields: map[string]string{"api_token": "t"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	b := &Store{dir: dir, profile: "test", box: mustSealer(t, "two", "test")}
	if _, err := b.Load("oanda"); err == nil {
		t.Fatal("Load() with another passphrase should fail")
	}
}

func TestStoreListIsPerProfile(t *testing.T) {
	dir := t.TempDir()
	live := &Store{dir: dir, profile: "live", box: mustSealer(t, "", "live")}
	paper := &Store{dir: dir, profile: "paper", box: mustSealer(t, "", "paper")}
	for _, id := range []string{"tradehybrid_42", "alpaca"} {
		if err := live.Save(id, &Entry{Venue: id}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}
	if err := paper.Save("oanda", &Entry{Venue: "oanda"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ids, err := live.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if strings.Join(ids, ",") != "alpaca,tradehybrid_42" {
		t.Errorf("List() = %v", ids)
	}
}

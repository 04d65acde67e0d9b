package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/haiphen/tradegate/internal/broker"
)

// newTestStore creates a file store in a temp directory.
func newTestStore(t *testing.T) *fileStore {
	t.Helper()
	return &fileStore{dir: t.TempDir(), profile: "test"}
}

func TestNew_FileOnly(t *testing.T) {
	dir := t.TempDir()
	st, err := New(Options{Dir: dir, FileOnly: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fs, ok := st.(*fileStore)
	if !ok {
		t.Fatalf("store type = %T, want *fileStore", st)
	}
	if fs.profile != "default" {
		t.Errorf("profile = %q, want default", fs.profile)
	}
	if got := fs.path("ctrader:42"); got != filepath.Join(dir, "token.default.ctrader_42.json") {
		t.Errorf("path = %q", got)
	}
}

func TestLoadToken_NoFile(t *testing.T) {
	st := newTestStore(t)
	tok, err := st.LoadToken("ctrader:1")
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if tok != nil {
		t.Errorf("LoadToken on missing file should return nil, got %+v", tok)
	}
}

func TestSaveAndLoadToken(t *testing.T) {
	st := newTestStore(t)
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &broker.Token{AccessToken: "abc123", RefreshToken: "r1", Expiry: expiry}

	if err := st.SaveToken("ctrader:1", tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	loaded, err := st.LoadToken("ctrader:1")
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadToken returned nil after save")
	}
	if loaded.AccessToken != "abc123" || loaded.RefreshToken != "r1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if !loaded.Expiry.Equal(expiry) {
		t.Errorf("Expiry = %v, want %v", loaded.Expiry, expiry)
	}

	other, err := st.LoadToken("ctrader:2")
	if err != nil || other != nil {
		t.Errorf("tokens must be per key: got %+v, %v", other, err)
	}
}

func TestSaveToken_AtomicWrite(t *testing.T) {
	st := newTestStore(t)
	tok := &broker.Token{AccessToken: "test", Expiry: time.Now().Add(time.Hour)}

	if err := st.SaveToken("k", tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	// Temp file should be cleaned up
	if _, err := os.Stat(st.path("k") + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("tmp file should not exist after save, got err=%v", err)
	}
}

func TestSaveToken_FilePermissions(t *testing.T) {
	st := newTestStore(t)
	tok := &broker.Token{AccessToken: "secret", Expiry: time.Now().Add(time.Hour)}

	if err := st.SaveToken("k", tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	info, err := os.Stat(st.path("k"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("file permissions = %o, want group/other bits to be 0", perm)
	}
}

func TestLoadToken_Empty(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveToken("k", &broker.Token{Expiry: time.Now()}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	loaded, err := st.LoadToken("k")
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded != nil {
		t.Errorf("LoadToken with no tokens should return nil, got %+v", loaded)
	}
}

func TestClearToken(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveToken("k", &broker.Token{AccessToken: "abc"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := st.ClearToken("k"); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	loaded, err := st.LoadToken("k")
	if err != nil {
		t.Fatalf("LoadToken after clear: %v", err)
	}
	if loaded != nil {
		t.Errorf("LoadToken after clear should return nil, got %+v", loaded)
	}
	// Should not error when file doesn't exist
	if err := st.ClearToken("k"); err != nil {
		t.Fatalf("ClearToken on missing file: %v", err)
	}
}

func TestLoadToken_InvalidJSON(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.path("k"), []byte("not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := st.LoadToken("k"); err == nil {
		t.Error("LoadToken with invalid JSON should return error")
	}
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	fb := newTestStore(t)
	st := newKeyringStore("test", fb)
	ks, ok := st.(*keyringStore)
	if !ok {
		t.Fatalf("store type = %T, want *keyringStore", st)
	}

	// a plaintext copy is migrated away on save
	if err := fb.SaveToken("ctrader:1", &broker.Token{AccessToken: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := ks.SaveToken("ctrader:1", &broker.Token{AccessToken: "new", RefreshToken: "r"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if _, err := os.Stat(fb.path("ctrader:1")); !os.IsNotExist(err) {
		t.Errorf("fallback file should be removed, err=%v", err)
	}

	got, err := ks.LoadToken("ctrader:1")
	if err != nil || got == nil || got.AccessToken != "new" {
		t.Fatalf("LoadToken = %+v, %v", got, err)
	}
	if !strings.HasPrefix(ks.account("x"), "token.test.") {
		t.Errorf("account = %q", ks.account("x"))
	}

	if err := ks.ClearToken("ctrader:1"); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	got, err = ks.LoadToken("ctrader:1")
	if err != nil || got != nil {
		t.Errorf("after clear = %+v, %v", got, err)
	}
}

package brokerstore

import (
	"bytes"
	"errors"
	"testing"
)

func mustSealer(t *testing.T, passphrase, profile string) *sealer {
	t.Helper()
	s, err := newSealer(passphrase, profile)
	if err != nil {
		t.Fatalf("newSealer() error = %v", err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := mustSealer(t, "", "default")
	plaintext := []byte(`{"venue":"alpaca","fields":{"api_key":"AK"}}`)

	blob, err := s.seal("alpaca", plaintext)
	if err != nil {
		t.Fatalf("seal() error = %v", err)
	}
	if !bytes.HasPrefix(blob, magic) {
		t.Errorf("blob does not start with %q", magic)
	}
	if bytes.Contains(blob, []byte("api_key")) {
		t.Error("blob leaks plaintext")
	}

	got, err := s.open("alpaca", blob)
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("open() = %q, want %q", got, plaintext)
	}
}

func TestSealUsesFreshSaltAndNonce(t *testing.T) {
	s := mustSealer(t, "", "default")
	b1, err := s.seal("oanda", []byte("same data"))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := s.seal("oanda", []byte("same data"))
	if err != nil {
		t.Fatal(err)
	}
	salt := func(b []byte) []byte { return b[len(magic) : len(magic)+saltLen] }
	if bytes.Equal(salt(b1), salt(b2)) {
		t.Error("two seals share a salt")
	}
	if bytes.Equal(b1, b2) {
		t.Error("two seals of the same data are identical")
	}
}

func TestOpenBindsBrokerID(t *testing.T) {
	s := mustSealer(t, "", "default")
	blob, err := s.seal("alpaca_live", []byte("creds"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.open("alpaca_paper", blob); err == nil {
		t.Fatal("a file sealed for one id must not open as another")
	}
}

func TestOpenWrongPassphraseOrProfile(t *testing.T) {
	blob, err := mustSealer(t, "operator secret", "default").seal("ibkr", []byte("creds"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mustSealer(t, "", "default").open("ibkr", blob); err == nil {
		t.Error("default passphrase opened a file sealed with a custom one")
	}
	if _, err := mustSealer(t, "operator secret", "live").open("ibkr", blob); err == nil {
		t.Error("another profile opened the file")
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	s := mustSealer(t, "", "default")
	for name, blob := range map[string][]byte{
		"short":     []byte("short"),
		"no magic":  bytes.Repeat([]byte{1}, 64),
		"truncated": append(append([]byte{}, magic...), make([]byte, saltLen+4)...),
	} {
		if _, err := s.open("x", blob); !errors.Is(err, errNotVault) {
			t.Errorf("%s: open() error = %v, want errNotVault", name, err)
		}
	}

	blob, err := s.seal("x", []byte("creds"))
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := s.open("x", blob); err == nil {
		t.Error("tampered ciphertext opened")
	}
}

package brokerstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

// Vault files are a versioned envelope:
//
//	"TGV1" | salt (16) | nonce (12) | AES-256-GCM ciphertext
//
// Each file gets its own salt. The broker id is sealed in as additional
// data, so a file renamed to another id does not open.

const (
	pbkdf2Iterations  = 100000
	keyLen            = 32
	saltLen           = 16
	defaultPassphrase = "tradegate-credential-vault"
)

var (
	magic       = []byte("TGV1")
	errNotVault = errors.New("not a tradegate vault file")
)

// sealer encrypts entries with a key stretched from the passphrase and a
// fingerprint of this machine, user and profile.
type sealer struct {
	secret []byte
}

func newSealer(passphrase, profile string) (*sealer, error) {
	if passphrase == "" {
		passphrase = defaultPassphrase
	}
	fp, err := fingerprint(profile)
	if err != nil {
		return nil, fmt.Errorf("vault fingerprint: %w", err)
	}
	return &sealer{secret: append([]byte(passphrase+"\x00"), fp...)}, nil
}

func fingerprint(profile string) ([]byte, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = runtime.GOOS
	}
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(hostname + "\x00" + u.Username + "\x00" + u.HomeDir + "\x00" + profile))
	return sum[:], nil
}

func (s *sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.secret, salt, pbkdf2Iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *sealer) seal(id string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte(id)), nil
}

func (s *sealer) open(id string, blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, magic) || len(blob) < len(magic)+saltLen {
		return nil, errNotVault
	}
	rest := blob[len(magic):]
	salt, rest := rest[:saltLen], rest[saltLen:]
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, errNotVault
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, []byte(id))
}

// Package brokerstore is the encrypted credential vault: one file per
// broker id holding the venue's field map and an optional TOTP secret.
package brokerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one vaulted credential set.
type Entry struct {
	Venue      string            `json:"venue"`
	Fields     map[string]string `json:"fields"`
	TOTPSecret string            `json:"totp_secret,omitempty"`
	SavedAt    string            `json:"saved_at"`
}

// Store manages encrypted credentials per profile and broker id.
type Store struct {
	dir     string
	profile string
	box     *sealer
}

// New creates a vault under dir. An empty passphrase uses the built-in one,
// which together with the machine salt ties the files to this host.
func New(dir, profile, passphrase string) (*Store, error) {
	if profile == "" {
		profile = "default"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	box, err := newSealer(passphrase, profile)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, profile: profile, box: box}, nil
}

// Default opens the vault at ~/.config/tradegate.
// Credentials are stored at ~/.config/tradegate/broker.<profile>.<id>.enc
func Default(profile, passphrase string) (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return New(filepath.Join(dir, "tradegate"), profile, passphrase)
}

func (s *Store) prefix() string { return fmt.Sprintf("broker.%s.", s.profile) }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, s.prefix()+id+".enc")
}

// Save encrypts and writes credentials for a broker id.
func (s *Store) Save(id string, e *Entry) error {
	if e.SavedAt == "" {
		e.SavedAt = time.Now().UTC().Format(time.RFC3339)
	}

	plaintext, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	ciphertext, err := s.box.seal(id, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(id))
}

// Load decrypts and returns credentials for a broker id.
// Returns nil, nil if no credentials are stored.
func (s *Store) Load(id string) (*Entry, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.box.open(id, data)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials (wrong machine or passphrase?): %w", err)
	}

	var e Entry
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	return &e, nil
}

// Delete removes credentials for a broker id.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists checks if credentials are stored for a broker id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns the stored broker ids for this profile, sorted.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.prefix()+"*.enc"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, s.prefix()), ".enc"))
	}
	sort.Strings(ids)
	return ids, nil
}

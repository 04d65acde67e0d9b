// Package store persists rotated venue OAuth tokens. The OS keyring is used
// when available, with a 0600 JSON file per key as fallback.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/haiphen/tradegate/internal/broker"
)

type Options struct {
	Profile string
	// Dir overrides ~/.config/tradegate.
	Dir string
	// FileOnly skips the keyring probe.
	FileOnly bool
}

type fileStore struct {
	dir     string
	profile string
}

// New returns a broker.TokenStore for the profile.
func New(opts Options) (broker.TokenStore, error) {
	if opts.Profile == "" {
		opts.Profile = "default"
	}
	dir := opts.Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "tradegate")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	fb := &fileStore{dir: dir, profile: opts.Profile}
	if opts.FileOnly {
		return fb, nil
	}
	return newKeyringStore(opts.Profile, fb), nil
}

// keys look like "ctrader:12345"; anything outside [A-Za-z0-9._-] becomes "_".
func fileKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, "token."+s.profile+"."+fileKey(key)+".json")
}

func (s *fileStore) LoadToken(key string) (*broker.Token, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t broker.Token
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	if t.AccessToken == "" && t.RefreshToken == "" {
		return nil, nil
	}
	return &t, nil
}

func (s *fileStore) SaveToken(key string, t *broker.Token) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	// write atomically
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) ClearToken(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

package store

import (
	"encoding/json"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/haiphen/tradegate/internal/broker"
)

const keyringService = "tradegate"

type keyringStore struct {
	profile  string
	fallback *fileStore
}

func newKeyringStore(profile string, fb *fileStore) broker.TokenStore {
	// Probe keyring availability with a no-op get
	_, err := keyring.Get(keyringService, "probe."+profile)
	if err == keyring.ErrNotFound || err == nil {
		return &keyringStore{profile: profile, fallback: fb}
	}
	// Keyring unavailable (CI, SSH, containers)
	return fb
}

func (ks *keyringStore) account(key string) string { return "token." + ks.profile + "." + key }

func (ks *keyringStore) LoadToken(key string) (*broker.Token, error) {
	s, err := keyring.Get(keyringService, ks.account(key))
	if err != nil {
		// not found, or keyring failed: the file may hold an older copy
		return ks.fallback.LoadToken(key)
	}
	var t broker.Token
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, err
	}
	if t.AccessToken == "" && t.RefreshToken == "" {
		return nil, nil
	}
	return &t, nil
}

func (ks *keyringStore) SaveToken(key string, t *broker.Token) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, ks.account(key), string(b)); err != nil {
		return ks.fallback.SaveToken(key, t)
	}
	// Delete plaintext file if migration succeeded
	_ = os.Remove(ks.fallback.path(key))
	return nil
}

func (ks *keyringStore) ClearToken(key string) error {
	_ = keyring.Delete(keyringService, ks.account(key))
	return ks.fallback.ClearToken(key)
}

package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mitalk/internal/logger"
)

// VAPIDKeys is the Web Push (VAPID) key pair, both base64url without padding.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

const defaultVAPIDKeysPath = "config/vapid.json"

var errBadVAPIDKeys = errors.New("push: malformed VAPID keys")

// Validate checks the key sizes: an uncompressed P-256 point and a 32 byte scalar.
func (k VAPIDKeys) Validate() error {
	pub, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("%w: public key", errBadVAPIDKeys)
	}
	priv, err := base64.RawURLEncoding.DecodeString(k.PrivateKey)
	if err != nil || len(priv) != 32 {
		return fmt.Errorf("%w: private key", errBadVAPIDKeys)
	}
	return nil
}

// EnsureVAPIDKeys loads the pair stored at path. A missing, empty or
// malformed file is replaced by a freshly generated pair.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		path = defaultVAPIDKeysPath
	}
	keys, err := loadVAPIDKeys(path)
	switch {
	case err == nil:
		return keys, nil
	case !errors.Is(err, os.ErrNotExist):
		logger.Errorf("push: %s unusable, regenerating: %v", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.EnsureVAPIDKeys: %w", err)
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := saveVAPIDKeys(path, keys); err != nil {
		logger.Errorf("push: could not save VAPID keys to %s: %v (using generated keys)", path, err)
		return keys, nil
	}
	logger.Infof("push: generated VAPID keys in %s", path)
	return keys, nil
}

func loadVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	return &keys, nil
}

// saveVAPIDKeys writes through a temp file so a crash never leaves half a key.
func saveVAPIDKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

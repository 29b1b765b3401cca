package keyed

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseKeys decodes hex private keys, with or without 0x prefix.
func ParseKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, h := range hexKeys {
		h = strings.TrimPrefix(strings.TrimSpace(h), "0x")
		key, err := crypto.HexToECDSA(h)
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LoadKeystore decrypts a v3 keystore file.
func LoadKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", path, err)
	}
	key, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	return key.PrivateKey, nil
}

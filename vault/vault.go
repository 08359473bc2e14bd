// Package vault seals provider credentials with AES-256-GCM so that stored
// records never contain plaintext secrets. Sealed values are opaque base64
// strings carrying a random nonce; opening with a different key fails.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
)

const keyLen = 32 // AES-256

// Vault encrypts and decrypts small strings. Safe for concurrent use.
type Vault struct {
	aead     cipher.AEAD
	volatile bool
}

// New builds a vault from the configured key. The key may be given as 32
// raw bytes, 64 hex characters or base64 of 32 bytes.
//
// When the key is empty, non-production environments get a random process
// key: sealed values survive only for the process lifetime and a restart
// makes previously stored credentials unreadable. Production refuses to
// start without a key.
func New(key, environment string, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}
	volatile := false
	var material []byte
	if key == "" {
		if environment == "production" {
			return nil, fmt.Errorf("vault: encryption key is required in production")
		}
		material = make([]byte, keyLen)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("vault: generate volatile key: %w", err)
		}
		volatile = true
		log.Warn("vault_volatile_key",
			"detail", "no encryption key configured; sealed credentials will not survive a restart")
	} else {
		var err error
		material, err = parseKey(key)
		if err != nil {
			return nil, err
		}
	}

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead, volatile: volatile}, nil
}

// Volatile reports whether the vault runs on a generated process-local key.
func (v *Vault) Volatile() bool { return v.volatile }

// Seal encrypts plaintext and returns a self-contained base64 token.
// Sealing the empty string returns the empty string so keyless providers
// round-trip cleanly.
func (v *Vault) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal.
func (v *Vault) Open(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("vault: decode token: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("vault: token too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: open: %w", err)
	}
	return string(plain), nil
}

// parseKey accepts raw, hex or base64 encodings of a 32-byte key.
func parseKey(key string) ([]byte, error) {
	if len(key) == keyLen {
		return []byte(key), nil
	}
	if len(key) == keyLen*2 {
		if b, err := hex.DecodeString(key); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == keyLen {
		return b, nil
	}
	return nil, fmt.Errorf("vault: key must be 32 bytes (raw, hex or base64), got %d characters", len(key))
}

// Package crypto seals credential values with AES-256-GCM for storage at
// rest. Sealed values carry an "enc:" prefix; without a configured key,
// values fall back to "plain:" base64 so development setups keep working.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ashrun/ash/internal/logging"
)

const (
	encPrefix   = "enc:"
	plainPrefix = "plain:"
)

// keyFromEnv loads the 32-byte key from ASH_SECRET_ENCRYPTION_KEY, given
// as 64 hex chars or base64. Returns nil when unset.
func keyFromEnv() []byte {
	raw := os.Getenv("ASH_SECRET_ENCRYPTION_KEY")
	if raw == "" {
		return nil
	}
	if len(raw) == 64 {
		if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
			return b
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	log := logging.WithComponent("crypto")
	log.Warn().Msg("ASH_SECRET_ENCRYPTION_KEY set but not decodable as 32-byte hex or base64, storing secrets as plaintext")
	return nil
}

// Encrypt seals plaintext with the configured key. Without a key it stores
// base64 plaintext under the plain: prefix and warns.
func Encrypt(plaintext string) (string, error) {
	key := keyFromEnv()
	if key == nil {
		log := logging.WithComponent("crypto")
		log.Warn().Msg("no encryption key configured, storing secret as base64 plaintext (set ASH_SECRET_ENCRYPTION_KEY)")
		return plainPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}
	return EncryptWithKey(plaintext, key)
}

// EncryptWithKey seals plaintext with the given 32-byte key.
func EncryptWithKey(plaintext string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt, handling both enc: and plain:
// formats.
func Decrypt(stored string) (string, error) {
	if strings.HasPrefix(stored, plainPrefix) {
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, plainPrefix))
		if err != nil {
			return "", fmt.Errorf("decode plaintext value: %w", err)
		}
		return string(b), nil
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return "", fmt.Errorf("unknown secret format (expected enc: or plain: prefix)")
	}
	key := keyFromEnv()
	if key == nil {
		return "", fmt.Errorf("ASH_SECRET_ENCRYPTION_KEY not configured, cannot decrypt enc: values")
	}
	return DecryptWithKey(stored, key)
}

// DecryptWithKey opens an enc: value with the given key.
func DecryptWithKey(stored string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return "", fmt.Errorf("expected enc: prefix")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Package fieldcrypt encrypts sensitive profile fields (recovery email,
// mobile number) at rest and derives the deterministic blind index that
// makes encrypted values equality-searchable without decryption.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Codec performs authenticated field encryption plus blind indexing.
type Codec struct {
	aead     cipher.AEAD
	indexKey []byte
}

// New builds a codec from a hex-encoded 32-byte encryption key and an
// optional blind-index key. An empty index key degrades the blind index to
// an unkeyed SHA-256, which keeps single-tenant deployments working without
// extra secrets.
func New(encryptionKeyHex string, indexKey string) (*Codec, error) {
	key, err := hex.DecodeString(encryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode field encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("field encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field encryption cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field encryption aead: %w", err)
	}

	return &Codec{aead: aead, indexKey: []byte(indexKey)}, nil
}

// Encrypt seals a value. The random nonce is prepended to the ciphertext.
func (c *Codec) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("field encryption nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a value sealed by Encrypt.
func (c *Codec) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return "", fmt.Errorf("field ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("field decrypt: %w", err)
	}
	return string(plain), nil
}

// BlindIndex derives the deterministic 64-char hex index of a normalised
// value. The same value always yields the same index across the deployment,
// which is exactly what makes the uniqueness lookup possible.
func (c *Codec) BlindIndex(normalised string) string {
	if normalised == "" {
		return ""
	}
	if len(c.indexKey) > 0 {
		mac := hmac.New(sha256.New, c.indexKey)
		mac.Write([]byte(normalised))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}

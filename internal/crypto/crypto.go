// Package crypto provides the security primitives used at the admission
// boundary and the storage boundary: salted API key hashing, constant-time
// HMAC verification, and AES-256-GCM encryption for secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// encPrefix marks stored ciphertexts so plaintext values can never be
// mistaken for encrypted ones.
const encPrefix = "enc:"

// HashAPIKey returns the hex SHA-256 of key+salt. The salt keeps leaked
// hashes useless against rainbow tables while the hash stays deterministic,
// which is required for the indexed lookup by hashed key.
func HashAPIKey(key, salt string) string {
	sum := sha256.Sum256([]byte(key + salt))
	return hex.EncodeToString(sum[:])
}

// ComputeHMAC returns the hex HMAC-SHA256 of payload keyed by secret.
func ComputeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature matches the HMAC-SHA256 of payload
// under secret. Comparison is constant time. Missing inputs are invalid,
// never an error.
func VerifyHMAC(payload []byte, signature, secret string) bool {
	if len(payload) == 0 || signature == "" || secret == "" {
		return false
	}
	expected := ComputeHMAC(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Cipher encrypts and decrypts secrets at rest with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the master secret. A 64-character hex
// string is used as the raw 32-byte key; anything else is treated as a
// passphrase and stretched with PBKDF2-SHA256.
func NewCipher(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("encryption master secret is empty")
	}

	var key []byte
	if decoded, err := hex.DecodeString(masterSecret); err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		key = pbkdf2.Key([]byte(masterSecret), []byte("cartolane.secrets.v1"), 4096, 32, sha256.New)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM mode: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns the
// base64 envelope prefixed with "enc:". Empty input passes through
// unchanged so optional secrets stay optional.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens an "enc:" envelope. GCM authenticates before decrypting,
// so a wrong key or tampered ciphertext fails rather than returning
// garbage.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	if len(envelope) < len(encPrefix) || envelope[:len(encPrefix)] != encPrefix {
		return "", fmt.Errorf("invalid encrypted format (missing %q prefix)", encPrefix)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key or tampered data): %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random 32-byte key, hex encoded. Used by the
// keygen tool during provisioning.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// GenerateAPIKey returns a fresh random API key suitable for handing to a
// client application.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
